package op

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// FormatVersion is the current payload encoding version.
const FormatVersion uint16 = 1

// ErrIncompatibleJournal reports an unreadable or version-mismatched journal
// payload. Replay treats it as fatal.
var ErrIncompatibleJournal = errors.New("op: incompatible journal encoding")

// Encoded payload layout (little endian):
// [magic "QSOL"][version u16][len u32][JSON payload]
var magic = [4]byte{'Q', 'S', 'O', 'L'}

const headerLen = 4 + 2 + 4

func encodePayload(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerLen+len(body))
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], FormatVersion)
	binary.LittleEndian.PutUint32(out[6:10], uint32(len(body)))
	copy(out[headerLen:], body)
	return out, nil
}

func decodePayload(b []byte, v any) error {
	if len(b) < headerLen {
		return fmt.Errorf("%w: truncated header (%d bytes)", ErrIncompatibleJournal, len(b))
	}
	if [4]byte(b[0:4]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrIncompatibleJournal, b[0:4])
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	if version != FormatVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatibleJournal, version, FormatVersion)
	}
	n := binary.LittleEndian.Uint32(b[6:10])
	if int(n) != len(b)-headerLen {
		return fmt.Errorf("%w: length %d does not match payload %d", ErrIncompatibleJournal, n, len(b)-headerLen)
	}
	if err := json.Unmarshal(b[headerLen:], v); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleJournal, err)
	}
	return nil
}

// EncodeOp serializes one op into the versioned envelope.
func EncodeOp(o Op) ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return encodePayload(o)
}

// DecodeOp reverses EncodeOp.
func DecodeOp(b []byte) (Op, error) {
	var o Op
	if err := decodePayload(b, &o); err != nil {
		return Op{}, err
	}
	if err := o.Validate(); err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrIncompatibleJournal, err)
	}
	return o, nil
}

// EncodeStored serializes a full stored op (sequence, timestamp, forward and
// inverse) into one envelope. Used by sinks that keep a single blob per row.
func EncodeStored(s StoredOp) ([]byte, error) {
	if err := s.Op.Validate(); err != nil {
		return nil, err
	}
	if err := s.Inverse.Validate(); err != nil {
		return nil, err
	}
	return encodePayload(s)
}

// DecodeStored reverses EncodeStored.
func DecodeStored(b []byte) (StoredOp, error) {
	var s StoredOp
	if err := decodePayload(b, &s); err != nil {
		return StoredOp{}, err
	}
	return s, nil
}
