package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/qsologio/qsolog/pkg/store"
)

// Snapshot state blobs carry their own versioned envelope, framed the same
// way as op payloads: [magic "QSOS"][version u16 LE][len u32 LE][JSON].
const snapshotFormatVersion uint16 = 1

var snapshotMagic = [4]byte{'Q', 'S', 'O', 'S'}

const snapshotHeaderLen = 4 + 2 + 4

func encodeSnapshotState(snap store.Snapshot) ([]byte, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	out := make([]byte, snapshotHeaderLen+len(body))
	copy(out[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(out[4:6], snapshotFormatVersion)
	binary.LittleEndian.PutUint32(out[6:10], uint32(len(body)))
	copy(out[snapshotHeaderLen:], body)
	return out, nil
}

func decodeSnapshotState(b []byte) (store.Snapshot, error) {
	var snap store.Snapshot
	if len(b) < snapshotHeaderLen {
		return snap, fmt.Errorf("%w: truncated snapshot header", ErrIncompatibleJournal)
	}
	if [4]byte(b[0:4]) != snapshotMagic {
		return snap, fmt.Errorf("%w: bad snapshot magic %q", ErrIncompatibleJournal, b[0:4])
	}
	version := binary.LittleEndian.Uint16(b[4:6])
	if version != snapshotFormatVersion {
		return snap, fmt.Errorf("%w: snapshot version %d, want %d", ErrIncompatibleJournal, version, snapshotFormatVersion)
	}
	n := binary.LittleEndian.Uint32(b[6:10])
	if int(n) != len(b)-snapshotHeaderLen {
		return snap, fmt.Errorf("%w: snapshot length mismatch", ErrIncompatibleJournal)
	}
	if err := json.Unmarshal(b[snapshotHeaderLen:], &snap); err != nil {
		return snap, fmt.Errorf("%w: %v", ErrIncompatibleJournal, err)
	}
	return snap, nil
}
