// Package types holds the identifier and enumeration leaf types shared by
// every other package in the module.
package types

import "fmt"

// QsoID is a monotonic QSO identifier. IDs start at 1, are never reused and
// strictly increase in assignment order.
type QsoID uint64

// OpSeq is a monotonic, gapless operation sequence number in the journal.
type OpSeq uint64

// ContestInstanceID identifies one contest instance.
type ContestInstanceID uint64

// RadioID identifies a radio at the station.
type RadioID uint32

// OperatorID identifies an operator.
type OperatorID uint32

// Band is a closed HF contest band bucket.
type Band uint8

const (
	Band160m Band = iota
	Band80m
	Band40m
	Band20m
	Band15m
	Band10m
	BandOther
)

var bandNames = map[Band]string{
	Band160m:  "160m",
	Band80m:   "80m",
	Band40m:   "40m",
	Band20m:   "20m",
	Band15m:   "15m",
	Band10m:   "10m",
	BandOther: "other",
}

func (b Band) String() string {
	if name, ok := bandNames[b]; ok {
		return name
	}
	return "other"
}

// ParseBand maps a stable band name back to its Band value.
func ParseBand(s string) (Band, error) {
	for b, name := range bandNames {
		if name == s {
			return b, nil
		}
	}
	return BandOther, fmt.Errorf("unknown band %q", s)
}

// MarshalText keeps the journal and config encodings stable across enum
// reordering.
func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *Band) UnmarshalText(text []byte) error {
	parsed, err := ParseBand(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Mode is a closed emission mode bucket.
type Mode uint8

const (
	ModeCW Mode = iota
	ModeSSB
	ModeDigital
	ModeOther
)

var modeNames = map[Mode]string{
	ModeCW:      "cw",
	ModeSSB:     "ssb",
	ModeDigital: "digital",
	ModeOther:   "other",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "other"
}

// ParseMode maps a stable mode name back to its Mode value.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeOther, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Flags is a bit field of editorial record states.
type Flags uint8

const (
	// FlagDupe marks a record detected as a duplicate contact.
	FlagDupe Flags = 1 << iota
	// FlagManualEdit marks a record touched by a manual edit.
	FlagManualEdit
	// FlagNeedsReview marks a record queued for operator review.
	FlagNeedsReview
)

// Has reports whether every bit in f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// With returns the flag set with f added.
func (fl Flags) With(f Flags) Flags { return fl | f }

// Without returns the flag set with f cleared.
func (fl Flags) Without(f Flags) Flags { return fl &^ f }
