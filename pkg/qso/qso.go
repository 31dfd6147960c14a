// Package qso defines the QSO domain record, its pre-insert draft shape and
// the sparse patch used for edits.
package qso

import (
	"bytes"
	"strings"

	"github.com/qsologio/qsolog/pkg/types"
)

// Record is one fully materialized, authoritative logged contact.
type Record struct {
	ID                types.QsoID             `json:"id"`
	ContestInstanceID types.ContestInstanceID `json:"contest_instance_id"`
	CallsignRaw       string                  `json:"callsign_raw"`
	CallsignNorm      string                  `json:"callsign_norm"`
	Band              types.Band              `json:"band"`
	Mode              types.Mode              `json:"mode"`
	FreqHz            uint64                  `json:"freq_hz"`
	TsMs              int64                   `json:"ts_ms"`
	RadioID           types.RadioID           `json:"radio_id"`
	OperatorID        types.OperatorID        `json:"operator_id"`
	// Exchange is the contest-engine-defined payload; the core never
	// interprets it.
	Exchange []byte      `json:"exchange,omitempty"`
	Flags    types.Flags `json:"flags"`
}

// Equal reports field-for-field equality.
func (r Record) Equal(o Record) bool {
	return r.ID == o.ID &&
		r.ContestInstanceID == o.ContestInstanceID &&
		r.CallsignRaw == o.CallsignRaw &&
		r.CallsignNorm == o.CallsignNorm &&
		r.Band == o.Band &&
		r.Mode == o.Mode &&
		r.FreqHz == o.FreqHz &&
		r.TsMs == o.TsMs &&
		r.RadioID == o.RadioID &&
		r.OperatorID == o.OperatorID &&
		bytes.Equal(r.Exchange, o.Exchange) &&
		r.Flags == o.Flags
}

// Clone returns a deep copy; the exchange blob is the only reference field.
func (r Record) Clone() Record {
	out := r
	if r.Exchange != nil {
		out.Exchange = append([]byte(nil), r.Exchange...)
	}
	return out
}

// Draft is the pre-insert shape of a Record. The store assigns the ID at
// insert time.
type Draft struct {
	ContestInstanceID types.ContestInstanceID
	CallsignRaw       string
	CallsignNorm      string
	Band              types.Band
	Mode              types.Mode
	FreqHz            uint64
	TsMs              int64
	RadioID           types.RadioID
	OperatorID        types.OperatorID
	Exchange          []byte
	Flags             types.Flags
}

// Materialize turns the draft into a Record carrying id. An empty
// CallsignNorm is filled from CallsignRaw.
func (d Draft) Materialize(id types.QsoID) Record {
	norm := d.CallsignNorm
	if norm == "" {
		norm = NormalizeCallsign(d.CallsignRaw)
	}
	return Record{
		ID:                id,
		ContestInstanceID: d.ContestInstanceID,
		CallsignRaw:       d.CallsignRaw,
		CallsignNorm:      norm,
		Band:              d.Band,
		Mode:              d.Mode,
		FreqHz:            d.FreqHz,
		TsMs:              d.TsMs,
		RadioID:           d.RadioID,
		OperatorID:        d.OperatorID,
		Exchange:          append([]byte(nil), d.Exchange...),
		Flags:             d.Flags,
	}
}

// NormalizeCallsign uppercases and strips everything outside [A-Z0-9/].
func NormalizeCallsign(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '/':
			b.WriteRune(r)
		}
	}
	return b.String()
}
