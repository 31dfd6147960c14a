package qso

import "github.com/qsologio/qsolog/pkg/types"

// Patch is a sparse update: every non-nil field overwrites the record value.
// Absent fields mean "no change".
type Patch struct {
	ContestInstanceID *types.ContestInstanceID `json:"contest_instance_id,omitempty"`
	CallsignRaw       *string                  `json:"callsign_raw,omitempty"`
	CallsignNorm      *string                  `json:"callsign_norm,omitempty"`
	Band              *types.Band              `json:"band,omitempty"`
	Mode              *types.Mode              `json:"mode,omitempty"`
	FreqHz            *uint64                  `json:"freq_hz,omitempty"`
	TsMs              *int64                   `json:"ts_ms,omitempty"`
	RadioID           *types.RadioID           `json:"radio_id,omitempty"`
	OperatorID        *types.OperatorID        `json:"operator_id,omitempty"`
	Exchange          *[]byte                  `json:"exchange,omitempty"`
	Flags             *types.Flags             `json:"flags,omitempty"`
}

// IsEmpty reports whether the patch touches no fields.
func (p Patch) IsEmpty() bool {
	return p.ContestInstanceID == nil &&
		p.CallsignRaw == nil &&
		p.CallsignNorm == nil &&
		p.Band == nil &&
		p.Mode == nil &&
		p.FreqHz == nil &&
		p.TsMs == nil &&
		p.RadioID == nil &&
		p.OperatorID == nil &&
		p.Exchange == nil &&
		p.Flags == nil
}

// CaptureInverse returns a patch carrying rec's current values for every
// field this patch touches. Applying the result after this patch restores
// the pre-state.
func (p Patch) CaptureInverse(rec Record) Patch {
	var inv Patch
	if p.ContestInstanceID != nil {
		v := rec.ContestInstanceID
		inv.ContestInstanceID = &v
	}
	if p.CallsignRaw != nil {
		v := rec.CallsignRaw
		inv.CallsignRaw = &v
	}
	if p.CallsignNorm != nil {
		v := rec.CallsignNorm
		inv.CallsignNorm = &v
	}
	if p.Band != nil {
		v := rec.Band
		inv.Band = &v
	}
	if p.Mode != nil {
		v := rec.Mode
		inv.Mode = &v
	}
	if p.FreqHz != nil {
		v := rec.FreqHz
		inv.FreqHz = &v
	}
	if p.TsMs != nil {
		v := rec.TsMs
		inv.TsMs = &v
	}
	if p.RadioID != nil {
		v := rec.RadioID
		inv.RadioID = &v
	}
	if p.OperatorID != nil {
		v := rec.OperatorID
		inv.OperatorID = &v
	}
	if p.Exchange != nil {
		v := append([]byte(nil), rec.Exchange...)
		inv.Exchange = &v
	}
	if p.Flags != nil {
		v := rec.Flags
		inv.Flags = &v
	}
	return inv
}

// ApplyTo overwrites rec's fields with every value the patch carries.
func (p Patch) ApplyTo(rec *Record) {
	if p.ContestInstanceID != nil {
		rec.ContestInstanceID = *p.ContestInstanceID
	}
	if p.CallsignRaw != nil {
		rec.CallsignRaw = *p.CallsignRaw
	}
	if p.CallsignNorm != nil {
		rec.CallsignNorm = *p.CallsignNorm
	}
	if p.Band != nil {
		rec.Band = *p.Band
	}
	if p.Mode != nil {
		rec.Mode = *p.Mode
	}
	if p.FreqHz != nil {
		rec.FreqHz = *p.FreqHz
	}
	if p.TsMs != nil {
		rec.TsMs = *p.TsMs
	}
	if p.RadioID != nil {
		rec.RadioID = *p.RadioID
	}
	if p.OperatorID != nil {
		rec.OperatorID = *p.OperatorID
	}
	if p.Exchange != nil {
		rec.Exchange = append([]byte(nil), (*p.Exchange)...)
	}
	if p.Flags != nil {
		rec.Flags = *p.Flags
	}
}
