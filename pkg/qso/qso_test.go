package qso

import (
	"testing"

	"github.com/qsologio/qsolog/pkg/types"
)

func TestNormalizeCallsign(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"k1abc", "K1ABC"},
		{" K1ABC ", "K1ABC"},
		{"ea8/k1abc/p", "EA8/K1ABC/P"},
		{"k1-abc!", "K1ABC"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeCallsign(c.in); got != c.want {
			t.Fatalf("NormalizeCallsign(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDraft_MaterializeFillsNorm(t *testing.T) {
	d := Draft{CallsignRaw: "k1abc", Band: types.Band20m, Mode: types.ModeCW, FreqHz: 14025000}
	rec := d.Materialize(7)
	if rec.ID != 7 {
		t.Fatalf("id = %d, want 7", rec.ID)
	}
	if rec.CallsignNorm != "K1ABC" {
		t.Fatalf("norm = %q", rec.CallsignNorm)
	}
}

func TestPatch_ApplyAndInverseRoundTrip(t *testing.T) {
	rec := Draft{
		ContestInstanceID: 1,
		CallsignRaw:       "K1ABC",
		CallsignNorm:      "K1ABC",
		Band:              types.Band20m,
		Mode:              types.ModeCW,
		FreqHz:            14025000,
		TsMs:              1000,
		Exchange:          []byte("599 001"),
	}.Materialize(1)
	before := rec.Clone()

	freq := uint64(14026000)
	call := "K1ABD"
	exch := []byte("599 002")
	flags := types.FlagManualEdit
	p := Patch{
		FreqHz:      &freq,
		CallsignRaw: &call,
		Exchange:    &exch,
		Flags:       &flags,
	}

	inv := p.CaptureInverse(rec)
	p.ApplyTo(&rec)

	if rec.FreqHz != 14026000 || rec.CallsignRaw != "K1ABD" || !rec.Flags.Has(types.FlagManualEdit) {
		t.Fatalf("patch not applied: %+v", rec)
	}
	if rec.CallsignNorm != "K1ABC" {
		t.Fatalf("untouched field changed: %q", rec.CallsignNorm)
	}

	inv.ApplyTo(&rec)
	if !rec.Equal(before) {
		t.Fatalf("inverse did not restore pre-state:\n got %+v\nwant %+v", rec, before)
	}
}

func TestPatch_IsEmpty(t *testing.T) {
	if !(Patch{}).IsEmpty() {
		t.Fatalf("zero patch should be empty")
	}
	f := uint64(1)
	if (Patch{FreqHz: &f}).IsEmpty() {
		t.Fatalf("patch with a field should not be empty")
	}
}
