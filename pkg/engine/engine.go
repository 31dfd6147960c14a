// Package engine defines the contest-engine projector contract and a generic
// incremental score projector with dependency-key invalidation.
package engine

import (
	"fmt"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/types"
)

// Projector is the pull-based incremental consumer contract. The runtime
// calls OnApplied once per applied op, in op-sequence order, synchronously
// inside the writer loop.
type Projector interface {
	OnApplied(stored *op.StoredOp)
	OnReplayComplete(upTo types.OpSeq)
	Invalidate(id types.QsoID)
}

// DepKind classifies dependency keys.
type DepKind uint8

const (
	DepDupe DepKind = iota
	DepMult
	DepSerial
	DepCustom
)

// DepKey is a dependency whose change may invalidate other QSO evaluations.
type DepKey struct {
	Kind DepKind
	Key  string
}

// DupeKey builds the duplicate-detection dependency for a contact.
func DupeKey(callNorm string, band types.Band, mode types.Mode) DepKey {
	return DepKey{Kind: DepDupe, Key: fmt.Sprintf("%s|%s|%s", callNorm, band, mode)}
}

// MultKey builds a multiplier dependency.
func MultKey(key string) DepKey { return DepKey{Kind: DepMult, Key: key} }

// SerialKey builds a serial-number dependency.
func SerialKey(key string) DepKey { return DepKey{Kind: DepSerial, Key: key} }

// Applied is the cached engine result for one evaluated QSO.
type Applied[V comparable] struct {
	Eval V
	Deps map[DepKey]struct{}
}

func (a Applied[V]) equal(b Applied[V]) bool {
	if a.Eval != b.Eval || len(a.Deps) != len(b.Deps) {
		return false
	}
	for k := range a.Deps {
		if _, ok := b.Deps[k]; !ok {
			return false
		}
	}
	return true
}

// ContestEngine evaluates single QSOs against mutable contest state. S is the
// state type (usually a pointer), V the per-QSO evaluation output.
type ContestEngine[S any, V comparable] interface {
	// NewState creates fresh engine state.
	NewState() S
	// Apply evaluates one QSO into state and returns the cached result.
	Apply(state S, rec *qso.Record) Applied[V]
	// Retract removes a previously applied QSO from state.
	Retract(state S, rec *qso.Record, applied Applied[V])
	// DiffInvalidation returns the keys whose dependents must be
	// reconsidered when a cached result changed.
	DiffInvalidation(old, new Applied[V]) []DepKey
}
