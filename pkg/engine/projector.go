package engine

import (
	"sort"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

// ScoreProjector maintains incremental contest scoring state over the
// authoritative store. It reads the store only from inside OnApplied /
// OnReplayComplete / Invalidate, which the runtime calls synchronously in the
// writer loop, so no locking is needed.
type ScoreProjector[S any, V comparable] struct {
	engine   ContestEngine[S, V]
	store    *store.Store
	state    S
	applied  map[types.QsoID]Applied[V]
	depIndex map[DepKey]map[types.QsoID]struct{}
}

// NewScoreProjector creates a projector over st.
func NewScoreProjector[S any, V comparable](e ContestEngine[S, V], st *store.Store) *ScoreProjector[S, V] {
	return &ScoreProjector[S, V]{
		engine:   e,
		store:    st,
		state:    e.NewState(),
		applied:  make(map[types.QsoID]Applied[V]),
		depIndex: make(map[DepKey]map[types.QsoID]struct{}),
	}
}

// State exposes the engine state for scoreboard reads.
func (p *ScoreProjector[S, V]) State() S { return p.state }

// AppliedFor returns the cached evaluation for one QSO.
func (p *ScoreProjector[S, V]) AppliedFor(id types.QsoID) (Applied[V], bool) {
	a, ok := p.applied[id]
	return a, ok
}

// OnApplied reconciles the projector after one store mutation. The stored
// op's inverse reconstructs the pre-state of the touched record.
func (p *ScoreProjector[S, V]) OnApplied(stored *op.StoredOp) {
	var (
		changedID types.QsoID
		oldRecord *qso.Record
	)
	switch stored.Op.Kind {
	case op.KindInsert:
		changedID = stored.Op.Insert.Record.ID
	case op.KindEdit:
		changedID = stored.Op.Edit.ID
		cur, ok := p.store.Get(changedID)
		if !ok {
			return
		}
		old := cur.Clone()
		if stored.Inverse.Kind == op.KindEdit && stored.Inverse.Edit != nil {
			stored.Inverse.Edit.Patch.ApplyTo(&old)
		}
		oldRecord = &old
	case op.KindDelete:
		changedID = stored.Op.Delete.ID
		if stored.Inverse.Kind == op.KindInsert && stored.Inverse.Insert != nil {
			old := stored.Inverse.Insert.Record.Clone()
			oldRecord = &old
		}
	default:
		return
	}
	p.reconcile(changedID, oldRecord)
}

// OnReplayComplete rebuilds the full projection from the store.
func (p *ScoreProjector[S, V]) OnReplayComplete(types.OpSeq) {
	p.state = p.engine.NewState()
	p.applied = make(map[types.QsoID]Applied[V])
	p.depIndex = make(map[DepKey]map[types.QsoID]struct{})
	for _, rec := range p.store.Canonical() {
		applied := p.engine.Apply(p.state, &rec)
		p.addDepLinks(rec.ID, applied.Deps)
		p.applied[rec.ID] = applied
	}
}

// Invalidate forces re-evaluation of one QSO and its dependents.
func (p *ScoreProjector[S, V]) Invalidate(id types.QsoID) {
	p.reconcile(id, nil)
}

func (p *ScoreProjector[S, V]) reconcile(changedID types.QsoID, oldRecord *qso.Record) {
	impacted := map[types.QsoID]struct{}{changedID: {}}
	if oldApplied, ok := p.applied[changedID]; ok {
		for dep := range oldApplied.Deps {
			for id := range p.depIndex[dep] {
				impacted[id] = struct{}{}
			}
		}
	}

	for {
		changedKeys := p.recomputeImpacted(impacted, changedID, oldRecord)
		oldRecord = nil

		expanded := false
		for key := range changedKeys {
			for id := range p.depIndex[key] {
				if _, seen := impacted[id]; !seen {
					impacted[id] = struct{}{}
					expanded = true
				}
			}
		}
		if !expanded {
			return
		}
	}
}

func (p *ScoreProjector[S, V]) recomputeImpacted(
	impacted map[types.QsoID]struct{},
	changedID types.QsoID,
	oldRecordForChanged *qso.Record,
) map[DepKey]struct{} {
	ids := make([]types.QsoID, 0, len(impacted))
	for id := range impacted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Retract pass, canonical order.
	oldSubset := make(map[types.QsoID]Applied[V], len(ids))
	for _, id := range ids {
		oldApplied, ok := p.applied[id]
		if !ok {
			continue
		}
		var rec *qso.Record
		if id == changedID && oldRecordForChanged != nil {
			rec = oldRecordForChanged
		} else if cur, live := p.store.Get(id); live {
			rec = &cur
		}
		if rec == nil {
			continue
		}
		p.engine.Retract(p.state, rec, oldApplied)
		p.removeDepLinks(id, oldApplied.Deps)
		delete(p.applied, id)
		oldSubset[id] = oldApplied
	}

	// Re-apply pass over records still live, canonical order.
	newSubset := make(map[types.QsoID]Applied[V], len(ids))
	for _, id := range ids {
		rec, live := p.store.Get(id)
		if !live {
			continue
		}
		applied := p.engine.Apply(p.state, &rec)
		p.addDepLinks(id, applied.Deps)
		p.applied[id] = applied
		newSubset[id] = applied
	}

	changedKeys := make(map[DepKey]struct{})
	for _, id := range ids {
		oldApplied, hadOld := oldSubset[id]
		newApplied, hasNew := newSubset[id]
		switch {
		case hadOld && hasNew:
			if !oldApplied.equal(newApplied) {
				for _, key := range p.engine.DiffInvalidation(oldApplied, newApplied) {
					changedKeys[key] = struct{}{}
				}
			}
		case hadOld:
			for key := range oldApplied.Deps {
				changedKeys[key] = struct{}{}
			}
		case hasNew:
			for key := range newApplied.Deps {
				changedKeys[key] = struct{}{}
			}
		}
	}
	return changedKeys
}

func (p *ScoreProjector[S, V]) addDepLinks(id types.QsoID, deps map[DepKey]struct{}) {
	for dep := range deps {
		ids, ok := p.depIndex[dep]
		if !ok {
			ids = make(map[types.QsoID]struct{})
			p.depIndex[dep] = ids
		}
		ids[id] = struct{}{}
	}
}

func (p *ScoreProjector[S, V]) removeDepLinks(id types.QsoID, deps map[DepKey]struct{}) {
	for dep := range deps {
		if ids, ok := p.depIndex[dep]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(p.depIndex, dep)
			}
		}
	}
}
