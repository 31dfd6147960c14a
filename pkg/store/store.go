// Package store holds the authoritative in-memory QSO collection.
//
// Invariants:
//   - canonical iteration order is ascending ID, which equals assignment order
//   - IDs are assigned monotonically and never reused
//   - Apply either fully mutates or leaves the store untouched
package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/types"
)

var (
	// ErrUnknownID reports an edit or delete against a nonexistent record.
	ErrUnknownID = errors.New("store: unknown qso id")
	// ErrIDCollision reports a pinned insert whose id is already live.
	ErrIDCollision = errors.New("store: qso id collision")
)

// Effect reports the concrete outcome of one applied op. The runtime uses it
// to derive the compensating op before journaling.
type Effect struct {
	Kind op.Kind
	// Inserted is the materialized record, including the assigned id.
	Inserted *qso.Record
	// Edited and Prior carry the target id and the replaced values of every
	// field the patch touched.
	Edited types.QsoID
	Prior  *qso.Patch
	// Removed is the full record a delete took out.
	Removed *qso.Record

	prevNextID types.QsoID
}

// Store is the authoritative mutable collection. It is not goroutine-safe:
// the runtime's writer goroutine is its only mutator.
type Store struct {
	records   map[types.QsoID]*qso.Record
	order     []types.QsoID
	byCall    map[string][]types.QsoID
	byContest map[types.ContestInstanceID][]types.QsoID
	nextID    types.QsoID
}

// New creates an empty store; the first insert gets id 1.
func New() *Store {
	return &Store{
		records:   make(map[types.QsoID]*qso.Record),
		byCall:    make(map[string][]types.QsoID),
		byContest: make(map[types.ContestInstanceID][]types.QsoID),
		nextID:    1,
	}
}

// Apply executes one op. Failures are pure: on error the store is unchanged.
func (s *Store) Apply(o op.Op) (Effect, error) {
	if err := o.Validate(); err != nil {
		return Effect{}, err
	}
	switch o.Kind {
	case op.KindInsert:
		return s.applyInsert(o.Insert)
	case op.KindEdit:
		return s.applyEdit(o.Edit.ID, o.Edit.Patch)
	case op.KindDelete:
		return s.applyDelete(o.Delete.ID)
	}
	return Effect{}, fmt.Errorf("op: unknown kind %q", o.Kind)
}

// Revert undoes the mutation described by e, restoring the pre-Apply state
// including the id counter. Used by the runtime when the persistence queue
// rejects an already-applied op.
func (s *Store) Revert(e Effect) error {
	switch e.Kind {
	case op.KindInsert:
		if e.Inserted == nil {
			return fmt.Errorf("store: revert insert without record")
		}
		if _, err := s.applyDelete(e.Inserted.ID); err != nil {
			return err
		}
	case op.KindEdit:
		if e.Prior == nil {
			return fmt.Errorf("store: revert edit without prior patch")
		}
		if _, err := s.applyEdit(e.Edited, *e.Prior); err != nil {
			return err
		}
	case op.KindDelete:
		if e.Removed == nil {
			return fmt.Errorf("store: revert delete without record")
		}
		if _, err := s.applyInsert(&op.InsertPayload{Record: *e.Removed, Pinned: true}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store: revert unknown kind %q", e.Kind)
	}
	s.nextID = e.prevNextID
	return nil
}

func (s *Store) applyInsert(p *op.InsertPayload) (Effect, error) {
	rec := p.Record.Clone()
	prevNextID := s.nextID
	if rec.ID == 0 {
		rec.ID = s.nextID
	} else if _, live := s.records[rec.ID]; live {
		return Effect{}, fmt.Errorf("%w: %d", ErrIDCollision, rec.ID)
	}
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}

	s.records[rec.ID] = &rec
	s.order = insertIDSorted(s.order, rec.ID)
	s.indexAdd(&rec)

	out := rec.Clone()
	return Effect{Kind: op.KindInsert, Inserted: &out, prevNextID: prevNextID}, nil
}

func (s *Store) applyEdit(id types.QsoID, patch qso.Patch) (Effect, error) {
	rec, ok := s.records[id]
	if !ok {
		return Effect{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}

	prior := patch.CaptureInverse(*rec)
	oldCall := rec.CallsignNorm
	oldContest := rec.ContestInstanceID
	patch.ApplyTo(rec)

	if rec.CallsignNorm != oldCall {
		s.byCall[oldCall] = removeID(s.byCall[oldCall], id)
		if len(s.byCall[oldCall]) == 0 {
			delete(s.byCall, oldCall)
		}
		s.byCall[rec.CallsignNorm] = insertIDSorted(s.byCall[rec.CallsignNorm], id)
	}
	if rec.ContestInstanceID != oldContest {
		s.byContest[oldContest] = removeID(s.byContest[oldContest], id)
		if len(s.byContest[oldContest]) == 0 {
			delete(s.byContest, oldContest)
		}
		s.byContest[rec.ContestInstanceID] = insertIDSorted(s.byContest[rec.ContestInstanceID], id)
	}

	return Effect{Kind: op.KindEdit, Edited: id, Prior: &prior, prevNextID: s.nextID}, nil
}

func (s *Store) applyDelete(id types.QsoID) (Effect, error) {
	rec, ok := s.records[id]
	if !ok {
		return Effect{}, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}

	delete(s.records, id)
	s.order = removeID(s.order, id)
	s.indexRemove(rec)

	out := rec.Clone()
	return Effect{Kind: op.KindDelete, Removed: &out, prevNextID: s.nextID}, nil
}

func (s *Store) indexAdd(rec *qso.Record) {
	s.byCall[rec.CallsignNorm] = insertIDSorted(s.byCall[rec.CallsignNorm], rec.ID)
	s.byContest[rec.ContestInstanceID] = insertIDSorted(s.byContest[rec.ContestInstanceID], rec.ID)
}

func (s *Store) indexRemove(rec *qso.Record) {
	s.byCall[rec.CallsignNorm] = removeID(s.byCall[rec.CallsignNorm], rec.ID)
	if len(s.byCall[rec.CallsignNorm]) == 0 {
		delete(s.byCall, rec.CallsignNorm)
	}
	s.byContest[rec.ContestInstanceID] = removeID(s.byContest[rec.ContestInstanceID], rec.ID)
	if len(s.byContest[rec.ContestInstanceID]) == 0 {
		delete(s.byContest, rec.ContestInstanceID)
	}
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id types.QsoID) (qso.Record, bool) {
	rec, ok := s.records[id]
	if !ok {
		return qso.Record{}, false
	}
	return rec.Clone(), true
}

// Len is the number of live records.
func (s *Store) Len() int { return len(s.order) }

// NextID is the id the next unpinned insert will receive.
func (s *Store) NextID() types.QsoID { return s.nextID }

// Canonical returns copies of all records in canonical (ascending-id) order.
func (s *Store) Canonical() []qso.Record {
	out := make([]qso.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// Recent returns up to n records from the tail of the canonical order.
func (s *Store) Recent(n int) []qso.Record {
	if n <= 0 {
		return nil
	}
	start := len(s.order) - n
	if start < 0 {
		start = 0
	}
	out := make([]qso.Record, 0, len(s.order)-start)
	for _, id := range s.order[start:] {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// ByCall returns all records for a normalized callsign, canonical order.
func (s *Store) ByCall(callNorm string) []qso.Record {
	ids := s.byCall[callNorm]
	out := make([]qso.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// ByContest returns all records for a contest instance, canonical order.
func (s *Store) ByContest(contest types.ContestInstanceID) []qso.Record {
	ids := s.byContest[contest]
	out := make([]qso.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.records[id].Clone())
	}
	return out
}

func insertIDSorted(ids []types.QsoID, id types.QsoID) []types.QsoID {
	at := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, 0)
	copy(ids[at+1:], ids[at:])
	ids[at] = id
	return ids
}

func removeID(ids []types.QsoID, id types.QsoID) []types.QsoID {
	at := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if at >= len(ids) || ids[at] != id {
		return ids
	}
	return append(ids[:at], ids[at+1:]...)
}
