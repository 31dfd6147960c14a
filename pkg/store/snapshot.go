package store

import (
	"fmt"

	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/types"
)

// Snapshot is the serializable checkpoint state: the canonical record
// sequence and the next id to assign.
type Snapshot struct {
	NextID  types.QsoID  `json:"next_id"`
	Records []qso.Record `json:"records"`
}

// Snapshot exports a copy of the full state in canonical order.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		NextID:  s.nextID,
		Records: s.Canonical(),
	}
}

// FromSnapshot rebuilds a store from a snapshot, restoring indexes.
func FromSnapshot(snap Snapshot) (*Store, error) {
	s := New()
	var prev types.QsoID
	for _, rec := range snap.Records {
		if rec.ID == 0 {
			return nil, fmt.Errorf("store: snapshot record without id")
		}
		if rec.ID <= prev {
			return nil, fmt.Errorf("store: snapshot records not in canonical order (%d after %d)", rec.ID, prev)
		}
		prev = rec.ID

		r := rec.Clone()
		s.records[r.ID] = &r
		s.order = append(s.order, r.ID)
		s.indexAdd(&r)
	}
	if snap.NextID > s.nextID {
		s.nextID = snap.NextID
	}
	if prev >= s.nextID {
		s.nextID = prev + 1
	}
	return s, nil
}

// Equal reports record-for-record equality of two stores, including the id
// counter. Used by replay-equivalence checks.
func (s *Store) Equal(o *Store) bool {
	if s.nextID != o.nextID || len(s.order) != len(o.order) {
		return false
	}
	for i, id := range s.order {
		if o.order[i] != id {
			return false
		}
		if !s.records[id].Equal(*o.records[id]) {
			return false
		}
	}
	return true
}
