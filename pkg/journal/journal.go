// Package journal persists the append-only operation log and snapshots, and
// replays them into a fresh store on startup.
package journal

import (
	"errors"
	"fmt"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

// ErrIncompatibleJournal mirrors the codec sentinel so callers depend only on
// this package for replay failures.
var ErrIncompatibleJournal = op.ErrIncompatibleJournal

// ErrJournalGap reports a hole in the op_seq sequence during replay.
var ErrJournalGap = errors.New("journal: gap in op sequence")

// SnapshotRecord is one persisted snapshot row.
type SnapshotRecord struct {
	UpToSeq     types.OpSeq
	CreatedAtMs int64
	State       store.Snapshot
}

// Sink is an append-only op journal. Implementations are not goroutine-safe;
// the persistence worker is their only caller.
type Sink interface {
	// AppendBatch writes one batch in a single transaction and returns the
	// batch high-water sequence. An empty batch returns LatestSeq.
	AppendBatch(ops []op.StoredOp) (types.OpSeq, error)
	// Replay streams stored ops with seq > fromSeq in ascending order.
	Replay(fromSeq types.OpSeq, fn func(op.StoredOp) error) error
	// LatestSnapshot returns the newest snapshot, or nil when none exists.
	LatestSnapshot() (*SnapshotRecord, error)
	// WriteSnapshot persists a checkpoint covering upToSeq. Snapshots never
	// truncate the op log.
	WriteSnapshot(snap store.Snapshot, upToSeq types.OpSeq) error
	// CompactThrough deletes ops with seq <= seq and returns how many went.
	// Nothing in the core calls it; compaction policy is external.
	CompactThrough(seq types.OpSeq) (int64, error)
	// LatestSeq returns the highest persisted sequence, or 0.
	LatestSeq() (types.OpSeq, error)
	Close() error
}

// LoadStore bootstraps a store from the sink: latest snapshot first (if any),
// then every op past it, verifying the sequence is gapless. It returns the
// store and the sequence it reflects: the last replayed op, or the snapshot's
// sequence when no op follows it.
func LoadStore(s Sink) (*store.Store, types.OpSeq, error) {
	st := store.New()
	var from types.OpSeq

	snap, err := s.LatestSnapshot()
	if err != nil {
		return nil, 0, err
	}
	if snap != nil {
		st, err = store.FromSnapshot(snap.State)
		if err != nil {
			return nil, 0, fmt.Errorf("journal: restore snapshot: %w", err)
		}
		from = snap.UpToSeq
	}

	last := from
	err = s.Replay(from, func(stored op.StoredOp) error {
		if last != 0 && stored.Seq != last+1 {
			return fmt.Errorf("%w: %d after %d", ErrJournalGap, stored.Seq, last)
		}
		if last == 0 && from == 0 && stored.Seq != 1 {
			return fmt.Errorf("%w: journal starts at %d", ErrJournalGap, stored.Seq)
		}
		fwd := stored.Op
		// Replayed inserts always restore original ids.
		if fwd.Kind == op.KindInsert {
			pinned := *fwd.Insert
			pinned.Pinned = true
			fwd.Insert = &pinned
		}
		if _, err := st.Apply(fwd); err != nil {
			return fmt.Errorf("journal: replay seq %d: %w", stored.Seq, err)
		}
		last = stored.Seq
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return st, last, nil
}
