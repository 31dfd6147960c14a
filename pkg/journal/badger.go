package journal

import (
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

var (
	badgerOpPrefix   = []byte("o/")
	badgerSnapPrefix = []byte("s/")
)

// BadgerSink journals ops in an embedded Badger database. A pure-Go option
// for builds where cgo (and so the SQLite driver) is unavailable.
type BadgerSink struct {
	db *badger.DB
}

// OpenBadger opens or creates the journal directory at path.
func OpenBadger(path string) (*BadgerSink, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

func badgerOpKey(seq types.OpSeq) []byte {
	key := make([]byte, len(badgerOpPrefix)+8)
	copy(key, badgerOpPrefix)
	binary.BigEndian.PutUint64(key[len(badgerOpPrefix):], uint64(seq))
	return key
}

func badgerSnapKey(seq types.OpSeq) []byte {
	key := make([]byte, len(badgerSnapPrefix)+8)
	copy(key, badgerSnapPrefix)
	binary.BigEndian.PutUint64(key[len(badgerSnapPrefix):], uint64(seq))
	return key
}

func (s *BadgerSink) AppendBatch(ops []op.StoredOp) (types.OpSeq, error) {
	if len(ops) == 0 {
		return s.LatestSeq()
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, stored := range ops {
			blob, err := op.EncodeStored(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(badgerOpKey(stored.Seq), blob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: append batch: %w", err)
	}
	return ops[len(ops)-1].Seq, nil
}

func (s *BadgerSink) Replay(fromSeq types.OpSeq, fn func(op.StoredOp) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerOpPrefix, PrefetchValues: true, PrefetchSize: 128})
		defer it.Close()

		for it.Seek(badgerOpKey(fromSeq + 1)); it.Valid(); it.Next() {
			var stored op.StoredOp
			err := it.Item().Value(func(val []byte) error {
				decoded, err := op.DecodeStored(val)
				if err != nil {
					return err
				}
				stored = decoded
				return nil
			})
			if err != nil {
				return err
			}
			if err := fn(stored); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerSink) LatestSnapshot() (*SnapshotRecord, error) {
	var rec *SnapshotRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerSnapPrefix, Reverse: true, PrefetchValues: true, PrefetchSize: 1})
		defer it.Close()

		// Reverse iteration starts past the largest possible snapshot key.
		it.Seek(badgerSnapKey(types.OpSeq(1<<64 - 1)))
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		upTo := types.OpSeq(binary.BigEndian.Uint64(item.Key()[len(badgerSnapPrefix):]))
		return item.Value(func(val []byte) error {
			if len(val) < 8 {
				return fmt.Errorf("%w: truncated snapshot value", ErrIncompatibleJournal)
			}
			snap, err := decodeSnapshotState(val[8:])
			if err != nil {
				return err
			}
			rec = &SnapshotRecord{
				UpToSeq:     upTo,
				CreatedAtMs: int64(binary.BigEndian.Uint64(val[:8])),
				State:       snap,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BadgerSink) WriteSnapshot(snap store.Snapshot, upToSeq types.OpSeq) error {
	state, err := encodeSnapshotState(snap)
	if err != nil {
		return err
	}
	// Value layout: [created_at_ms u64 BE][state blob].
	val := make([]byte, 8+len(state))
	binary.BigEndian.PutUint64(val[:8], uint64(nowMs()))
	copy(val[8:], state)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerSnapKey(upToSeq), val)
	})
	if err != nil {
		return fmt.Errorf("journal: write snapshot: %w", err)
	}
	return nil
}

func (s *BadgerSink) CompactThrough(seq types.OpSeq) (int64, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerOpPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if types.OpSeq(binary.BigEndian.Uint64(key[len(badgerOpPrefix):])) > seq {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	return int64(len(keys)), nil
}

func (s *BadgerSink) LatestSeq() (types.OpSeq, error) {
	var latest types.OpSeq
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerOpPrefix, Reverse: true})
		defer it.Close()
		it.Seek(badgerOpKey(types.OpSeq(1<<64 - 1)))
		if it.Valid() {
			key := it.Item().Key()
			latest = types.OpSeq(binary.BigEndian.Uint64(key[len(badgerOpPrefix):]))
		}
		return nil
	})
	return latest, err
}

func (s *BadgerSink) Close() error {
	return s.db.Close()
}

var _ Sink = (*BadgerSink)(nil)
