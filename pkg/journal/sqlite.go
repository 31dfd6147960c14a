package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ops (
	op_seq        INTEGER PRIMARY KEY,
	applied_at_ms INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	forward       BLOB    NOT NULL,
	inverse       BLOB    NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	up_to_seq     INTEGER PRIMARY KEY,
	created_at_ms INTEGER NOT NULL,
	state         BLOB    NOT NULL
);
`

// SQLiteSink journals ops in a SQLite database, WAL mode, one transaction per
// batch. It is the default sink for single-station operation.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens or creates the journal at path. ":memory:" works for
// tests.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// The persistence worker is the only caller; a second connection would
	// only fight over the write lock.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) AppendBatch(ops []op.StoredOp) (types.OpSeq, error) {
	if len(ops) == 0 {
		return s.LatestSeq()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("journal: begin: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT INTO ops(op_seq, applied_at_ms, kind, forward, inverse) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("journal: prepare: %w", err)
	}
	defer stmt.Close()

	for _, stored := range ops {
		forward, err := op.EncodeOp(stored.Op)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		inverse, err := op.EncodeOp(stored.Inverse)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := stmt.Exec(int64(stored.Seq), stored.AppliedAtMs, string(stored.Op.Kind), forward, inverse); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("journal: append seq %d: %w", stored.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("journal: commit: %w", err)
	}
	return ops[len(ops)-1].Seq, nil
}

func (s *SQLiteSink) Replay(fromSeq types.OpSeq, fn func(op.StoredOp) error) error {
	rows, err := s.db.Query(
		"SELECT op_seq, applied_at_ms, forward, inverse FROM ops WHERE op_seq > ? ORDER BY op_seq ASC",
		int64(fromSeq))
	if err != nil {
		return fmt.Errorf("journal: replay query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq         int64
			appliedAt   int64
			forwardBlob []byte
			inverseBlob []byte
		)
		if err := rows.Scan(&seq, &appliedAt, &forwardBlob, &inverseBlob); err != nil {
			return fmt.Errorf("journal: replay scan: %w", err)
		}
		forward, err := op.DecodeOp(forwardBlob)
		if err != nil {
			return err
		}
		inverse, err := op.DecodeOp(inverseBlob)
		if err != nil {
			return err
		}
		stored := op.StoredOp{
			Seq:         types.OpSeq(seq),
			AppliedAtMs: appliedAt,
			Op:          forward,
			Inverse:     inverse,
		}
		if err := fn(stored); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteSink) LatestSnapshot() (*SnapshotRecord, error) {
	var (
		upTo      int64
		createdAt int64
		state     []byte
	)
	err := s.db.QueryRow(
		"SELECT up_to_seq, created_at_ms, state FROM snapshots ORDER BY up_to_seq DESC LIMIT 1").
		Scan(&upTo, &createdAt, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: latest snapshot: %w", err)
	}
	snap, err := decodeSnapshotState(state)
	if err != nil {
		return nil, err
	}
	return &SnapshotRecord{
		UpToSeq:     types.OpSeq(upTo),
		CreatedAtMs: createdAt,
		State:       snap,
	}, nil
}

func (s *SQLiteSink) WriteSnapshot(snap store.Snapshot, upToSeq types.OpSeq) error {
	state, err := encodeSnapshotState(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO snapshots(up_to_seq, created_at_ms, state) VALUES (?, ?, ?)",
		int64(upToSeq), nowMs(), state)
	if err != nil {
		return fmt.Errorf("journal: write snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSink) CompactThrough(seq types.OpSeq) (int64, error) {
	res, err := s.db.Exec("DELETE FROM ops WHERE op_seq <= ?", int64(seq))
	if err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteSink) LatestSeq() (types.OpSeq, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(op_seq) FROM ops").Scan(&seq); err != nil {
		return 0, fmt.Errorf("journal: latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return types.OpSeq(seq.Int64), nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

var nowMs = func() int64 { return time.Now().UnixMilli() }

var _ Sink = (*SQLiteSink)(nil)
