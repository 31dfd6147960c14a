package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ops (
	op_seq        BIGINT PRIMARY KEY,
	applied_at_ms BIGINT NOT NULL,
	kind          TEXT   NOT NULL,
	forward       BYTEA  NOT NULL,
	inverse       BYTEA  NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	up_to_seq     BIGINT PRIMARY KEY,
	created_at_ms BIGINT NOT NULL,
	state         BYTEA  NOT NULL
);
`

// PostgresSink journals ops in Postgres. Meant for club stations that share
// one log server; the single-writer discipline still holds — one runtime owns
// the journal.
type PostgresSink struct {
	ctx  context.Context
	conn *pgx.Conn
}

// OpenPostgres connects with a pgx DSN and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: connect postgres: %w", err)
	}
	if _, err := conn.Exec(ctx, postgresSchema); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}
	return &PostgresSink{ctx: ctx, conn: conn}, nil
}

func (s *PostgresSink) AppendBatch(ops []op.StoredOp) (types.OpSeq, error) {
	if len(ops) == 0 {
		return s.LatestSeq()
	}

	tx, err := s.conn.Begin(s.ctx)
	if err != nil {
		return 0, fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(s.ctx) }()

	batch := &pgx.Batch{}
	for _, stored := range ops {
		forward, err := op.EncodeOp(stored.Op)
		if err != nil {
			return 0, err
		}
		inverse, err := op.EncodeOp(stored.Inverse)
		if err != nil {
			return 0, err
		}
		batch.Queue(
			"INSERT INTO ops(op_seq, applied_at_ms, kind, forward, inverse) VALUES ($1, $2, $3, $4, $5)",
			int64(stored.Seq), stored.AppliedAtMs, string(stored.Op.Kind), forward, inverse)
	}
	if err := tx.SendBatch(s.ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("journal: append batch: %w", err)
	}
	if err := tx.Commit(s.ctx); err != nil {
		return 0, fmt.Errorf("journal: commit: %w", err)
	}
	return ops[len(ops)-1].Seq, nil
}

func (s *PostgresSink) Replay(fromSeq types.OpSeq, fn func(op.StoredOp) error) error {
	rows, err := s.conn.Query(s.ctx,
		"SELECT op_seq, applied_at_ms, forward, inverse FROM ops WHERE op_seq > $1 ORDER BY op_seq ASC",
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
		if err := fn(op.StoredOp{
			Seq:         types.OpSeq(seq),
			AppliedAtMs: appliedAt,
			Op:          forward,
			Inverse:     inverse,
		}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresSink) LatestSnapshot() (*SnapshotRecord, error) {
	var (
		upTo      int64
		createdAt int64
		state     []byte
	)
	err := s.conn.QueryRow(s.ctx,
		"SELECT up_to_seq, created_at_ms, state FROM snapshots ORDER BY up_to_seq DESC LIMIT 1").
		Scan(&upTo, &createdAt, &state)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresSink) WriteSnapshot(snap store.Snapshot, upToSeq types.OpSeq) error {
	state, err := encodeSnapshotState(snap)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(s.ctx,
		`INSERT INTO snapshots(up_to_seq, created_at_ms, state) VALUES ($1, $2, $3)
		 ON CONFLICT (up_to_seq) DO UPDATE SET created_at_ms = EXCLUDED.created_at_ms, state = EXCLUDED.state`,
		int64(upToSeq), nowMs(), state)
	if err != nil {
		return fmt.Errorf("journal: write snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSink) CompactThrough(seq types.OpSeq) (int64, error) {
	tag, err := s.conn.Exec(s.ctx, "DELETE FROM ops WHERE op_seq <= $1", int64(seq))
	if err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresSink) LatestSeq() (types.OpSeq, error) {
	var seq *int64
	if err := s.conn.QueryRow(s.ctx, "SELECT MAX(op_seq) FROM ops").Scan(&seq); err != nil {
		return 0, fmt.Errorf("journal: latest seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return types.OpSeq(*seq), nil
}

func (s *PostgresSink) Close() error {
	return s.conn.Close(s.ctx)
}

var _ Sink = (*PostgresSink)(nil)
