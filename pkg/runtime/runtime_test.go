package runtime

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qsologio/qsolog/pkg/journal"
	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

func draft(call string, freq uint64) qso.Draft {
	return qso.Draft{
		ContestInstanceID: 1,
		CallsignRaw:       call,
		Band:              types.Band20m,
		Mode:              types.ModeCW,
		FreqHz:            freq,
		TsMs:              1000,
	}
}

func openRuntime(t *testing.T, cfg Config) (*Runtime, *journal.SQLiteSink) {
	t.Helper()
	sink, err := journal.OpenSQLite(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	rt := Start(store.New(), 0, sink, cfg)
	return rt, sink
}

func journalLen(t *testing.T, rt *Runtime, sink *journal.SQLiteSink) types.OpSeq {
	t.Helper()
	if _, err := rt.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	seq, err := sink.LatestSeq()
	if err != nil {
		t.Fatalf("latest seq: %v", err)
	}
	return seq
}

func TestRuntime_InsertThenRead(t *testing.T) {
	rt, sink := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	id, err := rt.Insert(ctx, draft("K1ABC", 14025000))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}

	recs, err := rt.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != 1 || recs[0].CallsignNorm != "K1ABC" {
		t.Fatalf("recent = %+v", recs)
	}
	if n := journalLen(t, rt, sink); n != 1 {
		t.Fatalf("journal has %d ops, want 1", n)
	}
}

func TestRuntime_EditUndoRedoJournalsCompensatingOps(t *testing.T) {
	rt, sink := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	id, err := rt.Insert(ctx, draft("K1ABC", 14025000))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	freq := uint64(14026000)
	if err := rt.Edit(ctx, id, qso.Patch{FreqHz: &freq}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	rec, _, _ := rt.Get(ctx, id)
	if rec.FreqHz != 14026000 {
		t.Fatalf("freq after edit = %d", rec.FreqHz)
	}

	if err := rt.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	rec, _, _ = rt.Get(ctx, id)
	if rec.FreqHz != 14025000 {
		t.Fatalf("freq after undo = %d", rec.FreqHz)
	}
	if n := journalLen(t, rt, sink); n != 3 {
		t.Fatalf("journal has %d ops after undo, want 3", n)
	}

	if err := rt.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	rec, _, _ = rt.Get(ctx, id)
	if rec.FreqHz != 14026000 {
		t.Fatalf("freq after redo = %d", rec.FreqHz)
	}
	if n := journalLen(t, rt, sink); n != 4 {
		t.Fatalf("journal has %d ops after redo, want 4", n)
	}
}

func TestRuntime_DeleteUndoRestoresIDAndOrder(t *testing.T) {
	rt, _ := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	id1, _ := rt.Insert(ctx, draft("K1ABC", 14025000))
	id2, _ := rt.Insert(ctx, draft("W2DEF", 14026000))
	orig, _, _ := rt.Get(ctx, id1)

	if err := rt.Delete(ctx, id1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, _ := rt.Recent(ctx, 10)
	if len(recs) != 1 || recs[0].ID != id2 {
		t.Fatalf("after delete: %+v", recs)
	}

	if err := rt.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	recs, _ = rt.Recent(ctx, 10)
	if len(recs) != 2 || recs[0].ID != id1 || recs[1].ID != id2 {
		t.Fatalf("order after undo: %+v", recs)
	}
	if !recs[0].Equal(orig) {
		t.Fatalf("restored record differs:\n got %+v\nwant %+v", recs[0], orig)
	}
}

func TestRuntime_UndoRedoEmptyStacksAndDepthCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UndoDepth = 2
	rt := Start(store.New(), 0, nil, cfg)
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	if err := rt.Undo(ctx); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("undo on empty: %v", err)
	}
	if err := rt.Redo(ctx); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("redo on empty: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	// Depth 2: the oldest insert fell off the stack.
	if err := rt.Undo(ctx); err != nil {
		t.Fatalf("undo 1: %v", err)
	}
	if err := rt.Undo(ctx); err != nil {
		t.Fatalf("undo 2: %v", err)
	}
	if err := rt.Undo(ctx); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("undo 3: %v", err)
	}
	recs, _ := rt.Recent(ctx, 10)
	if len(recs) != 1 {
		t.Fatalf("records after undos = %d, want 1", len(recs))
	}
}

func TestRuntime_UserOpClearsRedo(t *testing.T) {
	rt, _ := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	id, _ := rt.Insert(ctx, draft("K1ABC", 14025000))
	freq := uint64(14026000)
	_ = rt.Edit(ctx, id, qso.Patch{FreqHz: &freq})
	_ = rt.Undo(ctx)

	// A fresh user op must discard the redo history.
	freq2 := uint64(14027000)
	_ = rt.Edit(ctx, id, qso.Patch{FreqHz: &freq2})
	if err := rt.Redo(ctx); !errors.Is(err, ErrNothingToRedo) {
		t.Fatalf("redo after user op: %v", err)
	}
}

func TestRuntime_ReplayEquivalenceRandomOps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	sink, err := journal.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	rt := Start(store.New(), 0, sink, DefaultConfig())
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	calls := []string{"K1ABC", "W2DEF", "N3GHI", "JA1XYZ"}
	for i := 0; i < 300; i++ {
		switch rng.Intn(10) {
		case 0, 1, 2, 3:
			if _, err := rt.Insert(ctx, draft(calls[rng.Intn(len(calls))], 14000000+uint64(rng.Intn(350000)))); err != nil {
				t.Fatalf("insert: %v", err)
			}
		case 4, 5:
			recs, _ := rt.Recent(ctx, 1000)
			if len(recs) == 0 {
				continue
			}
			freq := 14000000 + uint64(rng.Intn(350000))
			target := recs[rng.Intn(len(recs))].ID
			if err := rt.Edit(ctx, target, qso.Patch{FreqHz: &freq}); err != nil {
				t.Fatalf("edit: %v", err)
			}
		case 6:
			recs, _ := rt.Recent(ctx, 1000)
			if len(recs) == 0 {
				continue
			}
			if err := rt.Delete(ctx, recs[rng.Intn(len(recs))].ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
		case 7, 8:
			if err := rt.Undo(ctx); err != nil && !errors.Is(err, ErrNothingToUndo) {
				t.Fatalf("undo: %v", err)
			}
		case 9:
			if err := rt.Redo(ctx); err != nil && !errors.Is(err, ErrNothingToRedo) {
				t.Fatalf("redo: %v", err)
			}
		}
	}

	want, err := rt.Recent(ctx, 100000)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	reopened, err := journal.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	st, _, err := journal.LoadStore(reopened)
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	got := st.Canonical()
	if len(got) != len(want) {
		t.Fatalf("replayed %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("record %d differs:\n got %+v\nwant %+v", i, got[i], want[i])
		}
	}
}

// fakeSink is an in-memory Sink with an append hook for fault injection.
type fakeSink struct {
	mu         sync.Mutex
	ops        []op.StoredOp
	appendHook func(batch []op.StoredOp) error
}

func (f *fakeSink) AppendBatch(batch []op.StoredOp) (types.OpSeq, error) {
	if f.appendHook != nil {
		if err := f.appendHook(batch); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, batch...)
	if len(f.ops) == 0 {
		return 0, nil
	}
	return f.ops[len(f.ops)-1].Seq, nil
}

func (f *fakeSink) Replay(fromSeq types.OpSeq, fn func(op.StoredOp) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stored := range f.ops {
		if stored.Seq <= fromSeq {
			continue
		}
		if err := fn(stored); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSink) LatestSnapshot() (*journal.SnapshotRecord, error) { return nil, nil }
func (f *fakeSink) WriteSnapshot(store.Snapshot, types.OpSeq) error  { return nil }
func (f *fakeSink) CompactThrough(types.OpSeq) (int64, error)        { return 0, nil }
func (f *fakeSink) Close() error                                     { return nil }

func (f *fakeSink) LatestSeq() (types.OpSeq, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ops) == 0 {
		return 0, nil
	}
	return f.ops[len(f.ops)-1].Seq, nil
}

func TestRuntime_BackpressureRejectsWithoutIDHoles(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := &fakeSink{appendHook: func([]op.StoredOp) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}

	cfg := DefaultConfig()
	cfg.PersistQueueCapacity = 2
	cfg.PersistBatchMax = 1
	rt := Start(store.New(), 0, sink, cfg)
	defer func() {
		rt.Shutdown(context.Background())
	}()
	ctx := context.Background()

	// First insert reaches the worker, which stalls inside the commit.
	if _, err := rt.Insert(ctx, draft("K0AAA", 14020000)); err != nil {
		t.Fatalf("insert 0: %v", err)
	}
	<-entered

	// Queue capacity 2: two more inserts fit, the third must fail cleanly.
	if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
		t.Fatalf("insert 1: %v", err)
	}
	if _, err := rt.Insert(ctx, draft("W2DEF", 14026000)); err != nil {
		t.Fatalf("insert 2: %v", err)
	}
	if _, err := rt.Insert(ctx, draft("N3GHI", 14027000)); !errors.Is(err, ErrPersistQueueFull) {
		t.Fatalf("insert 3: got %v, want ErrPersistQueueFull", err)
	}

	recs, _ := rt.Recent(ctx, 10)
	if len(recs) != 3 {
		t.Fatalf("store has %d records, want 3", len(recs))
	}
	close(release)

	// The rejected op left no id hole: the next insert continues the run.
	// The queue may still be draining right after the release, so retry.
	var id types.QsoID
	var err error
	for {
		id, err = rt.Insert(ctx, draft("N3GHI", 14027000))
		if !errors.Is(err, ErrPersistQueueFull) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		t.Fatalf("insert after release: %v", err)
	}
	if id != 4 {
		t.Fatalf("id after rejected insert = %d, want 4", id)
	}
}

func TestRuntime_DurableAckResolvesAfterDurableEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AckMode = AckDurable
	cfg.PersistBatchLatencyMS = 1
	rt, _ := openRuntime(t, cfg)
	defer rt.Shutdown(context.Background())

	sub := rt.Subscribe()
	defer sub.Cancel()

	id, err := rt.Insert(context.Background(), draft("K1ABC", 14025000))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Fatalf("id = %d", id)
	}

	// By the time the command resolved, both the OpApplied and a covering
	// DurableUpTo must already sit in the subscriber buffer, in order.
	var sawApplied, sawDurable bool
	for !sawDurable {
		select {
		case ev := <-sub.Events():
			switch ev.Kind {
			case EventOpApplied:
				if sawDurable {
					t.Fatalf("OpApplied after DurableUpTo")
				}
				sawApplied = true
			case EventDurableUpTo:
				if !sawApplied {
					t.Fatalf("DurableUpTo before OpApplied")
				}
				if ev.Seq < 1 {
					t.Fatalf("durable seq = %d", ev.Seq)
				}
				sawDurable = true
			}
		default:
			t.Fatalf("durable ack resolved before DurableUpTo was published")
		}
	}
}

func TestRuntime_CommitFailureDegradesRuntime(t *testing.T) {
	sink := &fakeSink{appendHook: func([]op.StoredOp) error {
		return errors.New("disk full")
	}}
	cfg := DefaultConfig()
	cfg.PersistBatchMax = 1
	rt := Start(store.New(), 0, sink, cfg)
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	sub := rt.Subscribe()
	defer sub.Cancel()

	if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventPersistError {
				if ev.Detail == "" {
					t.Fatalf("persist error without detail")
				}
				goto degraded
			}
		case <-deadline:
			t.Fatalf("no PersistError event")
		}
	}
degraded:
	if _, err := rt.Insert(ctx, draft("W2DEF", 14026000)); !errors.Is(err, ErrPersistDegraded) {
		t.Fatalf("insert while degraded: %v", err)
	}
	// Reads and subscriptions stay available.
	recs, err := rt.Recent(ctx, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("recent while degraded: %v, %d records", err, len(recs))
	}
}

func TestRuntime_ShutdownIsIdempotentAndRejectsCommands(t *testing.T) {
	rt, _ := openRuntime(t, DefaultConfig())
	ctx := context.Background()

	sub := rt.Subscribe()

	if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := rt.Insert(ctx, draft("W2DEF", 14026000)); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("insert after shutdown: %v", err)
	}

	// The subscriber sees the final Shutdown event, then channel close.
	var last Event
	for ev := range sub.Events() {
		last = ev
	}
	if last.Kind != EventShutdown {
		t.Fatalf("last event = %v, want shutdown", last.Kind)
	}
}

func TestRuntime_LaggingSubscriberLosesOldestNotNewest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 4
	rt := Start(store.New(), 0, nil, cfg)
	ctx := context.Background()

	sub := rt.Subscribe()
	for i := 0; i < 20; i++ {
		if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var events []Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	if len(events) == 0 || len(events) > cfg.EventBuffer {
		t.Fatalf("got %d buffered events with buffer %d", len(events), cfg.EventBuffer)
	}
	if events[len(events)-1].Kind != EventShutdown {
		t.Fatalf("newest event = %v, want shutdown", events[len(events)-1].Kind)
	}
}

func TestRuntime_DurableUpToMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistBatchLatencyMS = 1
	rt, _ := openRuntime(t, cfg)
	ctx := context.Background()

	sub := rt.Subscribe()
	for i := 0; i < 50; i++ {
		if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var prev types.OpSeq
	for ev := range sub.Events() {
		if ev.Kind != EventDurableUpTo {
			continue
		}
		if ev.Seq < prev {
			t.Fatalf("DurableUpTo went backwards: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
}

func TestRuntime_EditUnknownIDFailsCleanly(t *testing.T) {
	rt, sink := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	freq := uint64(14026000)
	if err := rt.Edit(ctx, 42, qso.Patch{FreqHz: &freq}); !errors.Is(err, store.ErrUnknownID) {
		t.Fatalf("edit: %v", err)
	}
	if n := journalLen(t, rt, sink); n != 0 {
		t.Fatalf("failed op reached the journal: %d", n)
	}
}

func TestRuntime_CheckpointWritesSnapshot(t *testing.T) {
	rt, sink := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := rt.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	snap, err := sink.LatestSnapshot()
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if snap == nil || snap.UpToSeq != 5 || len(snap.State.Records) != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRuntime_CancelBeforeAcceptDoesNotApply(t *testing.T) {
	rt, _ := openRuntime(t, DefaultConfig())
	defer rt.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rt.Insert(ctx, draft("K1ABC", 14025000)); !errors.Is(err, context.Canceled) {
		t.Fatalf("insert with cancelled ctx: %v", err)
	}
	// The writer may or may not have seen the command; with a pre-cancelled
	// context the submit path rejects before enqueue, so nothing applied.
	recs, err := rt.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("cancelled insert applied: %+v", recs)
	}
}
