// Package runtime hosts the single-writer command loop: it owns the store,
// the undo/redo stacks, the op-sequence counter and the persistence queue,
// and broadcasts structured events to subscribers.
package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/qsologio/qsolog/pkg/engine"
	"github.com/qsologio/qsolog/pkg/journal"
	"github.com/qsologio/qsolog/pkg/logging"
	obsprom "github.com/qsologio/qsolog/pkg/observability/prometheus"
	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/qso"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

type cmdKind uint8

const (
	cmdInsert cmdKind = iota
	cmdEdit
	cmdDelete
	cmdUndo
	cmdRedo
	cmdGet
	cmdRecent
	cmdByCall
	cmdByContest
	cmdFlush
	cmdCheckpoint
	cmdShutdown
)

func (k cmdKind) String() string {
	switch k {
	case cmdInsert:
		return "insert"
	case cmdEdit:
		return "edit"
	case cmdDelete:
		return "delete"
	case cmdUndo:
		return "undo"
	case cmdRedo:
		return "redo"
	case cmdGet:
		return "get"
	case cmdRecent:
		return "recent"
	case cmdByCall:
		return "by_call"
	case cmdByContest:
		return "by_contest"
	case cmdFlush:
		return "flush"
	case cmdCheckpoint:
		return "checkpoint"
	case cmdShutdown:
		return "shutdown"
	}
	return "unknown"
}

type command struct {
	kind    cmdKind
	ctx     context.Context
	draft   qso.Draft
	id      types.QsoID
	patch   qso.Patch
	n       int
	call    string
	contest types.ContestInstanceID
	resp    chan cmdResult
}

type cmdResult struct {
	id   types.QsoID
	rec  qso.Record
	ok   bool
	recs []qso.Record
	seq  types.OpSeq
	err  error
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithLogger swaps the logger; the default discards everything.
func WithLogger(log logging.Logger) Option {
	return func(r *Runtime) { r.log = log }
}

// WithMetrics attaches a metric set.
func WithMetrics(m *obsprom.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithProjector attaches the contest projector. OnApplied runs synchronously
// in the writer loop, in op-sequence order.
func WithProjector(p engine.Projector) Option {
	return func(r *Runtime) { r.projector = p }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// Runtime is the command handle. It is safe for concurrent use; all mutation
// funnels through the single writer goroutine.
type Runtime struct {
	cfg       Config
	log       logging.Logger
	metrics   *obsprom.Metrics
	tracer    trace.Tracer
	projector engine.Projector

	cmds    chan *command
	events  *broadcaster
	persist *persistWorker

	closing      atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Start spins up the writer (and, when sink is non-nil, the persistence
// worker) over an already-bootstrapped store. lastSeq is the highest
// journaled sequence, 0 for a fresh log. The projector, if any, gets
// OnReplayComplete before the first command is accepted.
func Start(st *store.Store, lastSeq types.OpSeq, sink journal.Sink, cfg Config, opts ...Option) *Runtime {
	cfg = cfg.withDefaults()
	r := &Runtime{
		cfg:    cfg,
		log:    logging.NewNopLogger(),
		tracer: otel.Tracer("github.com/qsologio/qsolog"),
		cmds:   make(chan *command, cfg.CommandBuffer),
		events: newBroadcaster(cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics != nil {
		r.events.onDrop = r.metrics.EventsDroppedTotal.Inc
		r.events.onCount = func(n int) { r.metrics.EventSubscribers.Set(float64(n)) }
		r.metrics.StoreRecords.Set(float64(st.Len()))
		r.metrics.DurableSeq.Set(float64(lastSeq))
	}
	if sink != nil {
		r.persist = startPersistWorker(sink, cfg, r.log, r.metrics, r.tracer)
	}
	if r.projector != nil {
		r.projector.OnReplayComplete(lastSeq)
	}
	go r.writerLoop(st, lastSeq)
	return r
}

// Open is the common bootstrap: open the SQLite journal at path, replay it
// into a fresh store, and start the runtime. It blocks until replay
// completes; the runtime accepts no commands before then.
func Open(path string, cfg Config, opts ...Option) (*Runtime, error) {
	sink, err := journal.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	st, lastSeq, err := journal.LoadStore(sink)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	r := Start(st, lastSeq, sink, cfg, opts...)
	if r.metrics != nil {
		r.metrics.ReplayOpsTotal.Add(float64(lastSeq))
	}
	return r, nil
}

// Insert logs a new contact and returns the assigned id.
func (r *Runtime) Insert(ctx context.Context, draft qso.Draft) (types.QsoID, error) {
	res, err := r.submit(ctx, &command{kind: cmdInsert, draft: draft})
	if err != nil {
		return 0, err
	}
	return res.id, res.err
}

// Edit applies a sparse patch to an existing record.
func (r *Runtime) Edit(ctx context.Context, id types.QsoID, patch qso.Patch) error {
	res, err := r.submit(ctx, &command{kind: cmdEdit, id: id, patch: patch})
	if err != nil {
		return err
	}
	return res.err
}

// Delete tombstones a record.
func (r *Runtime) Delete(ctx context.Context, id types.QsoID) error {
	res, err := r.submit(ctx, &command{kind: cmdDelete, id: id})
	if err != nil {
		return err
	}
	return res.err
}

// Undo reverses the most recent user op by journaling its compensating op.
func (r *Runtime) Undo(ctx context.Context) error {
	res, err := r.submit(ctx, &command{kind: cmdUndo})
	if err != nil {
		return err
	}
	return res.err
}

// Redo re-applies the most recently undone op.
func (r *Runtime) Redo(ctx context.Context) error {
	res, err := r.submit(ctx, &command{kind: cmdRedo})
	if err != nil {
		return err
	}
	return res.err
}

// Get returns a record by id.
func (r *Runtime) Get(ctx context.Context, id types.QsoID) (qso.Record, bool, error) {
	res, err := r.submit(ctx, &command{kind: cmdGet, id: id})
	if err != nil {
		return qso.Record{}, false, err
	}
	return res.rec, res.ok, nil
}

// Recent returns up to n records from the tail of the canonical order.
func (r *Runtime) Recent(ctx context.Context, n int) ([]qso.Record, error) {
	res, err := r.submit(ctx, &command{kind: cmdRecent, n: n})
	if err != nil {
		return nil, err
	}
	return res.recs, nil
}

// ByCall returns all records for a normalized callsign.
func (r *Runtime) ByCall(ctx context.Context, callNorm string) ([]qso.Record, error) {
	res, err := r.submit(ctx, &command{kind: cmdByCall, call: callNorm})
	if err != nil {
		return nil, err
	}
	return res.recs, nil
}

// ByContest returns all records for a contest instance.
func (r *Runtime) ByContest(ctx context.Context, contest types.ContestInstanceID) ([]qso.Record, error) {
	res, err := r.submit(ctx, &command{kind: cmdByContest, contest: contest})
	if err != nil {
		return nil, err
	}
	return res.recs, nil
}

// Flush forces a batch commit and returns the durable high-water mark.
func (r *Runtime) Flush(ctx context.Context) (types.OpSeq, error) {
	res, err := r.submit(ctx, &command{kind: cmdFlush})
	if err != nil {
		return 0, err
	}
	return res.seq, res.err
}

// Checkpoint writes a snapshot covering every applied op.
func (r *Runtime) Checkpoint(ctx context.Context) error {
	res, err := r.submit(ctx, &command{kind: cmdCheckpoint})
	if err != nil {
		return err
	}
	return res.err
}

// Subscribe attaches a new event stream subscriber.
func (r *Runtime) Subscribe() *Subscription {
	return r.events.subscribe()
}

// Shutdown drains the command queue, flushes persistence, emits the final
// Shutdown event and joins the workers. Idempotent.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.shutdownOnce.Do(func() {
		r.closing.Store(true)
		cmd := &command{kind: cmdShutdown, resp: make(chan cmdResult, 1)}
		select {
		case r.cmds <- cmd:
		case <-r.done:
			return
		}
		select {
		case res := <-cmd.resp:
			r.shutdownErr = res.err
		case <-r.done:
		}
	})
	select {
	case <-r.done:
		return r.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done closes when the writer loop has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

func (r *Runtime) submit(ctx context.Context, cmd *command) (cmdResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.closing.Load() {
		return cmdResult{}, ErrShuttingDown
	}
	if err := ctx.Err(); err != nil {
		return cmdResult{}, err
	}
	cmd.ctx = ctx
	cmd.resp = make(chan cmdResult, 1)

	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		// Cancelled before the writer accepted the command: nothing applied.
		return cmdResult{}, ctx.Err()
	case <-r.done:
		return cmdResult{}, ErrShuttingDown
	}

	select {
	case res := <-cmd.resp:
		return res, nil
	case <-ctx.Done():
		// Cancelled after acceptance: the op may still land; no rollback.
		return cmdResult{}, ctx.Err()
	}
}

// durableWaiter parks an AckDurable command until its sequence is durable.
type durableWaiter struct {
	seq  types.OpSeq
	resp chan cmdResult
	res  cmdResult
}

// writer is the single goroutine's private state.
type writer struct {
	r     *Runtime
	store *store.Store
	seq   types.OpSeq
	undo  []op.Op
	redo  []op.Op

	waiters  []durableWaiter
	degraded bool

	lastDurable      types.OpSeq
	opsSinceSnapshot int
}

func (r *Runtime) writerLoop(st *store.Store, lastSeq types.OpSeq) {
	w := &writer{r: r, store: st, seq: lastSeq, lastDurable: lastSeq}

	var notices chan persistNotice
	if r.persist != nil {
		notices = r.persist.notices
	}

	for {
		select {
		case n := <-notices:
			w.handleNotice(n)
		case cmd := <-r.cmds:
			if w.handle(cmd) {
				return
			}
		}
	}
}

func (w *writer) handle(cmd *command) (done bool) {
	ctx := cmd.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := w.r.tracer.Start(ctx, "qsolog.runtime."+cmd.kind.String())
	defer span.End()

	switch cmd.kind {
	case cmdInsert, cmdEdit, cmdDelete:
		w.handleUserOp(cmd)
	case cmdUndo:
		w.handleUndo(cmd)
	case cmdRedo:
		w.handleRedo(cmd)
	case cmdGet:
		rec, ok := w.store.Get(cmd.id)
		cmd.resp <- cmdResult{rec: rec, ok: ok}
	case cmdRecent:
		cmd.resp <- cmdResult{recs: w.store.Recent(cmd.n)}
	case cmdByCall:
		cmd.resp <- cmdResult{recs: w.store.ByCall(cmd.call)}
	case cmdByContest:
		cmd.resp <- cmdResult{recs: w.store.ByContest(cmd.contest)}
	case cmdFlush:
		w.handleFlush(cmd)
	case cmdCheckpoint:
		w.handleCheckpoint(cmd)
	case cmdShutdown:
		w.handleShutdown(cmd)
		return true
	}
	return false
}

func (w *writer) handleUserOp(cmd *command) {
	var forward op.Op
	switch cmd.kind {
	case cmdInsert:
		forward = op.NewInsert(cmd.draft.Materialize(0))
	case cmdEdit:
		forward = op.NewEdit(cmd.id, cmd.patch)
	case cmdDelete:
		forward = op.NewDelete(cmd.id)
	}

	stored, ok := w.applyAndJournal(cmd, forward)
	if !ok {
		return
	}

	// User ops push their inverse and invalidate the redo history.
	w.pushStack(&w.undo, stored.Inverse)
	w.redo = w.redo[:0]
	w.finishMutation(cmd, stored)
}

func (w *writer) handleUndo(cmd *command) {
	if len(w.undo) == 0 {
		cmd.resp <- cmdResult{err: ErrNothingToUndo}
		return
	}
	forward := w.undo[len(w.undo)-1]
	w.undo = w.undo[:len(w.undo)-1]

	stored, ok := w.applyAndJournal(cmd, forward)
	if !ok {
		// The store was rolled back; restore undoability too.
		w.undo = append(w.undo, forward)
		return
	}
	w.pushStack(&w.redo, stored.Inverse)
	w.finishMutation(cmd, stored)
}

func (w *writer) handleRedo(cmd *command) {
	if len(w.redo) == 0 {
		cmd.resp <- cmdResult{err: ErrNothingToRedo}
		return
	}
	forward := w.redo[len(w.redo)-1]
	w.redo = w.redo[:len(w.redo)-1]

	stored, ok := w.applyAndJournal(cmd, forward)
	if !ok {
		w.redo = append(w.redo, forward)
		return
	}
	w.pushStack(&w.undo, stored.Inverse)
	w.finishMutation(cmd, stored)
}

// applyAndJournal runs the shared mutation pipeline: degraded check, store
// apply, inverse derivation, sequence assignment, persistence enqueue with
// rollback on a full queue. On failure the command has already been answered.
func (w *writer) applyAndJournal(cmd *command, forward op.Op) (op.StoredOp, bool) {
	if w.degraded {
		w.countRejected("degraded")
		cmd.resp <- cmdResult{err: ErrPersistDegraded}
		return op.StoredOp{}, false
	}

	eff, err := w.store.Apply(forward)
	if err != nil {
		w.countRejected(rejectReason(err))
		cmd.resp <- cmdResult{err: err}
		return op.StoredOp{}, false
	}

	var inverse op.Op
	switch eff.Kind {
	case op.KindInsert:
		// Re-stamp the forward op with the materialized record so the
		// journal carries the assigned id.
		forward = op.Op{Kind: op.KindInsert, Insert: &op.InsertPayload{
			Record: *eff.Inserted,
			Pinned: forward.Insert.Pinned,
		}}
		inverse = op.NewDelete(eff.Inserted.ID)
	case op.KindEdit:
		inverse = op.NewEdit(eff.Edited, *eff.Prior)
	case op.KindDelete:
		inverse = op.NewPinnedInsert(*eff.Removed)
	}

	stored := op.StoredOp{
		Seq:         w.seq + 1,
		AppliedAtMs: time.Now().UnixMilli(),
		Op:          forward,
		Inverse:     inverse,
	}

	if w.r.persist != nil && !w.r.persist.tryEnqueue(stored) {
		// The store mutated before the enqueue; invert it and discard the
		// sequence so the journal stays gapless.
		if rbErr := w.store.Revert(eff); rbErr != nil {
			w.r.log.Errorf("rollback after full persistence queue failed: %v", rbErr)
		}
		w.countRejected("queue_full")
		cmd.resp <- cmdResult{err: ErrPersistQueueFull}
		return op.StoredOp{}, false
	}

	w.seq = stored.Seq
	if w.r.metrics != nil {
		w.r.metrics.OpsAppliedTotal.WithLabelValues(string(forward.Kind)).Inc()
		w.r.metrics.StoreRecords.Set(float64(w.store.Len()))
	}
	return stored, true
}

// finishMutation publishes, notifies the projector and acks the caller.
func (w *writer) finishMutation(cmd *command, stored op.StoredOp) {
	if w.r.projector != nil {
		w.r.projector.OnApplied(&stored)
	}
	w.r.events.publish(Event{Kind: EventOpApplied, Seq: stored.Seq, Summary: stored.Op.Summary()})
	if w.r.metrics != nil {
		w.r.metrics.UndoDepth.Set(float64(len(w.undo)))
		w.r.metrics.RedoDepth.Set(float64(len(w.redo)))
	}

	res := cmdResult{seq: stored.Seq}
	if stored.Op.Kind == op.KindInsert {
		res.id = stored.Op.Insert.Record.ID
	}

	switch {
	case w.r.persist == nil:
		// No sink: durability is the in-memory apply.
		w.lastDurable = stored.Seq
		w.r.events.publish(Event{Kind: EventDurableUpTo, Seq: stored.Seq})
		cmd.resp <- res
	case w.r.cfg.AckMode == AckDurable:
		w.waiters = append(w.waiters, durableWaiter{seq: stored.Seq, resp: cmd.resp, res: res})
	default:
		cmd.resp <- res
	}

	w.opsSinceSnapshot++
	w.maybeAutoCheckpoint()
}

func (w *writer) handleNotice(n persistNotice) {
	if n.err != nil {
		w.degraded = true
		w.r.events.publish(Event{Kind: EventPersistError, Seq: n.seq, Detail: n.detail})
		w.countRejected("persist_error")
		// Parked durable waiters past the durable mark can never resolve.
		for _, waiter := range w.waiters {
			if waiter.seq <= w.lastDurable {
				waiter.resp <- waiter.res
			} else {
				waiter.resp <- cmdResult{err: ErrPersistDegraded}
			}
		}
		w.waiters = w.waiters[:0]
		return
	}
	if n.seq <= w.lastDurable {
		return
	}
	w.lastDurable = n.seq
	if w.r.metrics != nil {
		w.r.metrics.DurableSeq.Set(float64(n.seq))
	}
	w.r.events.publish(Event{Kind: EventDurableUpTo, Seq: n.seq})

	kept := w.waiters[:0]
	for _, waiter := range w.waiters {
		if waiter.seq <= n.seq {
			waiter.resp <- waiter.res
		} else {
			kept = append(kept, waiter)
		}
	}
	w.waiters = kept
}

func (w *writer) handleFlush(cmd *command) {
	if w.r.persist == nil {
		cmd.resp <- cmdResult{seq: w.lastDurable}
		return
	}
	resp := make(chan persistAck, 1)
	w.r.persist.send(persistMsg{kind: pmFlush, resp: resp})
	ack := <-resp
	w.absorbNotices()
	cmd.resp <- cmdResult{seq: ack.durable, err: ack.err}
}

func (w *writer) handleCheckpoint(cmd *command) {
	if w.r.persist == nil {
		cmd.resp <- cmdResult{}
		return
	}
	resp := make(chan persistAck, 1)
	w.r.persist.send(persistMsg{
		kind: pmCheckpoint,
		snap: w.store.Snapshot(),
		upTo: w.seq,
		resp: resp,
	})
	ack := <-resp
	w.absorbNotices()
	w.opsSinceSnapshot = 0
	cmd.resp <- cmdResult{err: ack.err}
}

func (w *writer) maybeAutoCheckpoint() {
	if w.r.cfg.SnapshotIntervalOps <= 0 || w.opsSinceSnapshot < w.r.cfg.SnapshotIntervalOps {
		return
	}
	if w.r.persist == nil {
		w.opsSinceSnapshot = 0
		return
	}
	// Best effort: skip this round when the queue has no room.
	resp := make(chan persistAck, 1)
	select {
	case w.r.persist.in <- persistMsg{kind: pmCheckpoint, snap: w.store.Snapshot(), upTo: w.seq, resp: resp}:
		w.opsSinceSnapshot = 0
	default:
	}
}

func (w *writer) handleShutdown(cmd *command) {
	w.r.closing.Store(true)

	// Reject everything already queued behind the shutdown command.
drain:
	for {
		select {
		case queued := <-w.r.cmds:
			queued.resp <- cmdResult{err: ErrShuttingDown}
		default:
			break drain
		}
	}

	var err error
	if w.r.persist != nil {
		resp := make(chan persistAck, 1)
		w.r.persist.send(persistMsg{kind: pmShutdown, resp: resp})
		ack := <-resp
		err = ack.err
		<-w.r.persist.done
		w.absorbNotices()
		if closeErr := w.r.persist.sink.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	for _, waiter := range w.waiters {
		if waiter.seq <= w.lastDurable {
			waiter.resp <- waiter.res
		} else {
			waiter.resp <- cmdResult{err: ErrShuttingDown}
		}
	}
	w.waiters = nil

	w.r.events.publish(Event{Kind: EventShutdown})
	w.r.events.close()
	cmd.resp <- cmdResult{err: err}
	close(w.r.done)
}

// absorbNotices drains pending worker notices without blocking so durable
// progress made during a synchronous exchange is published in order.
func (w *writer) absorbNotices() {
	if w.r.persist == nil {
		return
	}
	for {
		select {
		case n := <-w.r.persist.notices:
			w.handleNotice(n)
		default:
			return
		}
	}
}

// pushStack appends onto a bounded stack, discarding the oldest on overflow.
func (w *writer) pushStack(stack *[]op.Op, o op.Op) {
	s := *stack
	if len(s) >= w.r.cfg.UndoDepth {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	*stack = append(s, o)
}

func (w *writer) countRejected(reason string) {
	if w.r.metrics != nil {
		w.r.metrics.OpsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, store.ErrUnknownID):
		return "unknown_id"
	case errors.Is(err, store.ErrIDCollision):
		return "id_collision"
	default:
		return "invalid"
	}
}
