package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/qsologio/qsolog/pkg/journal"
	"github.com/qsologio/qsolog/pkg/logging"
	obsprom "github.com/qsologio/qsolog/pkg/observability/prometheus"
	"github.com/qsologio/qsolog/pkg/op"
	"github.com/qsologio/qsolog/pkg/store"
	"github.com/qsologio/qsolog/pkg/types"
)

type persistMsgKind uint8

const (
	pmOp persistMsgKind = iota
	pmFlush
	pmCheckpoint
	pmShutdown
)

type persistMsg struct {
	kind   persistMsgKind
	stored op.StoredOp
	snap   store.Snapshot
	upTo   types.OpSeq
	resp   chan persistAck
}

type persistAck struct {
	durable types.OpSeq
	err     error
}

// persistNotice is the worker's report back to the writer: either a new
// durable high-water mark or a commit failure.
type persistNotice struct {
	seq    types.OpSeq
	err    error
	detail string
}

// persistWorker owns the sink. It drains ops from the bounded queue and
// commits them in batches of up to batchMax ops or after latency elapses,
// whichever comes first.
type persistWorker struct {
	in      chan persistMsg
	notices chan persistNotice
	sink    journal.Sink
	cfg     Config
	log     logging.Logger
	metrics *obsprom.Metrics
	tracer  trace.Tracer
	done    chan struct{}
}

func startPersistWorker(sink journal.Sink, cfg Config, log logging.Logger, metrics *obsprom.Metrics, tracer trace.Tracer) *persistWorker {
	p := &persistWorker{
		in: make(chan persistMsg, cfg.PersistQueueCapacity),
		// Bounded by outstanding commits; generous so the worker never
		// blocks reporting while the writer is mid-send.
		notices: make(chan persistNotice, cfg.PersistQueueCapacity+64),
		sink:    sink,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// tryEnqueue submits one stored op with error-on-full semantics.
func (p *persistWorker) tryEnqueue(stored op.StoredOp) bool {
	select {
	case p.in <- persistMsg{kind: pmOp, stored: stored}:
		if p.metrics != nil {
			p.metrics.PersistQueueDepth.Set(float64(len(p.in)))
		}
		return true
	default:
		return false
	}
}

// send submits a control message, blocking until the worker accepts it.
func (p *persistWorker) send(msg persistMsg) {
	p.in <- msg
}

func (p *persistWorker) loop() {
	defer close(p.done)

	var (
		buf         []op.StoredOp
		timer       *time.Timer
		timerC      <-chan time.Time
		lastDurable types.OpSeq
	)
	latency := time.Duration(p.cfg.PersistBatchLatencyMS) * time.Millisecond

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	commit := func() error {
		stopTimer()
		if len(buf) == 0 {
			return nil
		}
		batch := buf
		buf = nil

		_, span := p.tracer.Start(context.Background(), "qsolog.persist.commit")
		start := time.Now()
		hw, err := p.sink.AppendBatch(batch)
		span.End()

		if err != nil {
			p.log.Errorf("journal batch commit failed (%d ops, through seq %d): %v",
				len(batch), batch[len(batch)-1].Seq, err)
			p.notices <- persistNotice{seq: lastDurable, err: err, detail: err.Error()}
			return err
		}
		lastDurable = hw
		if p.metrics != nil {
			p.metrics.PersistBatchOps.Observe(float64(len(batch)))
			p.metrics.PersistCommitSeconds.Observe(time.Since(start).Seconds())
		}
		p.notices <- persistNotice{seq: hw}
		return nil
	}

	for {
		select {
		case msg := <-p.in:
			if p.metrics != nil {
				p.metrics.PersistQueueDepth.Set(float64(len(p.in)))
			}
			switch msg.kind {
			case pmOp:
				buf = append(buf, msg.stored)
				if len(buf) >= p.cfg.PersistBatchMax {
					_ = commit()
				} else if timerC == nil {
					timer = time.NewTimer(latency)
					timerC = timer.C
				}
			case pmFlush:
				err := commit()
				msg.resp <- persistAck{durable: lastDurable, err: err}
			case pmCheckpoint:
				err := commit()
				if err == nil {
					start := time.Now()
					err = p.sink.WriteSnapshot(msg.snap, msg.upTo)
					if err != nil {
						p.log.Errorf("snapshot through seq %d failed: %v", msg.upTo, err)
					} else if p.metrics != nil {
						p.metrics.SnapshotSeconds.Observe(time.Since(start).Seconds())
					}
				}
				msg.resp <- persistAck{durable: lastDurable, err: err}
			case pmShutdown:
				err := commit()
				msg.resp <- persistAck{durable: lastDurable, err: err}
				return
			}
		case <-timerC:
			timerC = nil
			timer = nil
			_ = commit()
		}
	}
}
