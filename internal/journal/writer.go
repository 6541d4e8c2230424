package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/message"
)

type opKind int

const (
	opAdmit opKind = iota
	opSent
	opComplete
	opForget
)

type op struct {
	kind    opKind
	req     *message.Request
	peer    string
	at      time.Time
	outcome message.Outcome
}

// Writer applies journal updates on its own goroutine so request paths never
// wait on disk. Updates are applied in the order they were recorded. The
// backlog is unbounded; nothing is dropped.
type Writer struct {
	store  *Store
	logger *slog.Logger

	mu      sync.Mutex
	pending []op
	closed  bool
	signal  chan struct{}
	done    chan struct{}
}

func NewWriter(store *Store) *Writer {
	return &Writer{
		store:  store,
		logger: log.WithComponent("journal"),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *Writer) enqueue(o op) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("journal update after close dropped", "request_id", o.req.ID)
		return
	}
	w.pending = append(w.pending, o)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Writer) Admitted(req *message.Request, peer string) {
	w.enqueue(op{kind: opAdmit, req: req, peer: peer})
}

func (w *Writer) Sent(req *message.Request) {
	w.enqueue(op{kind: opSent, req: req, at: req.SentAt()})
}

func (w *Writer) Completed(req *message.Request, o message.Outcome) {
	w.enqueue(op{kind: opComplete, req: req, at: req.SentAt(), outcome: o})
}

// Rejected undoes Admitted for a request the queue refused.
func (w *Writer) Rejected(req *message.Request) {
	w.enqueue(op{kind: opForget, req: req})
}

// Run applies updates until Close is called and the backlog is empty.
// Updates are written with ctx; a cancelled ctx only aborts the write in
// progress, so callers normally pass a context that outlives shutdown.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		for _, o := range batch {
			w.apply(ctx, o)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.signal
	}
}

func (w *Writer) apply(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opAdmit:
		err = w.store.Admit(ctx, o.req, o.peer)
	case opSent:
		err = w.store.MarkSent(ctx, o.req.ID, o.at)
	case opComplete:
		err = w.store.Complete(ctx, o.req.ID, o.at, o.outcome)
	case opForget:
		err = w.store.Forget(ctx, o.req.ID)
	}
	if err != nil {
		w.logger.Error("journal write failed", "request_id", o.req.ID, "error", err)
	}
}

// Close stops accepting updates and waits for Run to flush the backlog.
func (w *Writer) Close() {
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()
	if !already {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
	<-w.done
}
