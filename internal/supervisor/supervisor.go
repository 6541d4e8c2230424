// Package supervisor owns the queue, dispatch loop, correlator and inbound
// loop, and exposes the submit/start/stop contract callers use.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/courier/internal/correlate"
	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/events"
	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/metrics"
	"github.com/mattjoyce/courier/internal/queue"
	"github.com/mattjoyce/courier/internal/transport"
)

var (
	ErrEmptyPayload   = errors.New("payload is empty")
	ErrAlreadyRunning = errors.New("supervisor already running")
	ErrStopped        = errors.New("supervisor stopped")
	ErrUnknownRequest = errors.New("unknown request")
)

// Handler is called for every inbound event, after correlation. matched
// reports whether the event resolved a pending request.
type Handler func(ev message.InboundEvent, matched bool)

// SubmitOptions are per-request overrides.
type SubmitOptions struct {
	// Timeout replaces the default response deadline when positive.
	Timeout time.Duration
}

// Options configures a Supervisor. Journal and Hub are optional.
type Options struct {
	Peer            string
	QueueCapacity   int
	ResponseTimeout time.Duration
	Dispatch        dispatch.Options
	Matcher         correlate.Matcher

	Journal          *journal.Store
	JournalRetention time.Duration
	PruneInterval    time.Duration

	Hub *events.Hub
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseRunning
	// phaseFailed: the loops exited without Stop. Nothing is admitted.
	phaseFailed
	phaseStopped
)

// completed requests stay answerable from memory until this many newer ones
// finish, which covers the gap before their journal row is written.
const recentLimit = 1024

// Supervisor wires queue -> dispatcher -> correlator and runs the inbound loop.
type Supervisor struct {
	opts       Options
	transport  transport.Transport
	queue      *queue.Queue
	correlator *correlate.Correlator
	hub        *events.Hub
	metrics    *metrics.Metrics
	writer     *journal.Writer
	logger     *slog.Logger

	mu            sync.Mutex
	phase         phase
	dest          transport.Destination
	dispatcher    *dispatch.Dispatcher
	cancel        context.CancelFunc
	writerStarted bool
	startedAt     time.Time
	handlers      []Handler

	liveMu sync.Mutex
	live   map[string]*message.Request
	recent []string

	done    chan struct{}
	errMu   sync.Mutex
	loopErr error
}

func New(tr transport.Transport, opts Options) *Supervisor {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = correlate.DefaultTimeout
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Hour
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub(0)
	}

	s := &Supervisor{
		opts:       opts,
		transport:  tr,
		queue:      queue.New(opts.QueueCapacity),
		correlator: correlate.New(opts.ResponseTimeout, opts.Matcher),
		hub:        hub,
		logger:     log.WithComponent("supervisor"),
		live:       make(map[string]*message.Request),
		done:       make(chan struct{}),
	}
	if opts.Journal != nil {
		s.writer = journal.NewWriter(opts.Journal)
	}
	s.metrics = metrics.New(metrics.Gauges{
		QueueDepth: s.queue.Len,
		InFlight:   s.InFlight,
		Pending:    s.correlator.Pending,
	})
	return s
}

// Start resolves the peer, recovers journal rows left by a previous process
// and starts the dispatch and inbound loops. It returns once they are running.
// Cancelling ctx stops the loops; Stop must still be called to release
// resources.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case phaseStarting, phaseRunning:
		s.mu.Unlock()
		return ErrAlreadyRunning
	case phaseFailed, phaseStopped:
		s.mu.Unlock()
		return ErrStopped
	}
	s.phase = phaseStarting
	s.mu.Unlock()

	dest, err := s.prepare(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseStopped {
		return ErrStopped
	}
	if err != nil {
		s.phase = phaseIdle
		return err
	}

	s.dest = dest
	s.startWriter()
	s.dispatcher = dispatch.New(s.queue, s.transport, s.correlator, dest, s.opts.Dispatch, observer{s})

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return s.dispatcher.Run(gctx) })
	g.Go(func() error { return s.inbound(gctx) })
	if s.opts.Journal != nil && s.opts.JournalRetention > 0 {
		g.Go(func() error { return s.prune(gctx) })
	}
	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			s.logger.Error("supervisor loop failed", "error", err)
		}
		s.errMu.Lock()
		s.loopErr = err
		s.errMu.Unlock()
		s.abandon(err)
		close(s.done)
	}()

	s.phase = phaseRunning
	s.startedAt = time.Now()
	s.hub.Publish(events.TypeStarted, events.SupervisorData{Peer: dest.Identity})
	log.WithPeer(dest.Identity).Info("supervisor started", "peer_id", dest.ID)
	return nil
}

// abandon runs when the loops have exited. Unless Stop is already tearing
// down, it stops admission and resolves everything left queued or pending,
// since no loop will pop or correlate it any more.
func (s *Supervisor) abandon(loopErr error) {
	s.mu.Lock()
	if s.phase != phaseRunning {
		s.mu.Unlock()
		return
	}
	s.phase = phaseFailed
	s.queue.Close()
	s.mu.Unlock()

	reason := ErrStopped
	if loopErr != nil {
		reason = fmt.Errorf("%w: %v", ErrStopped, loopErr)
	}
	n := s.correlator.CancelAll(reason)
	queued := s.queue.Drain()
	for _, req := range queued {
		o := message.Cancelled(reason)
		if req.Complete(o) {
			s.onComplete(req, o)
		}
	}
	s.logger.Warn("supervisor loops exited, admission closed",
		"cancelled_pending", n, "cancelled_queued", len(queued))
}

// prepare does the blocking part of Start without holding the lock.
func (s *Supervisor) prepare(ctx context.Context) (transport.Destination, error) {
	dest, err := s.transport.Resolve(ctx, s.opts.Peer)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("resolve peer %q: %w", s.opts.Peer, err)
	}
	if s.opts.Journal != nil {
		ids, err := s.opts.Journal.RecoverOrphans(ctx)
		if err != nil {
			return transport.Destination{}, fmt.Errorf("recover journal: %w", err)
		}
		if len(ids) > 0 {
			log.WithPeer(dest.Identity).Warn("recovered orphaned requests", "count", len(ids))
		}
	}
	return dest, nil
}

func (s *Supervisor) startWriter() {
	if s.writer == nil || s.writerStarted {
		return
	}
	s.writerStarted = true
	// Journal writes must outlive the loops so shutdown outcomes land.
	go s.writer.Run(context.Background())
}

// inbound feeds transport events to the correlator until ctx ends or the
// transport closes.
func (s *Supervisor) inbound(ctx context.Context) error {
	for {
		ev, err := s.transport.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("inbound stream: %w", err)
			}
			s.logger.Warn("inbound receive failed", "error", err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now().UTC()
		}

		matched := s.correlator.Feed(ev)
		if !matched {
			s.metrics.Unsolicited()
			s.hub.Publish(events.TypeUnsolicited, events.InboundData{
				Sender: ev.Sender, Text: ev.Text, ReceivedAt: ev.ReceivedAt,
			})
		}

		s.mu.Lock()
		handlers := append([]Handler(nil), s.handlers...)
		s.mu.Unlock()
		for _, h := range handlers {
			s.callHandler(h, ev, matched)
		}
	}
}

func (s *Supervisor) callHandler(h Handler, ev message.InboundEvent, matched bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("inbound handler panicked", "sender", ev.Sender, "panic", fmt.Sprint(r))
		}
	}()
	h(ev, matched)
}

func (s *Supervisor) prune(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		n, err := s.opts.Journal.Prune(ctx, s.opts.JournalRetention)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("journal pruned", "rows", n)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit admits a request and returns its id without waiting for the send.
func (s *Supervisor) Submit(payload string, priority message.Priority, opts SubmitOptions) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", ErrEmptyPayload
	}
	req := message.New(payload, priority, opts.Timeout)

	s.mu.Lock()
	if s.phase == phaseFailed || s.phase == phaseStopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.writer != nil {
		s.writer.Admitted(req, s.opts.Peer)
	}
	s.track(req)
	s.hub.Publish(events.TypeAdmitted, events.ForRequest(req, nil, s.queue.Len()))
	err := s.queue.Push(req)
	s.mu.Unlock()

	if err != nil {
		s.untrack(req.ID)
		if s.writer != nil {
			s.writer.Rejected(req)
		}
		s.metrics.Rejected()
		s.hub.Publish(events.TypeRejected, events.RequestData{
			RequestID: req.ID, Priority: req.Priority, Error: err.Error(), SubmittedAt: req.SubmittedAt,
		})
		if errors.Is(err, queue.ErrClosed) {
			return "", ErrStopped
		}
		return "", err
	}

	s.metrics.Submitted(priority)
	log.WithRequest(req.ID).Debug("request admitted", "priority", priority.String(), "queue_depth", s.queue.Len())
	return req.ID, nil
}

// Stop cancels both loops and waits for them, cancels pending and queued
// requests, and closes the transport. It is safe to call more than once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.phase == phaseStopped {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.phase == phaseRunning || s.phase == phaseFailed
	s.phase = phaseStopped
	cancel := s.cancel
	d := s.dispatcher
	peer := s.dest.Identity
	s.startWriter()
	s.mu.Unlock()

	if wasRunning {
		cancel()
		<-s.done
	}

	n := s.correlator.CancelAll(ErrStopped)
	s.queue.Close()
	queued := s.queue.Drain()
	for _, req := range queued {
		o := message.Cancelled(ErrStopped)
		if req.Complete(o) {
			s.onComplete(req, o)
		}
	}
	if d != nil {
		d.Wait()
	}

	err := s.transport.Close()
	if s.writer != nil {
		s.writer.Close()
	}

	s.hub.Publish(events.TypeStopped, events.SupervisorData{Peer: peer})
	s.logger.Info("supervisor stopped", "cancelled_pending", n, "cancelled_queued", len(queued))
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// AddHandler registers h for every inbound event.
func (s *Supervisor) AddHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Done is closed when the loops exit, whether through Stop or a failure.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the loops, nil after a clean stop.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.loopErr
}

func (s *Supervisor) track(req *message.Request) {
	s.liveMu.Lock()
	s.live[req.ID] = req
	s.liveMu.Unlock()
}

func (s *Supervisor) untrack(id string) {
	s.liveMu.Lock()
	delete(s.live, id)
	s.liveMu.Unlock()
}

// retire keeps a finished request in memory until recentLimit newer ones
// finish.
func (s *Supervisor) retire(id string) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	s.recent = append(s.recent, id)
	if len(s.recent) > recentLimit {
		delete(s.live, s.recent[0])
		s.recent[0] = ""
		s.recent = s.recent[1:]
	}
}

func (s *Supervisor) request(id string) (*message.Request, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	req, ok := s.live[id]
	return req, ok
}
