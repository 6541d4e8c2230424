package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/courier/internal/correlate"
	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/queue"
	"github.com/mattjoyce/courier/internal/transport"
)

// Observer is told about lifecycle transitions the dispatcher drives.
// Callbacks run on dispatcher goroutines and must not block for long.
type Observer interface {
	OnSent(req *message.Request)
	OnComplete(req *message.Request, o message.Outcome)
}

type nopObserver struct{}

func (nopObserver) OnSent(*message.Request)                     {}
func (nopObserver) OnComplete(*message.Request, message.Outcome) {}

// Options tunes send pacing and failure handling. The zero value sends as
// fast as the queue allows with no breaker.
type Options struct {
	// MaxInFlight bounds sent-but-unresolved requests. 0 means unbounded.
	MaxInFlight int
	// RateLimit is sends per second. 0 means unlimited.
	RateLimit float64
	// RateBurst defaults to 1 when RateLimit is set.
	RateBurst int
	// BreakerThreshold is the number of consecutive send failures that opens
	// the breaker. 0 disables it.
	BreakerThreshold uint32
	// BreakerResetAfter is how long the breaker stays open before a trial send.
	BreakerResetAfter time.Duration
}

// Dispatcher is the single consumer of the queue.
type Dispatcher struct {
	queue      *queue.Queue
	transport  transport.Transport
	correlator *correlate.Correlator
	dest       transport.Destination
	observer   Observer
	logger     *slog.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	slots   chan struct{}

	inFlight atomic.Int64
	watchers sync.WaitGroup
}

// New creates a Dispatcher that sends to dest. obs may be nil.
func New(q *queue.Queue, tr transport.Transport, corr *correlate.Correlator, dest transport.Destination, opts Options, obs Observer) *Dispatcher {
	if obs == nil {
		obs = nopObserver{}
	}
	d := &Dispatcher{
		queue:      q,
		transport:  tr,
		correlator: corr,
		dest:       dest,
		observer:   obs,
		logger:     log.WithComponent("dispatch"),
	}

	if opts.MaxInFlight > 0 {
		d.slots = make(chan struct{}, opts.MaxInFlight)
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.BreakerThreshold > 0 {
		threshold := opts.BreakerThreshold
		d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "transport-send",
			MaxRequests: 1,
			Timeout:     opts.BreakerResetAfter,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return d
}

// Run drains the queue until ctx is cancelled or the queue is closed.
// This is a blocking call.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "peer", d.dest.Identity)
	defer d.logger.Info("dispatch loop stopped")

	for {
		if err := d.acquire(ctx); err != nil {
			return err
		}

		req, err := d.queue.Wait(ctx)
		if err != nil {
			d.release()
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}

		d.dispatch(ctx, req)
	}
}

// acquire takes an in-flight slot and a rate token, in that order.
func (d *Dispatcher) acquire(ctx context.Context) error {
	if d.slots != nil {
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) release() {
	if d.slots != nil {
		<-d.slots
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req *message.Request) {
	reqLog := log.WithRequest(req.ID).With("priority", req.Priority.String())

	// The entry is registered before the send so a reply that beats Send's
	// return is still matched. Its deadline starts only once Send succeeds; a
	// failed send withdraws it.
	h := d.correlator.Register(req, d.dest.Identity)
	if o, done := h.Result(); done {
		// Correlator already shut down.
		d.release()
		d.observer.OnComplete(req, o)
		return
	}
	req.MarkSent()

	if err := d.send(ctx, req); err != nil {
		o := message.SendFailed(err)
		if ctx.Err() != nil {
			o = message.Cancelled(ctx.Err())
		}
		if d.correlator.Withdraw(req.ID, o) {
			reqLog.Warn("send failed", "error", err)
		}
		d.release()
		final, _ := req.Result()
		d.observer.OnComplete(req, final)
		return
	}

	d.correlator.Arm(req.ID, req.Timeout)
	reqLog.Info("request sent", "peer", d.dest.Identity)
	d.observer.OnSent(req)

	d.inFlight.Add(1)
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		<-h.Done()
		o, _ := h.Result()
		d.inFlight.Add(-1)
		d.release()
		reqLog.Info("request completed", "state", string(o.State))
		d.observer.OnComplete(req, o)
	}()
}

func (d *Dispatcher) send(ctx context.Context, req *message.Request) error {
	if d.breaker == nil {
		return d.transport.Send(ctx, d.dest, req.Payload)
	}
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.transport.Send(ctx, d.dest, req.Payload)
	})
	return err
}

// Wait blocks until every completion watcher started by Run has reported.
// Call it after Run returns and the correlator has been cancelled.
func (d *Dispatcher) Wait() {
	d.watchers.Wait()
}

// InFlight returns the number of sent requests still awaiting an outcome.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// BreakerState returns the circuit breaker state, or "disabled".
func (d *Dispatcher) BreakerState() string {
	if d.breaker == nil {
		return "disabled"
	}
	return d.breaker.State().String()
}
