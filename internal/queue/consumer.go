// Package queue consumes named streams from a message transport and hands
// each delivery to the handler registered for its stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lox/stationd/internal/logging"
	"github.com/lox/stationd/internal/metrics"
)

// ErrSessionClosed is returned when the transport session ends without an
// error of its own.
var ErrSessionClosed = errors.New("queue session closed")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Delivery is one message taken from a stream. It must be settled exactly
// once, with Ack or Requeue.
type Delivery interface {
	Body() []byte
	Ack() error
	Requeue() error
}

// Session is a live connection to the transport.
type Session interface {
	Consume(stream string) (<-chan Delivery, error)
	// Closed yields at most one value when the session is lost.
	Closed() <-chan error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Handler processes one payload. A nil error acknowledges the delivery. An
// error wrapped with backoff.Permanent drops it. Any other error requeues it.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

type HandlerFunc func(ctx context.Context, body []byte) error

func (f HandlerFunc) Handle(ctx context.Context, body []byte) error { return f(ctx, body) }

// Route binds a stream name to its handler. Routes without a handler are
// skipped.
type Route struct {
	Stream  string
	Handler Handler
}

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultMaxInFlight    = 0
	DefaultHandleTimeout  = 30 * time.Second

	previewBytes = 256
)

type Option func(*Consumer)

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithMaxInFlight bounds how many deliveries are handled at once across all
// streams. Each stream is handled by one worker, so only a bound below the
// number of subscribed streams has any effect; zero leaves it unbounded.
func WithMaxInFlight(n int) Option {
	return func(c *Consumer) {
		if n >= 0 {
			c.maxInFlight = n
		}
	}
}

func WithHandleTimeout(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.handleTimeout = d
		}
	}
}

// Consumer keeps a session open, subscribes every routed stream and
// dispatches deliveries. Deliveries on one stream are handled in order.
type Consumer struct {
	dialer         Dialer
	routes         []Route
	reconnectDelay time.Duration
	maxInFlight    int
	handleTimeout  time.Duration
	sem            *semaphore.Weighted // nil when unbounded
	state          atomic.Int32
	log            *slog.Logger
}

func NewConsumer(dialer Dialer, routes []Route, opts ...Option) *Consumer {
	c := &Consumer{
		dialer:         dialer,
		routes:         routes,
		reconnectDelay: DefaultReconnectDelay,
		maxInFlight:    DefaultMaxInFlight,
		handleTimeout:  DefaultHandleTimeout,
		log:            logging.Component("consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	metrics.ConsumerState.Set(float64(s))
}

// Run consumes until ctx is cancelled, reconnecting after a fixed delay
// whenever the session is lost. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	var routes []Route
	for _, r := range c.routes {
		if r.Handler == nil {
			c.log.Warn("no handler for stream, not subscribing", "stream", r.Stream)
			continue
		}
		routes = append(routes, r)
	}
	if len(routes) == 0 {
		return errors.New("queue: no streams to consume")
	}
	if c.maxInFlight > 0 && c.maxInFlight < len(routes) {
		c.sem = semaphore.NewWeighted(int64(c.maxInFlight))
	} else if c.maxInFlight > 0 {
		c.log.Debug("max in flight not below stream count, not bounding", "max_in_flight", c.maxInFlight, "streams", len(routes))
	}

	operation := func() error {
		err := c.session(ctx, routes)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.Reconnects.Inc()
		c.log.Warn("queue session lost, reconnecting", "error", err, "retry_in", wait)
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(c.reconnectDelay), ctx)
	err := backoff.RetryNotify(operation, bo, notify)
	c.setState(StateDisconnected)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection until it is lost or ctx ends. It always
// returns a non-nil error unless ctx was cancelled.
func (c *Consumer) session(ctx context.Context, routes []Route) error {
	c.setState(StateConnecting)
	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.log.Debug("close session", "error", err)
		}
		c.setState(StateDisconnected)
	}()

	streams := make([]<-chan Delivery, len(routes))
	for i, r := range routes {
		ch, err := sess.Consume(r.Stream)
		if err != nil {
			return fmt.Errorf("consume %s: %w", r.Stream, err)
		}
		streams[i] = ch
	}
	c.setState(StateSubscribed)
	c.log.Info("subscribed", "streams", len(routes))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range routes {
		g.Go(func() error {
			return c.consume(gctx, r, streams[i])
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-sess.Closed():
			if !ok || err == nil {
				return ErrSessionClosed
			}
			return err
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (c *Consumer) consume(ctx context.Context, r Route, deliveries <-chan Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%s: %w", r.Stream, ErrSessionClosed)
			}
			if c.sem == nil {
				c.dispatch(ctx, r, d)
				continue
			}
			if err := c.sem.Acquire(ctx, 1); err != nil {
				c.settle(r.Stream, d.Requeue)
				return nil
			}
			c.dispatch(ctx, r, d)
			c.sem.Release(1)
		}
	}
}

// dispatch handles a delivery and settles it. The handler context outlives
// ctx, bounded by the handle timeout.
func (c *Consumer) dispatch(ctx context.Context, r Route, d Delivery) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handleTimeout)
	err := c.call(hctx, r.Handler, d.Body())
	cancel()

	var (
		outcome string
		perm    *backoff.PermanentError
	)
	switch {
	case err == nil:
		outcome = metrics.OutcomeAcked
		c.settle(r.Stream, d.Ack)
	case errors.As(err, &perm):
		outcome = metrics.OutcomeDropped
		c.log.Error("dropping message",
			"stream", r.Stream,
			"error", perm.Err,
			"payload", logging.Preview(d.Body(), previewBytes),
		)
		c.settle(r.Stream, d.Ack)
	default:
		outcome = metrics.OutcomeRetry
		c.log.Warn("handler failed, requeueing", "stream", r.Stream, "error", err)
		c.settle(r.Stream, d.Requeue)
	}

	metrics.MessagesTotal.WithLabelValues(r.Stream, outcome).Inc()
	metrics.HandleLatency.WithLabelValues(r.Stream).Observe(time.Since(start).Seconds())
}

// call turns a handler panic into a permanent failure.
func (c *Consumer) call(ctx context.Context, h Handler, body []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = backoff.Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()
	return h.Handle(ctx, body)
}

func (c *Consumer) settle(stream string, fn func() error) {
	if err := fn(); err != nil {
		c.log.Warn("settle delivery", "stream", stream, "error", err)
	}
}
