// Package actor runs message-driven units: one goroutine draining one
// bounded mailbox in arrival order.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var (
	// ErrMailboxFull is returned by Tell when the mailbox stays full until
	// the context is done.
	ErrMailboxFull = errors.New("mailbox full")
	ErrAskTimeout  = errors.New("ask timed out")
	// ErrStopped means the actor loop returned nil on its own.
	ErrStopped = errors.New("actor stopped")
)

// Actor handles one message at a time. A returned error is a crash: the
// loop stops and the supervisor decides what happens next.
type Actor interface {
	Receive(c *Context, msg any) error
}

// Ticker is implemented by actors that need periodic work.
type Ticker interface {
	Tick(c *Context) error
}

// Starter is implemented by actors that need to run setup before the first
// message.
type Starter interface {
	Start(c *Context) error
}

// Ref addresses an actor. The mailbox outlives any one run of the actor,
// so queued messages survive a restart.
type Ref struct {
	id      string
	role    pipeline.Role
	mailbox chan any

	mu        sync.Mutex
	redeliver []any
}

// NewRef creates an address with a mailbox of the given capacity.
func NewRef(id string, role pipeline.Role, size int) *Ref {
	if size <= 0 {
		size = 64
	}
	return &Ref{id: id, role: role, mailbox: make(chan any, size)}
}

func (r *Ref) ID() string          { return r.id }
func (r *Ref) Role() pipeline.Role { return r.role }

// Len returns the number of queued messages.
func (r *Ref) Len() int { return len(r.mailbox) }

// Tell enqueues msg, waiting for room until ctx is done.
func (r *Ref) Tell(ctx context.Context, msg any) error {
	select {
	case r.mailbox <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tell %s: %w", r.id, ErrMailboxFull)
	}
}

// TryTell enqueues msg without blocking.
func (r *Ref) TryTell(msg any) bool {
	select {
	case r.mailbox <- msg:
		return true
	default:
		return false
	}
}

// putBack stores messages a run took but did not handle. They are handed
// out again, in order, before anything else in the mailbox.
func (r *Ref) putBack(msgs ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redeliver = append(r.redeliver, msgs...)
}

// Redeliver queues msgs ahead of everything in the mailbox. Supervisors
// use it to hand a restarted actor its restore payload first.
func (r *Ref) Redeliver(msgs ...any) {
	r.putBack(msgs...)
}

func (r *Ref) takeRedelivery() (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.redeliver) == 0 {
		return nil, false
	}
	msg := r.redeliver[0]
	r.redeliver = r.redeliver[1:]
	return msg, true
}

// Result carries the answer to an Ask.
type Result[T any] struct {
	Value T
	Err   error
}

// Reply is the channel an asked actor answers on. It has room for one
// answer so the responder never blocks.
type Reply[T any] chan Result[T]

func NewReply[T any]() Reply[T] { return make(Reply[T], 1) }

// Send answers once. Extra answers are dropped.
func (r Reply[T]) Send(v T, err error) {
	select {
	case r <- Result[T]{Value: v, Err: err}:
	default:
	}
}

// Ask sends msg, which must carry reply, and waits for the answer.
func Ask[T any](ctx context.Context, ref *Ref, msg any, reply Reply[T], timeout time.Duration) (T, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ref.Tell(ctx, msg); err != nil {
		return zero, err
	}
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("ask %s: %w", ref.id, ErrAskTimeout)
		}
		return zero, ctx.Err()
	}
}

// Context is what an actor sees while handling a message.
type Context struct {
	context.Context
	Self   *Ref
	Logger *slog.Logger

	beat     func()
	deferred []any
}

// Heartbeat tells the supervisor the actor is alive. Long handlers call it
// between steps.
func (c *Context) Heartbeat() {
	if c.beat != nil {
		c.beat()
	}
}

// KeepAlive heartbeats every interval from a helper goroutine until the
// returned stop func is called. Handlers wrap calls that block longer than
// the heartbeat timeout, which must themselves be bounded by a deadline.
func (c *Context) KeepAlive(interval time.Duration) (stop func()) {
	if c.beat == nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				c.beat()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Poll takes the next queued message without blocking. Handlers use it at
// suspension points to look for cancellation.
func (c *Context) Poll() (any, bool) {
	if msg, ok := c.Self.takeRedelivery(); ok {
		return msg, true
	}
	select {
	case msg := <-c.Self.mailbox:
		return msg, true
	default:
		return nil, false
	}
}

// Defer sets aside a polled message to be handled after the current one,
// keeping arrival order.
func (c *Context) Defer(msg any) {
	c.deferred = append(c.deferred, msg)
}

// RunOptions configures a run loop.
type RunOptions struct {
	// Heartbeat is called when the loop starts, on every HeartbeatInterval,
	// and after each message.
	Heartbeat         func()
	HeartbeatInterval time.Duration
	// TickInterval drives Ticker actors. Zero disables ticks.
	TickInterval time.Duration
	Logger       *slog.Logger
}

// Run drives a until ctx is done or a crashes. A panic is converted into
// an error. Run returns nil only when ctx is done.
func Run(ctx context.Context, ref *Ref, a Actor, opts RunOptions) (err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", ref.id, "role", ref.role)

	c := &Context{Context: ctx, Self: ref, Logger: logger, beat: opts.Heartbeat}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			logger.Error("actor panic", "panic", r, "stack", string(buf[:n]))
			err = fmt.Errorf("panic in %s: %v", ref.id, r)
		}
		if len(c.deferred) > 0 {
			ref.putBack(c.deferred...)
			c.deferred = nil
		}
	}()

	c.Heartbeat()
	if s, ok := a.(Starter); ok {
		if err := s.Start(c); err != nil {
			return fmt.Errorf("start %s: %w", ref.id, err)
		}
	}

	var beatC, tickC <-chan time.Time
	if opts.HeartbeatInterval > 0 && opts.Heartbeat != nil {
		t := time.NewTicker(opts.HeartbeatInterval)
		defer t.Stop()
		beatC = t.C
	}
	ticker, isTicker := a.(Ticker)
	if opts.TickInterval > 0 && isTicker {
		t := time.NewTicker(opts.TickInterval)
		defer t.Stop()
		tickC = t.C
	}

	handle := func(msg any) error {
		if err := a.Receive(c, msg); err != nil {
			return fmt.Errorf("%s handling %T: %w", ref.id, msg, err)
		}
		c.Heartbeat()
		return nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if len(c.deferred) > 0 {
			msg := c.deferred[0]
			c.deferred = c.deferred[1:]
			if err := handle(msg); err != nil {
				return err
			}
			continue
		}
		if msg, ok := ref.takeRedelivery(); ok {
			if err := handle(msg); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-beatC:
			c.Heartbeat()
		case <-tickC:
			if err := ticker.Tick(c); err != nil {
				return fmt.Errorf("%s tick: %w", ref.id, err)
			}
			c.Heartbeat()
		case msg := <-ref.mailbox:
			if ctx.Err() != nil {
				// A newer run owns the mailbox now.
				ref.putBack(msg)
				return nil
			}
			if err := handle(msg); err != nil {
				return err
			}
		}
	}
}
