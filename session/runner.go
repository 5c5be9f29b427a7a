package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mirage/models"
)

// DefaultTickInterval is how often the Runner advances coordinator timers.
const DefaultTickInterval = 50 * time.Millisecond

var errRunnerStopped = errors.New("session: runner stopped")

// Sender delivers coordinator output to the remote peer.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

type command struct {
	apply func(c *Coordinator, now time.Time) ([]any, error)
	reply chan error
}

// Runner owns a Coordinator and serializes every mutation through one
// goroutine. Other components read published snapshots.
type Runner struct {
	coord  *Coordinator
	sender Sender
	logger *zap.Logger
	now    func() time.Time
	tick   time.Duration

	inbox    chan command
	snapshot atomic.Pointer[models.SessionSnapshot]
	changes  chan models.SessionSnapshot

	done     chan struct{}
	doneOnce sync.Once
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Sender       Sender
	TickInterval time.Duration
	Logger       *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewRunner wraps coord. Call Run to start processing.
func NewRunner(coord *Coordinator, options RunnerOptions) *Runner {
	if options.TickInterval <= 0 {
		options.TickInterval = DefaultTickInterval
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	r := &Runner{
		coord:   coord,
		sender:  options.Sender,
		logger:  options.Logger.Named("session"),
		now:     options.Now,
		tick:    options.TickInterval,
		inbox:   make(chan command, 64),
		changes: make(chan models.SessionSnapshot, 1),
		done:    make(chan struct{}),
	}
	snap := coord.Snapshot()
	r.snapshot.Store(&snap)
	return r
}

// Snapshot returns the latest published state. Safe for concurrent use.
func (r *Runner) Snapshot() models.SessionSnapshot {
	return *r.snapshot.Load()
}

// Changes delivers the latest snapshot after each state change. Intermediate
// snapshots may be skipped.
func (r *Runner) Changes() <-chan models.SessionSnapshot {
	return r.changes
}

// Done is closed once the session is terminated or the runner stops.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Deliver applies a message received from the remote peer and returns once
// the published snapshot reflects it.
func (r *Runner) Deliver(ctx context.Context, msg any) error {
	return r.submit(ctx, func(c *Coordinator, now time.Time) ([]any, error) {
		return c.Handle(msg, now), nil
	})
}

// LocalIntent applies a local transfer intent.
func (r *Runner) LocalIntent(ctx context.Context) error {
	return r.submit(ctx, func(c *Coordinator, now time.Time) ([]any, error) {
		return c.LocalIntent(now)
	})
}

// Release hands ownership to the remote peer.
func (r *Runner) Release(ctx context.Context) error {
	return r.submit(ctx, func(c *Coordinator, now time.Time) ([]any, error) {
		return c.Release(now)
	})
}

// Disconnect terminates the session and waits for SessionClose to be sent.
func (r *Runner) Disconnect(ctx context.Context, reason string) error {
	return r.submit(ctx, func(c *Coordinator, now time.Time) ([]any, error) {
		return c.Disconnect(reason, now), nil
	})
}

// Run processes commands and timer ticks until the session terminates or
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer r.doneOnce.Do(func() { close(r.done) })

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-r.inbox:
			out, err := cmd.apply(r.coord, r.now())
			r.flush(ctx, out)
			cmd.reply <- err
		case <-ticker.C:
			r.flush(ctx, r.coord.Tick(r.now()))
		}

		if r.Snapshot().State == models.SessionTerminated {
			return nil
		}
	}
}

func (r *Runner) submit(ctx context.Context, apply func(*Coordinator, time.Time) ([]any, error)) error {
	cmd := command{apply: apply, reply: make(chan error, 1)}

	select {
	case r.inbox <- cmd:
	case <-r.done:
		return errRunnerStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return errRunnerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) flush(ctx context.Context, out []any) {
	r.publish()
	if r.sender == nil {
		return
	}
	for _, msg := range out {
		if err := r.sender.Send(ctx, msg); err != nil {
			r.logger.Warn("send session message failed", zap.Error(err))
		}
	}
}

func (r *Runner) publish() {
	next := r.coord.Snapshot()
	prev := r.snapshot.Load()
	if prev != nil && prev.State == next.State && prev.Holder == next.Holder && prev.Generation == next.Generation {
		r.snapshot.Store(&next)
		return
	}
	r.snapshot.Store(&next)

	select {
	case <-r.changes:
	default:
	}
	select {
	case r.changes <- next:
	default:
	}
}
