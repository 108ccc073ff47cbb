// Package projection mirrors committed state into external stores for
// dashboards and queries that must not touch the consensus path.
//
// The projector consumes effects emitted by the state machine and
// forwards them to a Mirror. Mirrors hold derived state, never a source
// of truth: the projector retries failed writes forever, lag is
// acceptable, and a rebuilt mirror can always be re-derived from a
// snapshot plus replay.
package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/backoff"
	"github.com/musterhq/muster/fsm"
)

// Mirror is one external replica of committed state. Implementations
// must tolerate replays: the same effect may be delivered again after a
// retried write, so every operation is an idempotent upsert or delete.
type Mirror interface {
	MirrorSessions(ctx context.Context, sessions []muster.Session) error
	MirrorTasks(ctx context.Context, tasks []muster.Task) error
	MirrorLocks(ctx context.Context, locks []muster.Lock) error
	MirrorGroups(ctx context.Context, groups []muster.Group) error

	// RemoveLocks deletes released locks by name.
	RemoveLocks(ctx context.Context, names []string) error

	Close() error
}

// Projector drains state machine effects into a Mirror. The sink side
// never blocks — effects queue in an unbounded in-memory list so a slow
// mirror can never stall the apply loop — and the drain side preserves
// commit order.
type Projector struct {
	mirror Mirror
	logger *slog.Logger
	retry  backoff.Strategy

	mu     sync.Mutex
	queue  []fsm.Effect
	closed bool

	signal chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Projector.
type Option func(*Projector)

// WithRetryStrategy sets the backoff used when mirror writes fail.
func WithRetryStrategy(s backoff.Strategy) Option {
	return func(p *Projector) { p.retry = s }
}

// NewProjector builds a projector for the given mirror.
func NewProjector(m Mirror, logger *slog.Logger, opts ...Option) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projector{
		mirror: m,
		logger: logger,
		retry:  backoff.NewExponential(100*time.Millisecond, 10*time.Second),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sink returns the effect sink to install on the state machine.
func (p *Projector) Sink() fsm.Sink {
	return func(eff fsm.Effect) {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.queue = append(p.queue, eff)
		p.mu.Unlock()

		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
}

// Lag reports how many effects are queued but not yet mirrored.
func (p *Projector) Lag() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Start launches the drain loop.
func (p *Projector) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drainLoop(ctx)
	}()
}

// Stop shuts the projector down after a best-effort final drain, then
// closes the mirror.
func (p *Projector) Stop() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	// Final drain with a bounded grace period.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.drainOnce(ctx)

	if lag := p.Lag(); lag > 0 {
		p.logger.Warn("projector stopped with unmirrored effects", slog.Int("lag", lag))
	}
	return p.mirror.Close()
}

func (p *Projector) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.signal:
		}
		p.drainOnce(ctx)
	}
}

// drainOnce mirrors queued effects in commit order until the queue is
// empty or the context ends. A failed write is retried with backoff and
// never skipped — mirrors fall behind, they do not diverge.
func (p *Projector) drainOnce(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		eff := p.queue[0]
		p.mu.Unlock()

		for attempt := 1; ; attempt++ {
			err := p.applyEffect(ctx, &eff)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}

			delay := p.retry.Delay(attempt)
			p.logger.Warn("mirror write failed",
				slog.Uint64("index", eff.Index),
				slog.String("kind", string(eff.Kind)),
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		p.mu.Lock()
		p.queue = p.queue[1:]
		if len(p.queue) == 0 {
			// Release the backing array of a fully drained queue.
			p.queue = nil
		}
		p.mu.Unlock()
	}
}

func (p *Projector) applyEffect(ctx context.Context, eff *fsm.Effect) error {
	if len(eff.Sessions) > 0 {
		if err := p.mirror.MirrorSessions(ctx, eff.Sessions); err != nil {
			return err
		}
	}
	if len(eff.Tasks) > 0 {
		if err := p.mirror.MirrorTasks(ctx, eff.Tasks); err != nil {
			return err
		}
	}
	if len(eff.Groups) > 0 {
		if err := p.mirror.MirrorGroups(ctx, eff.Groups); err != nil {
			return err
		}
	}
	if len(eff.Locks) > 0 {
		if err := p.mirror.MirrorLocks(ctx, eff.Locks); err != nil {
			return err
		}
	}
	if len(eff.Released) > 0 {
		if err := p.mirror.RemoveLocks(ctx, eff.Released); err != nil {
			return err
		}
	}
	return nil
}
