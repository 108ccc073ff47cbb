// Package engine wires all muster subsystems together: the consensus
// node, the replicated state machine, the coordination services, the
// projection pipeline, and the worker-facing wire server.
//
// This package exists to break the import cycle: the root muster
// package defines Entity and Config (imported by fsm, session, queue)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/musterhq/muster"
	"github.com/musterhq/muster/command"
	"github.com/musterhq/muster/fsm"
	"github.com/musterhq/muster/id"
	"github.com/musterhq/muster/lock"
	mw "github.com/musterhq/muster/middleware"
	"github.com/musterhq/muster/projection"
	"github.com/musterhq/muster/queue"
	"github.com/musterhq/muster/raft"
	"github.com/musterhq/muster/session"
	"github.com/musterhq/muster/wire"
)

// fsmAdapter exposes the domain state machine through the consensus
// node's StateMachine contract. Commands arrive as encoded log entry
// payloads; decode failures surface as the apply outcome so the
// proposer can report them.
type fsmAdapter struct {
	sm *fsm.FSM
}

func (a *fsmAdapter) Apply(index, term uint64, data []byte) any {
	cmd, err := command.Decode(data)
	if err != nil {
		return fmt.Errorf("engine: decode command at index %d: %w", index, err)
	}
	return a.sm.Apply(index, term, cmd)
}

func (a *fsmAdapter) Snapshot() ([]byte, error) { return a.sm.Snapshot() }

func (a *fsmAdapter) Restore(data []byte) error { return a.sm.Restore(data) }

// proposer drives commands through the consensus log and hands the
// committed result back to the calling service.
type proposer struct {
	node    *raft.Node
	timeout time.Duration
}

func (p *proposer) Propose(ctx context.Context, cmd command.Command) (fsm.Result, error) {
	data, err := command.Encode(&cmd)
	if err != nil {
		return fsm.Result{}, fmt.Errorf("engine: encode %s: %w", cmd.Kind, err)
	}

	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out, err := p.node.Apply(ctx, data)
	if err != nil {
		return fsm.Result{}, err
	}
	switch v := out.(type) {
	case fsm.Result:
		return v, nil
	case error:
		return fsm.Result{}, v
	default:
		return fsm.Result{}, fmt.Errorf("engine: unexpected apply outcome %T", out)
	}
}

// Engine assembles one muster node.
type Engine struct {
	nodeID string
	cfg    muster.Config
	logger *slog.Logger

	sm        *fsm.FSM
	node      *raft.Node
	sessions  *session.Coordinator
	tasks     *queue.Queue
	locks     *lock.Manager
	projector *projection.Projector
	server    *wire.Server

	// Build inputs.
	raftAddr  string
	wireAddr  string
	raftPeers map[string]string
	advertise map[string]string
	dataDir   string
	storage   raft.Storage
	transport raft.Transport
	mirror    projection.Mirror
	limits    *queue.TierLimiter
	extraMW   []mw.Middleware

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNodeID sets this node's cluster identity. A fresh ID is generated
// when unset.
func WithNodeID(nodeID string) Option {
	return func(e *Engine) { e.nodeID = nodeID }
}

// WithConfig sets the cluster tunables. DefaultConfig is used when
// unset.
func WithConfig(cfg muster.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRaftAddr sets the consensus transport listen address.
func WithRaftAddr(addr string) Option {
	return func(e *Engine) { e.raftAddr = addr }
}

// WithWireAddr sets the worker-facing wire server listen address.
func WithWireAddr(addr string) Option {
	return func(e *Engine) { e.wireAddr = addr }
}

// WithPeers sets the other cluster members. raftPeers maps peer IDs to
// their consensus WebSocket URLs; advertise maps peer IDs to their
// worker-facing addresses, used to build leader hints for redirecting
// clients.
func WithPeers(raftPeers, advertise map[string]string) Option {
	return func(e *Engine) {
		e.raftPeers = raftPeers
		e.advertise = advertise
	}
}

// WithDataDir sets the durable log directory. Empty means in-memory
// storage (tests, ephemeral nodes).
func WithDataDir(dir string) Option {
	return func(e *Engine) { e.dataDir = dir }
}

// WithStorage overrides the consensus storage backend.
func WithStorage(s raft.Storage) Option {
	return func(e *Engine) { e.storage = s }
}

// WithTransport overrides the consensus transport, e.g. an in-memory
// network for multi-node tests in one process.
func WithTransport(t raft.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithMirror attaches a projection mirror. Committed effects stream
// into it asynchronously.
func WithMirror(m projection.Mirror) Option {
	return func(e *Engine) { e.mirror = m }
}

// WithTierLimits installs per-tier claim rate limiting.
func WithTierLimits(limits *queue.TierLimiter) Option {
	return func(e *Engine) { e.limits = limits }
}

// WithMiddleware appends middleware to the wire request chain, after
// the default stack.
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(e *Engine) { e.extraMW = append(e.extraMW, mws...) }
}

// Build assembles an engine from the given options. Nothing runs until
// Start.
func Build(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      muster.DefaultConfig(),
		logger:   slog.Default(),
		raftAddr: "127.0.0.1:0",
		wireAddr: "127.0.0.1:0",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.nodeID == "" {
		e.nodeID = id.NewNodeID().String()
	}

	e.sm = fsm.New()

	storage := e.storage
	if storage == nil {
		if e.dataDir != "" {
			fs, err := raft.NewFileStorage(e.dataDir)
			if err != nil {
				return nil, fmt.Errorf("engine: open storage: %w", err)
			}
			storage = fs
		} else {
			storage = raft.NewMemoryStorage()
		}
	}

	transport := e.transport
	if transport == nil {
		transport = raft.NewWSTransport(e.nodeID, e.raftAddr, e.raftPeers, e.logger)
	}

	peerIDs := make([]string, 0, len(e.raftPeers))
	for peerID := range e.raftPeers {
		peerIDs = append(peerIDs, peerID)
	}

	node, err := raft.NewNode(raft.NodeConfig{
		ID:           e.nodeID,
		Peers:        peerIDs,
		Advertise:    e.advertise,
		Storage:      storage,
		Transport:    transport,
		StateMachine: &fsmAdapter{sm: e.sm},
		Logger:       e.logger,
		Config:       e.cfg,
	})
	if err != nil {
		return nil, err
	}
	e.node = node

	prop := &proposer{node: node, timeout: e.cfg.ApplyTimeout}
	e.locks = lock.NewManager(prop, e.sm, e.logger)
	e.sessions = session.NewCoordinator(prop, e.sm, e.locks, e.nodeID, e.cfg, e.logger)
	e.tasks = queue.New(prop, e.sm, e.limits, e.cfg, e.logger)

	if e.mirror != nil {
		e.projector = projection.NewProjector(e.mirror, e.logger)
		e.sm.SetSink(e.projector.Sink())
	}

	handler := wire.NewHandler(e.sessions, e.tasks, e.locks, node, e.logger)
	chain := []mw.Middleware{
		mw.Recover(e.logger),
		mw.Tracing(),
		mw.Metrics(),
		mw.Logging(e.logger),
		mw.Timeout(2 * e.cfg.ApplyTimeout),
	}
	chain = append(chain, e.extraMW...)
	handler.Use(chain...)
	e.server = wire.NewServer(e.wireAddr, handler, e.logger)

	node.OnLeaderChange(func(leader bool, term uint64) {
		if leader {
			e.logger.Info("assumed maintenance duty",
				slog.String("node_id", e.nodeID),
				slog.Uint64("term", term),
			)
		}
	})

	return e, nil
}

// Start launches the consensus node, the projector, the wire server,
// and the leader maintenance loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.projector != nil {
		e.projector.Start(ctx)
	}
	if err := e.node.Start(ctx); err != nil {
		return fmt.Errorf("engine: start consensus node: %w", err)
	}
	if err := e.server.Start(); err != nil {
		e.node.Stop()
		return fmt.Errorf("engine: start wire server: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintenanceLoop(ctx)
	}()

	e.logger.Info("engine started",
		slog.String("node_id", e.nodeID),
		slog.String("wire_addr", e.server.Addr()),
	)
	return nil
}

// Stop shuts everything down in reverse order: no new requests, then
// consensus, then the final projection drain.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	var firstErr error
	if err := e.server.Close(); err != nil {
		firstErr = err
	}
	if err := e.node.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.projector != nil {
		if err := e.projector.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// maintenanceLoop runs failure detection and the lease sweep while this
// node is leader. The cluster maintenance lock serializes the sweeps
// across nodes, so a stale leader ticking once more is harmless.
func (e *Engine) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !e.node.IsLeader() {
			continue
		}

		if n, err := e.sessions.DetectAndHandleFailures(ctx); err != nil {
			e.logger.Warn("failure sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			e.logger.Info("failure sweep handled sessions", slog.Int("count", n))
		}

		if n, err := e.tasks.Sweep(ctx); err != nil {
			e.logger.Warn("lease sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			e.logger.Info("lease sweep requeued tasks", slog.Int("count", n))
		}
	}
}

// ── Accessors ──────────────────────────────────

// Sessions returns the session coordinator.
func (e *Engine) Sessions() *session.Coordinator { return e.sessions }

// Tasks returns the task queue service.
func (e *Engine) Tasks() *queue.Queue { return e.tasks }

// Locks returns the lock manager.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// Node returns the consensus node.
func (e *Engine) Node() *raft.Node { return e.node }

// WireAddr returns the bound wire server address.
func (e *Engine) WireAddr() string { return e.server.Addr() }
