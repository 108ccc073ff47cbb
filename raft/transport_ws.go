package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/vmihailenco/msgpack/v5"
)

// rpc kinds carried on the wire.
const (
	rpcRequestVote     = "raft.request_vote"
	rpcAppendEntries   = "raft.append_entries"
	rpcInstallSnapshot = "raft.install_snapshot"
)

// rpcEnvelope frames one RPC message on a peer link. Request/response
// correlation uses ID; Error is set on failed responses.
type rpcEnvelope struct {
	ID       uint64 `msgpack:"id"`
	Kind     string `msgpack:"kind"`
	From     string `msgpack:"from"`
	Response bool   `msgpack:"response"`
	Error    string `msgpack:"error,omitempty"`
	Payload  []byte `msgpack:"payload,omitempty"`
}

// wsPeerState tracks the connection state of an outgoing peer link.
type wsPeerState string

const (
	wsPeerConnected    wsPeerState = "connected"
	wsPeerDisconnected wsPeerState = "disconnected"
	wsPeerConnecting   wsPeerState = "connecting"
)

// wsPeer is one outgoing link to a cluster member.
type wsPeer struct {
	id  string
	url string

	mu    sync.RWMutex
	state wsPeerState
	conn  net.Conn

	// pending tracks request-response correlation.
	pending sync.Map // envelope ID → chan *rpcEnvelope
}

// WSTransport carries consensus RPCs over a mesh of WebSocket links.
// Each node runs an HTTP listener for incoming links and dials one
// outgoing link per peer, reconnecting with exponential backoff when a
// link drops.
type WSTransport struct {
	localID string
	addr    string
	logger  *slog.Logger

	peers sync.Map // peerID → *wsPeer

	mu      sync.RWMutex
	handler RPCHandler

	reconnectBackoff time.Duration
	maxReconnect     time.Duration
	rpcTimeout       time.Duration

	nextID atomic.Uint64

	server *http.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WSTransportOption configures a WSTransport.
type WSTransportOption func(*WSTransport)

// WithRPCTimeout sets the per-RPC response deadline.
func WithRPCTimeout(d time.Duration) WSTransportOption {
	return func(t *WSTransport) { t.rpcTimeout = d }
}

// WithReconnectBackoff sets the initial and maximum reconnect delays.
func WithReconnectBackoff(initial, max time.Duration) WSTransportOption {
	return func(t *WSTransport) {
		t.reconnectBackoff = initial
		t.maxReconnect = max
	}
}

// NewWSTransport creates a transport listening on addr for the node
// localID. peers maps peer IDs to their WebSocket URLs.
func NewWSTransport(localID, addr string, peers map[string]string, logger *slog.Logger, opts ...WSTransportOption) *WSTransport {
	t := &WSTransport{
		localID:          localID,
		addr:             addr,
		logger:           logger,
		reconnectBackoff: 250 * time.Millisecond,
		maxReconnect:     5 * time.Second,
		rpcTimeout:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	for id, url := range peers {
		t.peers.Store(id, &wsPeer{id: id, url: url, state: wsPeerDisconnected})
	}
	return t
}

func (t *WSTransport) SetHandler(h RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Start opens the listener and dials all peers. Peers that are not up
// yet are retried in the background.
func (t *WSTransport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("raft: listen %s: %w", t.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/raft", t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if serveErr := t.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			t.logger.Error("raft transport server failed", slog.String("error", serveErr.Error()))
		}
	}()

	t.peers.Range(func(_, value any) bool {
		peer := value.(*wsPeer)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.maintainPeer(ctx, peer)
		}()
		return true
	})
	return nil
}

func (t *WSTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	var err error
	if t.server != nil {
		err = t.server.Close()
	}
	t.peers.Range(func(_, value any) bool {
		peer := value.(*wsPeer)
		peer.mu.Lock()
		if peer.conn != nil {
			peer.conn.Close()
			peer.conn = nil
		}
		peer.state = wsPeerDisconnected
		peer.mu.Unlock()
		return true
	})
	t.wg.Wait()
	return err
}

// ── Outgoing links ─────────────────────────────

// maintainPeer keeps the outgoing link to peer alive, reconnecting with
// exponential backoff.
func (t *WSTransport) maintainPeer(ctx context.Context, peer *wsPeer) {
	backoff := t.reconnectBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		peer.mu.RLock()
		state := peer.state
		peer.mu.RUnlock()

		if state == wsPeerConnected {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		if err := t.connectPeer(ctx, peer); err != nil {
			t.logger.Debug("raft peer dial failed",
				slog.String("peer_id", peer.id),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, t.maxReconnect)
			continue
		}
		backoff = t.reconnectBackoff
	}
}

func (t *WSTransport) connectPeer(ctx context.Context, peer *wsPeer) error {
	peer.mu.Lock()
	peer.state = wsPeerConnecting
	peer.mu.Unlock()

	conn, _, _, err := ws.Dial(ctx, peer.url)
	if err != nil {
		peer.mu.Lock()
		peer.state = wsPeerDisconnected
		peer.mu.Unlock()
		return err
	}

	peer.mu.Lock()
	peer.conn = conn
	peer.state = wsPeerConnected
	peer.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.peerReadLoop(peer)
	}()

	t.logger.Info("raft peer connected",
		slog.String("peer_id", peer.id),
		slog.String("url", peer.url),
	)
	return nil
}

// peerReadLoop consumes responses on an outgoing link and resolves
// pending requests.
func (t *WSTransport) peerReadLoop(peer *wsPeer) {
	for {
		peer.mu.RLock()
		conn := peer.conn
		state := peer.state
		peer.mu.RUnlock()

		if conn == nil || state != wsPeerConnected {
			return
		}

		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			peer.mu.Lock()
			if peer.conn != nil {
				peer.conn.Close()
				peer.conn = nil
			}
			peer.state = wsPeerDisconnected
			peer.mu.Unlock()
			return
		}

		var env rpcEnvelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			continue
		}
		if !env.Response {
			continue
		}
		if val, ok := peer.pending.LoadAndDelete(env.ID); ok {
			val.(chan *rpcEnvelope) <- &env
		}
	}
}

// ── Incoming links ─────────────────────────────

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer conn.Close()
		t.serveConn(conn)
	}()
}

// serveConn answers RPCs arriving on an incoming link.
func (t *WSTransport) serveConn(conn net.Conn) {
	for {
		data, err := wsutil.ReadClientBinary(conn)
		if err != nil {
			return
		}

		var env rpcEnvelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Response {
			continue
		}

		resp := t.dispatchRPC(&env)
		out, err := msgpack.Marshal(resp)
		if err != nil {
			continue
		}
		if err := wsutil.WriteServerBinary(conn, out); err != nil {
			return
		}
	}
}

func (t *WSTransport) dispatchRPC(env *rpcEnvelope) *rpcEnvelope {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()

	resp := &rpcEnvelope{ID: env.ID, Kind: env.Kind, From: t.localID, Response: true}
	if h == nil {
		resp.Error = "node not ready"
		return resp
	}

	var result any
	switch env.Kind {
	case rpcRequestVote:
		var req RequestVoteRequest
		if err := msgpack.Unmarshal(env.Payload, &req); err != nil {
			resp.Error = "bad request_vote payload"
			return resp
		}
		result = h.HandleRequestVote(&req)
	case rpcAppendEntries:
		var req AppendEntriesRequest
		if err := msgpack.Unmarshal(env.Payload, &req); err != nil {
			resp.Error = "bad append_entries payload"
			return resp
		}
		result = h.HandleAppendEntries(&req)
	case rpcInstallSnapshot:
		var req InstallSnapshotRequest
		if err := msgpack.Unmarshal(env.Payload, &req); err != nil {
			resp.Error = "bad install_snapshot payload"
			return resp
		}
		result = h.HandleInstallSnapshot(&req)
	default:
		resp.Error = "unknown rpc kind " + env.Kind
		return resp
	}

	payload, err := msgpack.Marshal(result)
	if err != nil {
		resp.Error = "encode response: " + err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}

// ── Request/response ───────────────────────────

func (t *WSTransport) roundTrip(ctx context.Context, peerID, kind string, req any) ([]byte, error) {
	val, ok := t.peers.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("raft: unknown peer %q", peerID)
	}
	peer := val.(*wsPeer)

	peer.mu.RLock()
	conn := peer.conn
	state := peer.state
	peer.mu.RUnlock()

	if conn == nil || state != wsPeerConnected {
		return nil, fmt.Errorf("raft: peer %q not connected", peerID)
	}

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("raft: encode %s: %w", kind, err)
	}

	id := t.nextID.Add(1)
	env := &rpcEnvelope{ID: id, Kind: kind, From: t.localID, Payload: payload}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("raft: encode envelope: %w", err)
	}

	ch := make(chan *rpcEnvelope, 1)
	peer.pending.Store(id, ch)
	defer peer.pending.Delete(id)

	if err := wsutil.WriteClientBinary(conn, data); err != nil {
		return nil, fmt.Errorf("raft: write %s to %q: %w", kind, peerID, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("raft: peer %q: %s", peerID, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.rpcTimeout):
		return nil, fmt.Errorf("raft: %s to %q timed out", kind, peerID)
	}
}

func (t *WSTransport) RequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	payload, err := t.roundTrip(ctx, peerID, rpcRequestVote, req)
	if err != nil {
		return nil, err
	}
	var resp RequestVoteResponse
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("raft: decode request_vote response: %w", err)
	}
	return &resp, nil
}

func (t *WSTransport) AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	payload, err := t.roundTrip(ctx, peerID, rpcAppendEntries, req)
	if err != nil {
		return nil, err
	}
	var resp AppendEntriesResponse
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("raft: decode append_entries response: %w", err)
	}
	return &resp, nil
}

func (t *WSTransport) InstallSnapshot(ctx context.Context, peerID string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	payload, err := t.roundTrip(ctx, peerID, rpcInstallSnapshot, req)
	if err != nil {
		return nil, err
	}
	var resp InstallSnapshotResponse
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("raft: decode install_snapshot response: %w", err)
	}
	return &resp, nil
}
