package raft

import (
	"context"
	"fmt"
	"sync"
)

// InmemNetwork connects InmemTransports in one process. Tests use it to
// run multi-node clusters without sockets, and to partition nodes by
// cutting individual links.
type InmemNetwork struct {
	mu         sync.RWMutex
	transports map[string]*InmemTransport
	cut        map[string]bool // "from→to" links that drop RPCs
}

// NewInmemNetwork returns an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		transports: make(map[string]*InmemTransport),
		cut:        make(map[string]bool),
	}
}

// Transport creates and registers a transport for id.
func (n *InmemNetwork) Transport(id string) *InmemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &InmemTransport{id: id, network: n}
	n.transports[id] = t
	return t
}

// Partition cuts both directions between id and every other node.
func (n *InmemNetwork) Partition(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		if other == id {
			continue
		}
		n.cut[id+"→"+other] = true
		n.cut[other+"→"+id] = true
	}
}

// Heal restores all links to and from id.
func (n *InmemNetwork) Heal(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.transports {
		delete(n.cut, id+"→"+other)
		delete(n.cut, other+"→"+id)
	}
}

func (n *InmemNetwork) dispatch(from, to string) (*InmemTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[from+"→"+to] {
		return nil, fmt.Errorf("raft: link %s to %s unreachable", from, to)
	}
	t, ok := n.transports[to]
	if !ok {
		return nil, fmt.Errorf("raft: unknown peer %q", to)
	}
	return t, nil
}

// InmemTransport delivers RPCs by direct handler calls through an
// InmemNetwork.
type InmemTransport struct {
	id      string
	network *InmemNetwork

	mu      sync.RWMutex
	handler RPCHandler
}

func (t *InmemTransport) SetHandler(h RPCHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *InmemTransport) Start(context.Context) error { return nil }

func (t *InmemTransport) Close() error { return nil }

func (t *InmemTransport) remoteHandler(peerID string) (RPCHandler, error) {
	peer, err := t.network.dispatch(t.id, peerID)
	if err != nil {
		return nil, err
	}
	peer.mu.RLock()
	h := peer.handler
	peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("raft: peer %q has no handler", peerID)
	}
	return h, nil
}

func (t *InmemTransport) RequestVote(ctx context.Context, peerID string, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.remoteHandler(peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(req), nil
}

func (t *InmemTransport) AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.remoteHandler(peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(req), nil
}

func (t *InmemTransport) InstallSnapshot(ctx context.Context, peerID string, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := t.remoteHandler(peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(req), nil
}
