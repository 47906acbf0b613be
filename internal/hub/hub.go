// Package hub owns the live real-time endpoints of this node and delivers
// envelopes to them, forwarding to other nodes when a Remote is attached.
package hub

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrEndpointBusy     = errors.New("endpoint send buffer full")
)

// Remote forwards an envelope to an endpoint owned by another node.
type Remote interface {
	Publish(ctx context.Context, nodeID, endpointID string, env realtime.Envelope) error
}

// Endpoint is one live connection. The connection's writer drains Outbound
// until Done is closed.
type Endpoint struct {
	ID     string
	UserID string

	send      chan realtime.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (e *Endpoint) Outbound() <-chan realtime.Envelope {
	return e.send
}

func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Hub tracks the endpoints opened on this node.
type Hub struct {
	nodeID string
	buffer int
	log    *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	remote    Remote
}

// New creates a hub for nodeID. buffer bounds each endpoint's pending frames.
func New(nodeID string, buffer int, log *zap.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		nodeID:    nodeID,
		buffer:    buffer,
		log:       logger.OrNop(log),
		endpoints: make(map[string]*Endpoint),
	}
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

// SetRemote attaches cross-node forwarding.
func (h *Hub) SetRemote(r Remote) {
	h.mu.Lock()
	h.remote = r
	h.mu.Unlock()
}

// Open allocates an endpoint id of the form <nodeID>.<uuid> for userID.
func (h *Hub) Open(userID string) *Endpoint {
	ep := &Endpoint{
		ID:     h.nodeID + "." + uuid.NewString(),
		UserID: userID,
		send:   make(chan realtime.Envelope, h.buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.endpoints[ep.ID] = ep
	h.mu.Unlock()

	return ep
}

// Close forgets the endpoint and signals its writer. Unknown ids are ignored.
func (h *Hub) Close(endpointID string) {
	h.mu.Lock()
	ep, ok := h.endpoints[endpointID]
	delete(h.endpoints, endpointID)
	h.mu.Unlock()

	if ok {
		ep.close()
	}
}

// Shutdown closes every local endpoint.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	endpoints := h.endpoints
	h.endpoints = make(map[string]*Endpoint)
	h.mu.Unlock()

	for _, ep := range endpoints {
		ep.close()
	}
}

// Len returns the number of local endpoints.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

// Deliver queues env for endpointID without blocking. Endpoints owned by
// another node go through the Remote.
func (h *Hub) Deliver(ctx context.Context, endpointID string, env realtime.Envelope) error {
	h.mu.RLock()
	ep, ok := h.endpoints[endpointID]
	remote := h.remote
	h.mu.RUnlock()

	if ok {
		return enqueue(ep, env)
	}

	node := NodeOf(endpointID)
	if node == "" || node == h.nodeID || remote == nil {
		return ErrEndpointNotFound
	}
	return remote.Publish(ctx, node, endpointID, env)
}

// DeliverLocal queues env only if endpointID lives on this node.
func (h *Hub) DeliverLocal(endpointID string, env realtime.Envelope) error {
	h.mu.RLock()
	ep, ok := h.endpoints[endpointID]
	h.mu.RUnlock()

	if !ok {
		return ErrEndpointNotFound
	}
	return enqueue(ep, env)
}

func enqueue(ep *Endpoint, env realtime.Envelope) error {
	select {
	case <-ep.done:
		return ErrEndpointNotFound
	default:
	}

	select {
	case ep.send <- env:
		return nil
	default:
		return ErrEndpointBusy
	}
}

// NodeOf extracts the owning node from an endpoint id.
func NodeOf(endpointID string) string {
	node, _, ok := strings.Cut(endpointID, ".")
	if !ok {
		return ""
	}
	return node
}
