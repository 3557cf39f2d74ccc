// Package transport carries USP envelopes between the sync engine and a
// server.
//
// The engine consumes one interface regardless of substrate:
//
//   - WebSocket: a long-lived bidirectional stream. Responses are correlated
//     to requests by envelope id, the server may push unsolicited messages,
//     and the connection heals itself with exponential backoff.
//   - HTTP: one POST round-trip per Send. No server pushes; the engine
//     compensates with its pull interval.
//
// Transports are single-writer: the engine serialises sends, and the
// websocket implementation additionally guards its writer so reconnect
// flushes cannot interleave with request frames.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/josedab/pocket-go/internal/protocol"
)

// Errors shared by implementations.
var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrClosed         = errors.New("transport: closed")
	ErrRequestTimeout = errors.New("transport: request deadline exceeded")
)

// DefaultRequestTimeout bounds one request/response exchange.
const DefaultRequestTimeout = 15 * time.Second

// Handler consumes a server-initiated message.
type Handler func(env *protocol.Envelope)

// Transport is the surface the sync engine drives.
type Transport interface {
	// Connect establishes the link. Safe to call once; Disconnect ends it.
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool

	// Send transmits a request and blocks for the correlated response, up
	// to the per-request deadline.
	Send(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)

	// Event hooks. Registration must happen before Connect.
	OnError(fn func(error))
	OnDisconnect(fn func())
	OnReconnect(fn func())
	OnServerPush(fn Handler)
}

// ─── Correlation table ────────────────────────────────────────────────────────

// correlator maps envelope ids to the channel waiting for their response.
// One entry per outstanding request; entries are removed on resolution,
// timeout, or connection loss.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]chan *protocol.Envelope)}
}

// add registers a pending request and returns its completion channel.
func (c *correlator) add(id string) chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// resolve completes the pending request matching env's id. It reports false
// when no request is waiting, which marks env as a server push.
func (c *correlator) resolve(env *protocol.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// drop abandons a pending request (deadline exceeded, caller gone).
func (c *correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll closes every pending completion. Dangling requests observe a nil
// envelope and surface the connection error.
func (c *correlator) failAll() {
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// callbacks is the shared hook registry.
type callbacks struct {
	mu           sync.Mutex
	onError      []func(error)
	onDisconnect []func()
	onReconnect  []func()
	onServerPush []Handler
}

func (cb *callbacks) addError(fn func(error)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onError = append(cb.onError, fn)
}

func (cb *callbacks) addDisconnect(fn func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onDisconnect = append(cb.onDisconnect, fn)
}

func (cb *callbacks) addReconnect(fn func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReconnect = append(cb.onReconnect, fn)
}

func (cb *callbacks) addServerPush(fn Handler) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onServerPush = append(cb.onServerPush, fn)
}

func (cb *callbacks) fireError(err error) {
	cb.mu.Lock()
	fns := append(([]func(error))(nil), cb.onError...)
	cb.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (cb *callbacks) fireDisconnect() {
	cb.mu.Lock()
	fns := append(([]func())(nil), cb.onDisconnect...)
	cb.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (cb *callbacks) fireReconnect() {
	cb.mu.Lock()
	fns := append(([]func())(nil), cb.onReconnect...)
	cb.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (cb *callbacks) fireServerPush(env *protocol.Envelope) {
	cb.mu.Lock()
	fns := append([]Handler(nil), cb.onServerPush...)
	cb.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}
