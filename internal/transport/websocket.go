package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/josedab/pocket-go/internal/protocol"
)

// WebSocketConfig configures the streaming transport.
type WebSocketConfig struct {
	// URL of the server's websocket endpoint, e.g. ws://host/usp/ws.
	URL string

	// RequestTimeout bounds each Send round-trip.
	RequestTimeout time.Duration

	// ReconnectInitial and ReconnectMax shape the reconnect backoff curve.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Logger *slog.Logger
}

// WebSocket is the streaming transport: one reader goroutine dispatching
// responses and server pushes, writes serialised through a single mutex, and
// automatic reconnection with exponential backoff. Outbound frames queued
// while the link is down are flushed after reconnect, so a Send issued
// during an outage can still complete within its deadline.
type WebSocket struct {
	cfg WebSocketConfig

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	outbox    [][]byte // frames awaiting a live connection

	writeMu sync.Mutex // single-writer over the wire

	corr *correlator
	cb   callbacks
	log  *slog.Logger

	readerCtx    context.Context
	readerCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewWebSocket creates the transport; Connect establishes the link.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &WebSocket{
		cfg:  cfg,
		corr: newCorrelator(),
		log:  log.With("component", "ws-transport"),
	}
}

func (t *WebSocket) OnError(fn func(error))  { t.cb.addError(fn) }
func (t *WebSocket) OnDisconnect(fn func())  { t.cb.addDisconnect(fn) }
func (t *WebSocket) OnReconnect(fn func())   { t.cb.addReconnect(fn) }
func (t *WebSocket) OnServerPush(fn Handler) { t.cb.addServerPush(fn) }

// Connected reports whether the link is currently up.
func (t *WebSocket) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect dials the server and starts the reader.
func (t *WebSocket) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}
	conn.SetReadLimit(32 << 20)

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.readerCtx, t.readerCancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	t.startReader(conn)
	t.flushOutbox(conn)
	return nil
}

// Disconnect closes the link for good: no reconnect is attempted and every
// pending request fails.
func (t *WebSocket) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	t.conn = nil
	cancel := t.readerCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	t.corr.failAll()
	t.wg.Wait()
	return nil
}

// Send transmits env and waits for the envelope that answers it.
//
// If the link is down the frame is queued; it goes out on reconnect. Either
// way the call blocks until the correlated response arrives, the per-request
// deadline passes, or ctx ends.
func (t *WebSocket) Send(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	ch := t.corr.add(env.ID)

	if err := t.writeOrQueue(ctx, data); err != nil {
		t.corr.drop(env.ID)
		return nil, err
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		t.corr.drop(env.ID)
		return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, env.Type, env.ID)
	case <-ctx.Done():
		t.corr.drop(env.ID)
		return nil, ctx.Err()
	}
}

// writeOrQueue writes the frame when connected, otherwise parks it in the
// outbox for the next reconnect.
func (t *WebSocket) writeOrQueue(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	if !connected {
		t.outbox = append(t.outbox, data)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (t *WebSocket) flushOutbox(conn *websocket.Conn) {
	t.mu.Lock()
	frames := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, frame := range frames {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		err := conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			t.log.Warn("flush queued frame failed", "error", err)
			return
		}
	}
}

func (t *WebSocket) startReader(conn *websocket.Conn) {
	t.mu.Lock()
	ctx := t.readerCtx
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx, conn)
	}()
}

// readLoop dispatches every inbound frame: correlated responses complete
// their Send, everything else is a server push. On read failure the loop
// hands off to the reconnect cycle unless the transport was closed.
func (t *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleConnectionLoss(err)
			return
		}

		env, perr := protocol.ParseEnvelope(data)
		if perr != nil {
			t.log.Warn("dropping invalid frame", "code", perr.Code, "error", perr.Message)
			t.cb.fireError(perr)
			continue
		}

		if t.corr.resolve(env) {
			continue
		}
		t.cb.fireServerPush(env)
	}
}

func (t *WebSocket) handleConnectionLoss(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.conn = nil
	t.mu.Unlock()

	t.log.Info("connection lost", "error", cause)
	t.cb.fireError(cause)
	t.cb.fireDisconnect()
	// Requests already on the wire can never complete.
	t.corr.failAll()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reconnectLoop()
	}()
}

// reconnectLoop redials forever with exponential backoff capped at the
// configured ceiling, stopping only when the transport is closed.
func (t *WebSocket) reconnectLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.ReconnectInitial
	bo.MaxInterval = t.cfg.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		wait := bo.NextBackOff()
		t.log.Debug("reconnecting", "in", wait)

		timer := time.NewTimer(wait)
		t.mu.Lock()
		ctx := t.readerCtx
		t.mu.Unlock()
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		conn, _, err := websocket.Dial(dialCtx, t.cfg.URL, nil)
		cancel()
		if err != nil {
			t.log.Debug("reconnect failed", "error", err)
			continue
		}
		conn.SetReadLimit(32 << 20)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "closed during reconnect")
			return
		}
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		t.log.Info("reconnected")
		t.startReader(conn)
		t.cb.fireReconnect()
		t.flushOutbox(conn)
		return
	}
}
