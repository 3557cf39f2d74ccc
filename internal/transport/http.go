package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/josedab/pocket-go/internal/protocol"
)

// HTTPConfig configures the request/response transport.
type HTTPConfig struct {
	// BaseURL of the server, e.g. http://localhost:8080. Envelopes POST to
	// BaseURL + "/usp/message".
	BaseURL string

	// RequestTimeout bounds each round-trip.
	RequestTimeout time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTP is the polling transport: every Send is one POST carrying the
// request envelope, answered synchronously with the response envelope.
// There are no server pushes; the engine's pull interval covers for them.
type HTTP struct {
	cfg        HTTPConfig
	httpClient *http.Client

	mu        sync.Mutex
	connected bool
	closed    bool

	cb callbacks
}

// NewHTTP creates the transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &HTTP{cfg: cfg, httpClient: client}
}

func (t *HTTP) OnError(fn func(error))  { t.cb.addError(fn) }
func (t *HTTP) OnDisconnect(fn func())  { t.cb.addDisconnect(fn) }
func (t *HTTP) OnReconnect(fn func())   { t.cb.addReconnect(fn) }
func (t *HTTP) OnServerPush(fn Handler) { t.cb.addServerPush(fn) }

func (t *HTTP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect verifies the server answers a ping.
func (t *HTTP) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	ping, err := protocol.NewEnvelope(protocol.TypePing, nil)
	if err != nil {
		return err
	}
	if _, err := t.roundTrip(ctx, ping); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *HTTP) Disconnect() error {
	t.mu.Lock()
	t.closed = true
	t.connected = false
	t.mu.Unlock()
	return nil
}

// Send performs one round-trip. A transport-level failure marks the
// transport disconnected and fires the hooks; the next successful Send
// marks it reconnected.
func (t *HTTP) Send(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	wasConnected := t.connected
	t.mu.Unlock()

	resp, err := t.roundTrip(ctx, env)
	if err != nil {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.cb.fireError(err)
		if wasConnected {
			t.cb.fireDisconnect()
		}
		return nil, err
	}

	t.mu.Lock()
	reconnected := !t.connected
	t.connected = true
	t.mu.Unlock()
	if reconnected && wasConnected {
		t.cb.fireReconnect()
	}
	return resp, nil
}

func (t *HTTP) roundTrip(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost,
		t.cfg.BaseURL+"/usp/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("round-trip failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	var out protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	return &out, nil
}
