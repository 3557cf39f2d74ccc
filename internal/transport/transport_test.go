package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/josedab/pocket-go/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorResolveMatchesByID(t *testing.T) {
	c := newCorrelator()
	ch := c.add("req-1")

	resolved := c.resolve(&protocol.Envelope{ID: "req-1", Type: protocol.TypePong})
	assert.True(t, resolved)
	env := <-ch
	assert.Equal(t, protocol.TypePong, env.Type)

	// Unknown ids are server pushes, not completions.
	assert.False(t, c.resolve(&protocol.Envelope{ID: "req-2"}))
}

func TestCorrelatorDrop(t *testing.T) {
	c := newCorrelator()
	c.add("req-1")
	c.drop("req-1")
	assert.False(t, c.resolve(&protocol.Envelope{ID: "req-1"}))
}

func TestCorrelatorFailAll(t *testing.T) {
	c := newCorrelator()
	ch := c.add("req-1")
	c.failAll()
	_, ok := <-ch
	assert.False(t, ok, "dangling completions close on connection loss")
}

// pongServer answers every envelope with a pong correlated to it.
func pongServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env protocol.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		resp, err := protocol.NewReply(env.ID, protocol.TypePong, nil)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	srv := pongServer(t)
	defer srv.Close()

	tr := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Connected())

	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	require.NoError(t, err)
	resp, err := tr.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, resp.Type)
	assert.Equal(t, env.ID, resp.ID)

	require.NoError(t, tr.Disconnect())
	_, err = tr.Send(context.Background(), env)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPTransportFailureMarksDisconnected(t *testing.T) {
	srv := pongServer(t)
	tr := NewHTTP(HTTPConfig{BaseURL: srv.URL, RequestTimeout: time.Second})
	require.NoError(t, tr.Connect(context.Background()))

	disconnects := 0
	tr.OnDisconnect(func() { disconnects++ })

	srv.Close()
	env, _ := protocol.NewEnvelope(protocol.TypePing, nil)
	_, err := tr.Send(context.Background(), env)
	require.Error(t, err)
	assert.False(t, tr.Connected())
	assert.Equal(t, 1, disconnects)
}

// wsEchoServer answers every valid envelope with a correlated pong and can
// push unsolicited messages.
func wsEchoServer(t *testing.T, push chan *protocol.Envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		go func() {
			for env := range push {
				data, _ := json.Marshal(env)
				if conn.Write(ctx, websocket.MessageText, data) != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			resp, _ := protocol.NewReply(env.ID, protocol.TypePong, nil)
			out, _ := json.Marshal(resp)
			if conn.Write(ctx, websocket.MessageText, out) != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketSendReceivesCorrelatedResponse(t *testing.T) {
	push := make(chan *protocol.Envelope)
	defer close(push)
	srv := wsEchoServer(t, push)
	defer srv.Close()

	tr := NewWebSocket(WebSocketConfig{URL: wsURL(srv.URL), RequestTimeout: 2 * time.Second})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()
	assert.True(t, tr.Connected())

	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	require.NoError(t, err)
	resp, err := tr.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, resp.Type)
	assert.Equal(t, env.ID, resp.ID)
}

func TestWebSocketServerPushReachesHandler(t *testing.T) {
	push := make(chan *protocol.Envelope)
	defer close(push)
	srv := wsEchoServer(t, push)
	defer srv.Close()

	tr := NewWebSocket(WebSocketConfig{URL: wsURL(srv.URL), RequestTimeout: 2 * time.Second})
	got := make(chan *protocol.Envelope, 1)
	tr.OnServerPush(func(env *protocol.Envelope) { got <- env })

	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	pushed, err := protocol.NewEnvelope(protocol.TypePullResponse, protocol.PullResponsePayload{
		Changes: map[string][]protocol.ChangeRecord{},
	})
	require.NoError(t, err)
	push <- pushed

	select {
	case env := <-got:
		assert.Equal(t, protocol.TypePullResponse, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("server push never reached the handler")
	}
}

func TestWebSocketSendTimesOutWithoutResponse(t *testing.T) {
	// A server that accepts but never answers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewWebSocket(WebSocketConfig{URL: wsURL(srv.URL), RequestTimeout: 200 * time.Millisecond})
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Disconnect()

	env, _ := protocol.NewEnvelope(protocol.TypePing, nil)
	_, err := tr.Send(context.Background(), env)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}
