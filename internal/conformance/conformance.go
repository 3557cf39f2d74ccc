// Package conformance is an executable battery of black-box protocol tests
// a candidate USP server must pass. It drives the server through a fresh
// transport per test and reports pass/fail, duration, and an error string
// for each, plus an aggregate compliance verdict.
package conformance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josedab/pocket-go/internal/checkpoint"
	"github.com/josedab/pocket-go/internal/protocol"
	"github.com/josedab/pocket-go/internal/store"
	"github.com/josedab/pocket-go/internal/transport"
	"github.com/josedab/pocket-go/internal/vclock"
)

// Result of one conformance test.
type Result struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Report aggregates a full run.
type Report struct {
	Results   []Result `json:"results"`
	Compliant bool     `json:"compliant"`
}

// Harness drives a candidate server.
type Harness struct {
	// Dial returns a fresh, unconnected transport per test.
	Dial func() transport.Transport

	// AuthToken is the credential a valid handshake presents. When set, the
	// invalid-auth test also runs.
	AuthToken string

	// Collection used for push/pull probes. A throwaway name keeps the
	// probes out of real data.
	Collection string

	// NodeID this harness identifies as.
	NodeID string
}

type check struct {
	name string
	fn   func(ctx context.Context) error
}

// Run executes the battery and aggregates the report.
func (h *Harness) Run(ctx context.Context) *Report {
	if h.Collection == "" {
		h.Collection = "conformance-" + uuid.NewString()[:8]
	}
	if h.NodeID == "" {
		h.NodeID = "conformance-" + uuid.NewString()[:8]
	}

	checks := []check{
		{"handshake", h.checkHandshake},
		{"ping-pong", h.checkPingPong},
		{"version-echo", h.checkVersionEcho},
		{"push-accept", h.checkPushAccept},
		{"pull-since-checkpoint", h.checkPullSinceCheckpoint},
		{"malformed-message-rejected", h.checkMalformedRejected},
	}
	if h.AuthToken != "" {
		checks = append(checks, check{"invalid-auth-rejected", h.checkInvalidAuthRejected})
	}

	report := &Report{Compliant: true}
	for _, c := range checks {
		started := time.Now()
		err := c.fn(ctx)
		r := Result{Name: c.name, Passed: err == nil, Duration: time.Since(started)}
		if err != nil {
			r.Err = err.Error()
			report.Compliant = false
		}
		report.Results = append(report.Results, r)
	}
	return report
}

// dial connects a fresh transport and returns it with a cleanup.
func (h *Harness) dial(ctx context.Context) (transport.Transport, func(), error) {
	tr := h.Dial()
	if err := tr.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return tr, func() { _ = tr.Disconnect() }, nil
}

// handshake opens a session and returns its id.
func (h *Harness) handshake(ctx context.Context, tr transport.Transport) (string, error) {
	env, err := protocol.NewEnvelope(protocol.TypeHandshake, protocol.HandshakePayload{
		NodeID:      h.NodeID,
		Collections: []string{h.Collection},
		Auth:        h.AuthToken,
	})
	if err != nil {
		return "", err
	}
	resp, err := tr.Send(ctx, env)
	if err != nil {
		return "", err
	}
	if resp.Type != protocol.TypeHandshakeAck {
		return "", fmt.Errorf("expected handshake-ack, got %s", resp.Type)
	}
	var ack protocol.HandshakeAckPayload
	if err := protocol.DecodePayload(resp, &ack); err != nil {
		return "", err
	}
	if ack.SessionID == "" {
		return "", fmt.Errorf("handshake-ack carries no session_id")
	}
	return ack.SessionID, nil
}

func (h *Harness) checkHandshake(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()
	_, err = h.handshake(ctx, tr)
	return err
}

func (h *Harness) checkInvalidAuthRejected(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()

	env, err := protocol.NewEnvelope(protocol.TypeHandshake, protocol.HandshakePayload{
		NodeID: h.NodeID,
		Auth:   "invalid-" + uuid.NewString(),
	})
	if err != nil {
		return err
	}
	resp, err := tr.Send(ctx, env)
	if err != nil {
		return err
	}
	if resp.Type != protocol.TypeError {
		return fmt.Errorf("server accepted an invalid credential (got %s)", resp.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.DecodePayload(resp, &ep); err != nil {
		return err
	}
	if ep.Retriable {
		return fmt.Errorf("auth rejection must not be marked retriable")
	}
	return nil
}

func (h *Harness) checkPingPong(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()

	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	if err != nil {
		return err
	}
	resp, err := tr.Send(ctx, env)
	if err != nil {
		return err
	}
	if resp.Type != protocol.TypePong {
		return fmt.Errorf("expected pong, got %s", resp.Type)
	}
	return nil
}

func (h *Harness) checkVersionEcho(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()

	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	if err != nil {
		return err
	}
	resp, err := tr.Send(ctx, env)
	if err != nil {
		return err
	}
	if resp.Version != protocol.Version {
		return fmt.Errorf("expected version %s in reply, got %q", protocol.Version, resp.Version)
	}
	if resp.ID != env.ID {
		return fmt.Errorf("reply id %q does not correlate to request id %q", resp.ID, env.ID)
	}
	return nil
}

func (h *Harness) probeDoc(id string) store.Document {
	doc := store.Document{store.FieldID: id, "probe": true}
	doc.SetRev("1-" + uuid.NewString()[:12])
	doc.SetClock(vclock.Clock{h.NodeID: 1})
	doc.SetUpdatedAt(time.Now().UnixMilli())
	return doc
}

func (h *Harness) push(ctx context.Context, tr transport.Transport, sessionID, docID string) (*protocol.PushAckPayload, error) {
	doc := h.probeDoc(docID)
	env, err := protocol.NewEnvelope(protocol.TypePush, protocol.PushPayload{
		SessionID:  sessionID,
		Collection: h.Collection,
		Changes: []protocol.ChangeRecord{{
			Collection: h.Collection,
			DocumentID: docID,
			Operation:  store.OpInsert,
			Document:   doc,
			Timestamp:  time.Now().UnixMilli(),
			NodeID:     h.NodeID,
			VClock:     doc.Clock(),
		}},
	})
	if err != nil {
		return nil, err
	}
	resp, err := tr.Send(ctx, env)
	if err != nil {
		return nil, err
	}
	if resp.Type != protocol.TypePushAck {
		return nil, fmt.Errorf("expected push-ack, got %s", resp.Type)
	}
	var ack protocol.PushAckPayload
	if err := protocol.DecodePayload(resp, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (h *Harness) checkPushAccept(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()

	sessionID, err := h.handshake(ctx, tr)
	if err != nil {
		return err
	}
	docID := "push-" + uuid.NewString()[:8]
	ack, err := h.push(ctx, tr, sessionID, docID)
	if err != nil {
		return err
	}
	for _, accepted := range ack.Accepted {
		if accepted == docID {
			return nil
		}
	}
	return fmt.Errorf("push-ack does not list %s as accepted", docID)
}

func (h *Harness) checkPullSinceCheckpoint(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()

	sessionID, err := h.handshake(ctx, tr)
	if err != nil {
		return err
	}

	first := "pull-a-" + uuid.NewString()[:8]
	second := "pull-b-" + uuid.NewString()[:8]
	if _, err := h.push(ctx, tr, sessionID, first); err != nil {
		return err
	}
	if _, err := h.push(ctx, tr, sessionID, second); err != nil {
		return err
	}

	pull := func(snap checkpoint.Snapshot) (*protocol.PullResponsePayload, error) {
		env, err := protocol.NewEnvelope(protocol.TypePull, protocol.PullPayload{
			SessionID:   sessionID,
			Collections: []string{h.Collection},
			Checkpoint:  snap,
		})
		if err != nil {
			return nil, err
		}
		resp, err := tr.Send(ctx, env)
		if err != nil {
			return nil, err
		}
		if resp.Type != protocol.TypePullResponse {
			return nil, fmt.Errorf("expected pull-response, got %s", resp.Type)
		}
		var pr protocol.PullResponsePayload
		if err := protocol.DecodePayload(resp, &pr); err != nil {
			return nil, err
		}
		return &pr, nil
	}

	// From scratch: both changes come back, in sequence order.
	pr, err := pull(checkpoint.Snapshot{Sequences: map[string]uint64{}})
	if err != nil {
		return err
	}
	changes, err := pr.CollectionChanges(h.Collection)
	if err != nil {
		return err
	}
	if len(changes) < 2 {
		return fmt.Errorf("expected at least 2 changes from empty checkpoint, got %d", len(changes))
	}
	for i := 1; i < len(changes); i++ {
		if changes[i].Sequence <= changes[i-1].Sequence {
			return fmt.Errorf("changes not in ascending sequence order")
		}
	}

	// From the returned checkpoint: nothing new.
	pr2, err := pull(pr.Checkpoint)
	if err != nil {
		return err
	}
	more, err := pr2.CollectionChanges(h.Collection)
	if err != nil {
		return err
	}
	if len(more) != 0 {
		return fmt.Errorf("server re-sent %d changes already covered by the checkpoint", len(more))
	}
	return nil
}

func (h *Harness) checkMalformedRejected(ctx context.Context) error {
	tr, done, err := h.dial(ctx)
	if err != nil {
		return err
	}
	defer done()

	// A push without a payload is structurally invalid.
	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	if err != nil {
		return err
	}
	env.Type = protocol.TypePush

	resp, err := tr.Send(ctx, env)
	if err != nil {
		return err
	}
	if resp.Type != protocol.TypeError {
		return fmt.Errorf("malformed push answered with %s, want error", resp.Type)
	}
	return nil
}
