// Package protocol defines the Universal Sync Protocol (USP): the message
// envelope, the typed payloads, structural validation, and the batch
// compression codec.
//
// Every message shares one envelope:
//
//	{"protocol":"usp","version":"1.0.0","type":"push","id":"…","timestamp":…,"payload":{…}}
//
// The envelope id correlates requests with responses; the payload shape is
// determined by the type. Unknown protocol/version combinations are rejected
// with an error envelope rather than guessed at.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/josedab/pocket-go/internal/checkpoint"
	"github.com/josedab/pocket-go/internal/store"
)

const (
	// ProtocolName identifies USP on the wire.
	ProtocolName = "usp"
	// Version is the protocol version this implementation speaks.
	Version = "1.0.0"
)

// Message types.
const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake-ack"
	TypePush         = "push"
	TypePushAck      = "push-ack"
	TypePull         = "pull"
	TypePullResponse = "pull-response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Envelope is the frame around every USP message.
type Envelope struct {
	Protocol  string          `json:"protocol"`
	Version   string          `json:"version"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ─── Payloads ─────────────────────────────────────────────────────────────────

// HandshakePayload opens a session.
type HandshakePayload struct {
	NodeID       string   `json:"node_id"`
	Collections  []string `json:"collections"`
	Capabilities []string `json:"capabilities"`
	Auth         string   `json:"auth,omitempty"`
}

// HandshakeAckPayload confirms a session.
type HandshakeAckPayload struct {
	SessionID           string   `json:"session_id"`
	ServerNodeID        string   `json:"server_node_id"`
	AcceptedCollections []string `json:"accepted_collections"`
}

// PushPayload carries a batch of local changes for one collection. Exactly
// one of Changes and Packed is set; Packed holds the compressed batch (see
// PackChanges).
type PushPayload struct {
	SessionID  string              `json:"session_id"`
	Collection string              `json:"collection"`
	Changes    []ChangeRecord      `json:"changes,omitempty"`
	Packed     []byte              `json:"packed,omitempty"`
	Checkpoint checkpoint.Snapshot `json:"checkpoint"`
}

// ChangeSet returns the payload's changes, unpacking if compressed.
func (p *PushPayload) ChangeSet() ([]ChangeRecord, error) {
	if p.Packed != nil {
		return UnpackChanges(p.Packed)
	}
	return p.Changes, nil
}

// Conflict reports a document the server could not accept, together with the
// server's copy so the client can resolve.
type Conflict struct {
	DocumentID     string         `json:"document_id"`
	ServerDocument store.Document `json:"server_document"`
}

// PushAckPayload answers a push.
type PushAckPayload struct {
	Accepted   []string            `json:"accepted"`
	Conflicts  []Conflict          `json:"conflicts,omitempty"`
	Checkpoint checkpoint.Snapshot `json:"checkpoint"`
}

// PullPayload asks for changes after the supplied checkpoint.
type PullPayload struct {
	SessionID   string              `json:"session_id"`
	Collections []string            `json:"collections"`
	Checkpoint  checkpoint.Snapshot `json:"checkpoint"`
	Limit       int                 `json:"limit,omitempty"`
}

// PullResponsePayload returns changes per collection in server-sequence
// order. HasMore signals that another pull with the updated checkpoint will
// return further changes.
type PullResponsePayload struct {
	Changes    map[string][]ChangeRecord `json:"changes"`
	Packed     map[string][]byte         `json:"packed,omitempty"`
	Checkpoint checkpoint.Snapshot       `json:"checkpoint"`
	HasMore    bool                      `json:"has_more"`
}

// CollectionChanges returns one collection's changes, unpacking if needed.
func (p *PullResponsePayload) CollectionChanges(collection string) ([]ChangeRecord, error) {
	if packed, ok := p.Packed[collection]; ok {
		return UnpackChanges(packed)
	}
	return p.Changes[collection], nil
}

// Collections lists every collection present in the response.
func (p *PullResponsePayload) Collections() []string {
	seen := make(map[string]struct{}, len(p.Changes)+len(p.Packed))
	var names []string
	for name := range p.Changes {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for name := range p.Packed {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// ErrorPayload reports a protocol-level failure. Retriable distinguishes
// transient conditions (try again later) from fatal ones (bad auth, version
// mismatch).
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// ─── Constructors ─────────────────────────────────────────────────────────────

// NewEnvelope frames a payload. Ping/pong pass a nil payload.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	env := &Envelope{
		Protocol:  ProtocolName,
		Version:   Version,
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// NewReply frames a payload as the response to a request, reusing the
// request id so the caller's correlation table can match it.
func NewReply(requestID, msgType string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	env.ID = requestID
	return env, nil
}

// NewErrorReply frames an error envelope correlated to a request.
func NewErrorReply(requestID, code, message string, retriable bool) *Envelope {
	env, _ := NewReply(requestID, TypeError, ErrorPayload{
		Code:      code,
		Message:   message,
		Retriable: retriable,
	})
	return env
}

// DecodePayload unmarshals an envelope's payload into dst.
func DecodePayload(env *Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
