package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes used in error envelopes.
const (
	CodeBadEnvelope        = "bad_envelope"
	CodeUnknownType        = "unknown_type"
	CodeUnsupportedVersion = "unsupported_version"
	CodeBadPayload         = "bad_payload"
	CodeAuthRejected       = "auth_rejected"
	CodeUnknownSession     = "unknown_session"
	CodeInternal           = "internal"
)

// ProtocolError is a structural validation failure. It converts directly to
// an error envelope.
type ProtocolError struct {
	Code      string
	Message   string
	Retriable bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// Reply frames this error as the response to the offending envelope.
func (e *ProtocolError) Reply(requestID string) *Envelope {
	return NewErrorReply(requestID, e.Code, e.Message, e.Retriable)
}

var knownTypes = map[string]bool{
	TypeHandshake:    true,
	TypeHandshakeAck: true,
	TypePush:         true,
	TypePushAck:      true,
	TypePull:         true,
	TypePullResponse: true,
	TypePing:         true,
	TypePong:         true,
	TypeError:        true,
}

// payloadRequired lists the types whose payload must be present and must
// decode into the corresponding struct.
var payloadRequired = map[string]func() any{
	TypeHandshake:    func() any { return &HandshakePayload{} },
	TypeHandshakeAck: func() any { return &HandshakeAckPayload{} },
	TypePush:         func() any { return &PushPayload{} },
	TypePushAck:      func() any { return &PushAckPayload{} },
	TypePull:         func() any { return &PullPayload{} },
	TypePullResponse: func() any { return &PullResponsePayload{} },
	TypeError:        func() any { return &ErrorPayload{} },
}

// Validate checks an envelope structurally: required fields, known protocol
// and version, known type, decodable payload where one is required. It does
// not interpret payload semantics.
func Validate(env *Envelope) *ProtocolError {
	if env == nil {
		return &ProtocolError{Code: CodeBadEnvelope, Message: "empty envelope"}
	}
	if env.Protocol != ProtocolName {
		return &ProtocolError{
			Code:    CodeBadEnvelope,
			Message: fmt.Sprintf("unknown protocol %q", env.Protocol),
		}
	}
	if env.Version != Version {
		return &ProtocolError{
			Code:    CodeUnsupportedVersion,
			Message: fmt.Sprintf("unsupported version %q, this node speaks %s", env.Version, Version),
		}
	}
	if env.ID == "" {
		return &ProtocolError{Code: CodeBadEnvelope, Message: "missing envelope id"}
	}
	if env.Timestamp <= 0 {
		return &ProtocolError{Code: CodeBadEnvelope, Message: "missing envelope timestamp"}
	}
	if !knownTypes[env.Type] {
		return &ProtocolError{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("unknown message type %q", env.Type),
		}
	}
	if mk, ok := payloadRequired[env.Type]; ok {
		if len(env.Payload) == 0 {
			return &ProtocolError{
				Code:    CodeBadPayload,
				Message: fmt.Sprintf("%s message requires a payload", env.Type),
			}
		}
		if err := json.Unmarshal(env.Payload, mk()); err != nil {
			return &ProtocolError{
				Code:    CodeBadPayload,
				Message: fmt.Sprintf("malformed %s payload: %v", env.Type, err),
			}
		}
	}
	return nil
}

// ParseEnvelope decodes raw bytes into a validated envelope.
func ParseEnvelope(raw []byte) (*Envelope, *ProtocolError) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{
			Code:    CodeBadEnvelope,
			Message: fmt.Sprintf("undecodable envelope: %v", err),
		}
	}
	if perr := Validate(&env); perr != nil {
		return &env, perr
	}
	return &env, nil
}
