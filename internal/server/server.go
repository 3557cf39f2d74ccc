// Package server is the reference USP server: the in-memory peer the sync
// engine, the conformance harness, and the end-to-end tests run against, and
// the core of the pocketd binary.
//
// Per collection it keeps the authoritative document copies plus an ordered
// change log with server-assigned sequences. Pushes are validated against
// the server copies (vector-clock concurrency means conflict), pulls page
// through the log from the caller's checkpoint.
package server

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/josedab/pocket-go/internal/checkpoint"
	"github.com/josedab/pocket-go/internal/conflict"
	"github.com/josedab/pocket-go/internal/protocol"
	"github.com/josedab/pocket-go/internal/store"
)

// DefaultPullLimit bounds a pull response when the client does not set one.
const DefaultPullLimit = 100

// Server holds all state behind the USP endpoints. Safe for concurrent use.
type Server struct {
	mu        sync.Mutex
	nodeID    string
	authToken string // empty means no auth required

	sessions map[string]*session
	docs     map[string]map[string]store.Document // collection → id → doc
	logs     map[string][]protocol.ChangeRecord   // collection → ordered, sequence-stamped
	seqs     map[string]uint64                    // collection → last assigned sequence
	cursor   uint64                               // opaque pull cursor counter

	log *slog.Logger
}

type session struct {
	id          string
	nodeID      string
	collections []string
}

// Option configures a Server.
type Option func(*Server)

// WithAuthToken requires handshakes to present this token.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates an empty server.
func New(nodeID string, opts ...Option) *Server {
	s := &Server{
		nodeID:   nodeID,
		sessions: make(map[string]*session),
		docs:     make(map[string]map[string]store.Document),
		logs:     make(map[string][]protocol.ChangeRecord),
		seqs:     make(map[string]uint64),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "usp-server")
	return s
}

// Handle processes one envelope and returns the reply. It never returns nil:
// malformed or unexpected input produces an error envelope.
func (s *Server) Handle(env *protocol.Envelope) *protocol.Envelope {
	if perr := protocol.Validate(env); perr != nil {
		id := ""
		if env != nil {
			id = env.ID
		}
		s.log.Warn("rejecting invalid message", "code", perr.Code, "detail", perr.Message)
		return perr.Reply(id)
	}

	switch env.Type {
	case protocol.TypeHandshake:
		return s.handleHandshake(env)
	case protocol.TypePing:
		reply, _ := protocol.NewReply(env.ID, protocol.TypePong, nil)
		return reply
	case protocol.TypePush:
		return s.handlePush(env)
	case protocol.TypePull:
		return s.handlePull(env)
	default:
		return protocol.NewErrorReply(env.ID, protocol.CodeUnknownType,
			fmt.Sprintf("server does not accept %s messages", env.Type), false)
	}
}

func (s *Server) handleHandshake(env *protocol.Envelope) *protocol.Envelope {
	var p protocol.HandshakePayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return protocol.NewErrorReply(env.ID, protocol.CodeBadPayload, err.Error(), false)
	}
	if p.NodeID == "" {
		return protocol.NewErrorReply(env.ID, protocol.CodeBadPayload, "handshake requires node_id", false)
	}
	if s.authToken != "" && p.Auth != s.authToken {
		return protocol.NewErrorReply(env.ID, protocol.CodeAuthRejected, "authentication rejected", false)
	}

	sess := &session{
		id:          uuid.NewString(),
		nodeID:      p.NodeID,
		collections: append([]string(nil), p.Collections...),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.log.Info("session opened", "session", sess.id, "node", p.NodeID)
	reply, _ := protocol.NewReply(env.ID, protocol.TypeHandshakeAck, protocol.HandshakeAckPayload{
		SessionID:           sess.id,
		ServerNodeID:        s.nodeID,
		AcceptedCollections: sess.collections,
	})
	return reply
}

func (s *Server) handlePush(env *protocol.Envelope) *protocol.Envelope {
	var p protocol.PushPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return protocol.NewErrorReply(env.ID, protocol.CodeBadPayload, err.Error(), false)
	}
	if !s.sessionValid(p.SessionID) {
		return protocol.NewErrorReply(env.ID, protocol.CodeUnknownSession, "unknown session", false)
	}
	changes, err := p.ChangeSet()
	if err != nil {
		return protocol.NewErrorReply(env.ID, protocol.CodeBadPayload,
			fmt.Sprintf("undecodable change batch: %v", err), false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ack := protocol.PushAckPayload{Accepted: []string{}}
	for _, ch := range changes {
		if ch.DocumentID == "" || ch.Collection == "" {
			continue
		}
		current := s.docs[ch.Collection][ch.DocumentID]
		if current != nil && ch.Document != nil && conflict.Detect(current, ch.Document) {
			ack.Conflicts = append(ack.Conflicts, protocol.Conflict{
				DocumentID:     ch.DocumentID,
				ServerDocument: current.Clone(),
			})
			continue
		}
		s.acceptLocked(ch)
		ack.Accepted = append(ack.Accepted, ch.DocumentID)
	}

	ack.Checkpoint = s.checkpointLocked([]string{p.Collection})
	reply, _ := protocol.NewReply(env.ID, protocol.TypePushAck, ack)
	return reply
}

// acceptLocked stamps the next sequence and stores the change.
func (s *Server) acceptLocked(ch protocol.ChangeRecord) {
	col := ch.Collection
	s.seqs[col]++
	ch.Sequence = s.seqs[col]

	if s.docs[col] == nil {
		s.docs[col] = make(map[string]store.Document)
	}
	if ch.Document != nil {
		s.docs[col][ch.DocumentID] = ch.Document.Clone()
	}
	s.logs[col] = append(s.logs[col], ch)
}

func (s *Server) handlePull(env *protocol.Envelope) *protocol.Envelope {
	var p protocol.PullPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return protocol.NewErrorReply(env.ID, protocol.CodeBadPayload, err.Error(), false)
	}
	if !s.sessionValid(p.SessionID) {
		return protocol.NewErrorReply(env.ID, protocol.CodeUnknownSession, "unknown session", false)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultPullLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collections := p.Collections
	if len(collections) == 0 {
		for col := range s.logs {
			collections = append(collections, col)
		}
	}

	resp := protocol.PullResponsePayload{Changes: make(map[string][]protocol.ChangeRecord)}
	remaining := limit
	for _, col := range collections {
		if remaining <= 0 {
			resp.HasMore = true
			break
		}
		after := p.Checkpoint.Sequences[col]
		for _, ch := range s.logs[col] {
			if ch.Sequence <= after {
				continue
			}
			if remaining <= 0 {
				resp.HasMore = true
				break
			}
			resp.Changes[col] = append(resp.Changes[col], ch)
			remaining--
		}
	}

	resp.Checkpoint = s.responseCheckpointLocked(p.Checkpoint, resp.Changes)
	s.cursor++
	resp.Checkpoint.ServerCursor = fmt.Sprintf("cur-%d", s.cursor)

	reply, _ := protocol.NewReply(env.ID, protocol.TypePullResponse, resp)
	return reply
}

// responseCheckpointLocked advances the caller's checkpoint by the changes
// actually included in this response.
func (s *Server) responseCheckpointLocked(in checkpoint.Snapshot, included map[string][]protocol.ChangeRecord) checkpoint.Snapshot {
	out := in.Clone()
	if out.Sequences == nil {
		out.Sequences = make(map[string]uint64)
	}
	for col, changes := range included {
		for _, ch := range changes {
			if ch.Sequence > out.Sequences[col] {
				out.Sequences[col] = ch.Sequence
			}
		}
	}
	return out
}

// checkpointLocked reports the server's current high-water marks for the
// given collections.
func (s *Server) checkpointLocked(collections []string) checkpoint.Snapshot {
	snap := checkpoint.Snapshot{Sequences: make(map[string]uint64)}
	for _, col := range collections {
		if col == "" {
			continue
		}
		snap.Sequences[col] = s.seqs[col]
	}
	s.cursor++
	snap.ServerCursor = fmt.Sprintf("cur-%d", s.cursor)
	return snap
}

func (s *Server) sessionValid(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Document returns the server's current copy of a document, for tests.
func (s *Server) Document(collection, id string) store.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.docs[collection][id]
	if doc == nil {
		return nil
	}
	return doc.Clone()
}

// ChangeCount reports how many changes a collection's log holds.
func (s *Server) ChangeCount(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[collection])
}

// Seed installs a document server-side as if a peer had pushed it.
func (s *Server) Seed(collection string, doc store.Document, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acceptLocked(protocol.ChangeRecord{
		Collection: collection,
		DocumentID: doc.ID(),
		Operation:  store.OpInsert,
		Document:   doc.Clone(),
		Timestamp:  doc.UpdatedAt(),
		NodeID:     nodeID,
		VClock:     doc.Clock(),
	})
}
