package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nightvault/huddle/internal/protocol"
)

// EventSender delivers a server-push event to one connected client.
// Fire-and-forget: the broker ignores delivery errors beyond logging,
// a dead connection is the transport's problem.
type EventSender interface {
	SendEvent(ctx context.Context, ev protocol.Event) error
}

// Session is the server-side record of one connected client: the rooms
// it has joined and the author label it uses in each.
//
// The lock nests innermost: a room lock may be held while taking the
// session lock, never the reverse.
type Session struct {
	id     string
	sender EventSender

	mu     sync.Mutex
	closed bool
	joined map[string][]byte // room id -> author label
}

// NewSession creates a session for a freshly accepted connection.
func NewSession(sender EventSender) *Session {
	return &Session{
		id:     uuid.NewString(),
		sender: sender,
		joined: make(map[string][]byte),
	}
}

// ID returns the session's connection id.
func (s *Session) ID() string { return s.id }

// JoinedRooms returns a snapshot of the room ids the session belongs to.
func (s *Session) JoinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) hasRoom(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[chatID]
	return ok
}

// addRoom records membership. Returns false if the session has been
// closed, so a join racing a disconnect cannot leak a membership.
func (s *Session) addRoom(chatID string, authorLabel []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.joined[chatID] = authorLabel
	return true
}

func (s *Session) forgetRoom(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, chatID)
}

// sendEvent pushes one event through the session's transport handle.
func (s *Session) sendEvent(ctx context.Context, ev protocol.Event) error {
	if s.sender == nil {
		return nil
	}
	return s.sender.SendEvent(ctx, ev)
}

// close marks the session dead and takes ownership of its joined set.
// Only the first call gets a non-nil map; repeat calls see an already
// closed session and return nil, which makes disconnect cleanup
// idempotent.
func (s *Session) close() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	joined := s.joined
	s.joined = make(map[string][]byte)
	return joined
}
