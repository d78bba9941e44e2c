package broker

import (
	"sync"
	"time"

	"github.com/nightvault/huddle/internal/protocol"
)

// member pairs a session with the author label it chose for this room.
type member struct {
	sess        *Session
	authorLabel []byte
}

// Room is one chat room: ordered membership, ordered message history and
// the password fingerprint fixed at creation.
//
// All reads and writes go through mu. The lock covers exactly the
// read-modify-write section of one operation; network delivery happens
// after release (see Broker.deliver).
type Room struct {
	id          string
	fingerprint []byte // immutable after creation

	mu         sync.Mutex
	deleted    bool
	members    []member // join order
	messages   []protocol.Message
	emptySince time.Time // zero while the room has members
}

func newRoom(id string, fingerprint []byte, first *Session, authorLabel []byte) *Room {
	fp := make([]byte, len(fingerprint))
	copy(fp, fingerprint)
	return &Room{
		id:          id,
		fingerprint: fp,
		members:     []member{{sess: first, authorLabel: authorLabel}},
	}
}

// memberIndex returns the position of sess in the member list, or -1.
// Caller holds mu.
func (r *Room) memberIndex(sess *Session) int {
	for i, m := range r.members {
		if m.sess == sess {
			return i
		}
	}
	return -1
}

// removeMember drops sess from the member list, preserving join order,
// and starts the empty-room clock when the last member leaves. Returns
// the departing author label. Caller holds mu.
func (r *Room) removeMember(idx int) []byte {
	label := r.members[idx].authorLabel
	r.members = append(r.members[:idx], r.members[idx+1:]...)
	if len(r.members) == 0 {
		r.emptySince = time.Now()
	}
	return label
}

// otherSessions snapshots every member's session except exclude.
// Caller holds mu; the returned slice is safe to use after release.
func (r *Room) otherSessions(exclude *Session) []*Session {
	targets := make([]*Session, 0, len(r.members))
	for _, m := range r.members {
		if m.sess != exclude {
			targets = append(targets, m.sess)
		}
	}
	return targets
}

// historyCopy returns a defensive copy of the message sequence.
// Caller holds mu.
func (r *Room) historyCopy() []protocol.Message {
	msgs := make([]protocol.Message, len(r.messages))
	copy(msgs, r.messages)
	return msgs
}
