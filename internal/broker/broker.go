// Package broker implements the in-memory chat relay core: room
// directory, admission control, history reconciliation and event
// fan-out. It is transport-agnostic; the gateway feeds it commands and
// implements EventSender for push delivery.
package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nightvault/huddle/internal/metrics"
	"github.com/nightvault/huddle/internal/protocol"
	"github.com/nightvault/huddle/internal/security"
)

// Broker owns the room directory and applies all session commands to
// it. Every mutation of one room is serialized by that room's lock;
// event delivery always happens after the lock is released, so a
// broadcast can never block another operation on the same room.
type Broker struct {
	dir *Directory

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics

	// MaxHistory bounds each room's history; 0 keeps everything.
	// When the bound is exceeded the oldest entries are dropped, and
	// clients that still hold their ids see them tombstoned on rejoin.
	MaxHistory int
}

// New creates a broker with an empty room directory.
func New() *Broker {
	return &Broker{dir: NewDirectory()}
}

// RoomCount returns the number of live rooms.
func (b *Broker) RoomCount() int { return b.dir.Len() }

// Join admits sess to chatID, creating the room on first contact.
//
// An unknown id creates the room with fingerprint as its permanent
// access fingerprint and sess as sole member. A known id requires a
// byte-exact fingerprint match. Either way the returned records are the
// reconciliation of the room's history against known: missed messages
// in history order, then at most one tombstone for ids the client holds
// that no longer exist.
func (b *Broker) Join(ctx context.Context, sess *Session, chatID string, authorLabel, fingerprint []byte, known map[string]bool) ([]protocol.SyncRecord, error) {
	if sess.hasRoom(chatID) {
		return nil, b.reject(ErrDuplicateJoin)
	}
	if known == nil {
		known = make(map[string]bool)
	}

	for {
		room, created := b.dir.getOrCreate(chatID, fingerprint, sess, authorLabel)
		if room == nil {
			return nil, b.reject(ErrSessionClosed)
		}
		if created {
			b.gaugeRooms()
			slog.Debug("room created", "room", chatID, "session", sess.ID())
			// Empty history: everything the client knows is gone.
			return Reconcile(nil, known), nil
		}

		room.mu.Lock()
		if room.deleted {
			// Deleted between lookup and lock; the next round sees
			// either a fresh create or a successor room.
			room.mu.Unlock()
			continue
		}
		if !security.FingerprintMatch(fingerprint, room.fingerprint) {
			room.mu.Unlock()
			return nil, b.reject(ErrUnauthorized)
		}
		if !sess.addRoom(chatID, authorLabel) {
			room.mu.Unlock()
			return nil, b.reject(ErrSessionClosed)
		}
		targets := room.otherSessions(sess)
		room.members = append(room.members, member{sess: sess, authorLabel: authorLabel})
		room.emptySince = time.Time{}
		records := Reconcile(room.historyCopy(), known)
		room.mu.Unlock()

		b.deliver(ctx, targets, protocol.Event{
			Event:       protocol.EventMemberJoined,
			ChatID:      chatID,
			AuthorLabel: authorLabel,
		})
		return records, nil
	}
}

// Users returns the author labels of chatID's current members in join
// order. The caller must be a member.
func (b *Broker) Users(sess *Session, chatID string) ([][]byte, error) {
	room := b.dir.lookup(chatID)
	if room == nil {
		return nil, b.reject(ErrRoomNotFound)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.deleted {
		return nil, b.reject(ErrRoomNotFound)
	}
	if room.memberIndex(sess) < 0 {
		return nil, b.reject(ErrNotMember)
	}
	labels := make([][]byte, len(room.members))
	for i, m := range room.members {
		labels[i] = m.authorLabel
	}
	return labels, nil
}

// Messages returns the full current history of chatID. The caller must
// be a member.
func (b *Broker) Messages(sess *Session, chatID string) ([]protocol.Message, error) {
	room := b.dir.lookup(chatID)
	if room == nil {
		return nil, b.reject(ErrRoomNotFound)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.deleted {
		return nil, b.reject(ErrRoomNotFound)
	}
	if room.memberIndex(sess) < 0 {
		return nil, b.reject(ErrNotMember)
	}
	return room.historyCopy(), nil
}

// Exit removes sess from chatID and announces the departure to the
// remaining members. The room itself stays, even when empty.
func (b *Broker) Exit(ctx context.Context, sess *Session, chatID string) error {
	room := b.dir.lookup(chatID)
	if room == nil {
		return b.reject(ErrRoomNotFound)
	}
	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return b.reject(ErrRoomNotFound)
	}
	idx := room.memberIndex(sess)
	if idx < 0 {
		room.mu.Unlock()
		return b.reject(ErrNotMember)
	}
	label := room.removeMember(idx)
	sess.forgetRoom(chatID)
	targets := room.otherSessions(sess)
	room.mu.Unlock()

	b.deliver(ctx, targets, protocol.Event{
		Event:       protocol.EventMemberLeft,
		ChatID:      chatID,
		AuthorLabel: label,
	})
	return nil
}

// DeleteChat destroys chatID entirely: every member loses the room from
// its joined set, the remaining members are notified, and the id
// becomes available for fresh creation. A concurrent second delete
// necessarily fails, the room is already gone.
func (b *Broker) DeleteChat(ctx context.Context, sess *Session, chatID string) error {
	room := b.dir.lookup(chatID)
	if room == nil {
		return b.reject(ErrRoomNotFound)
	}
	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return b.reject(ErrRoomNotFound)
	}
	if room.memberIndex(sess) < 0 {
		room.mu.Unlock()
		return b.reject(ErrNotMember)
	}
	room.deleted = true
	targets := room.otherSessions(sess)
	for _, m := range room.members {
		m.sess.forgetRoom(chatID)
	}
	room.members = nil
	room.messages = nil
	room.mu.Unlock()

	b.dir.remove(chatID, room)
	b.gaugeRooms()
	slog.Debug("room deleted", "room", chatID, "session", sess.ID())

	b.deliver(ctx, targets, protocol.Event{
		Event:  protocol.EventChatDeleted,
		ChatID: chatID,
	})
	return nil
}

// Send appends a message to chatID's history and relays it to every
// other member. The append order is server-arrival order and is what
// later reconciliations are computed against.
func (b *Broker) Send(ctx context.Context, sess *Session, chatID, messageID string, payload []byte) error {
	room := b.dir.lookup(chatID)
	if room == nil {
		return b.reject(ErrRoomNotFound)
	}
	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return b.reject(ErrRoomNotFound)
	}
	if room.memberIndex(sess) < 0 {
		room.mu.Unlock()
		return b.reject(ErrNotMember)
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)
	room.messages = append(room.messages, protocol.Message{ID: messageID, Payload: stored})
	if b.MaxHistory > 0 && len(room.messages) > b.MaxHistory {
		drop := len(room.messages) - b.MaxHistory
		room.messages = append(room.messages[:0], room.messages[drop:]...)
	}
	targets := room.otherSessions(sess)
	room.mu.Unlock()

	if b.Metrics != nil {
		b.Metrics.MessagesTotal.Inc()
	}
	b.deliver(ctx, targets, protocol.Event{
		Event:     protocol.EventMessage,
		ChatID:    chatID,
		MessageID: messageID,
		Payload:   payload,
	})
	return nil
}

// DeleteMessage removes every history entry with the given id from
// chatID and notifies the other members. Ids are unique among present
// messages by convention, but collisions remove all matches.
func (b *Broker) DeleteMessage(ctx context.Context, sess *Session, chatID, messageID string) error {
	room := b.dir.lookup(chatID)
	if room == nil {
		return b.reject(ErrRoomNotFound)
	}
	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return b.reject(ErrRoomNotFound)
	}
	if room.memberIndex(sess) < 0 {
		room.mu.Unlock()
		return b.reject(ErrNotMember)
	}
	kept := room.messages[:0]
	for _, msg := range room.messages {
		if msg.ID != messageID {
			kept = append(kept, msg)
		}
	}
	room.messages = kept
	targets := room.otherSessions(sess)
	room.mu.Unlock()

	b.deliver(ctx, targets, protocol.Event{
		Event:     protocol.EventMessageDeleted,
		ChatID:    chatID,
		MessageID: messageID,
	})
	return nil
}

// Disconnect runs cleanup for a departed session: it leaves every
// joined room and announces member-left to whoever remains. Safe to
// call more than once; only the first call does anything.
func (b *Broker) Disconnect(ctx context.Context, sess *Session) {
	joined := sess.close()
	if joined == nil {
		return
	}

	for chatID, label := range joined {
		room := b.dir.lookup(chatID)
		if room == nil {
			// Concurrently deleted; nothing left to leave.
			continue
		}
		room.mu.Lock()
		if room.deleted {
			room.mu.Unlock()
			continue
		}
		idx := room.memberIndex(sess)
		if idx < 0 {
			room.mu.Unlock()
			continue
		}
		room.removeMember(idx)
		targets := room.otherSessions(sess)
		room.mu.Unlock()

		b.deliver(ctx, targets, protocol.Event{
			Event:       protocol.EventMemberLeft,
			ChatID:      chatID,
			AuthorLabel: label,
		})
	}
	slog.Debug("session cleaned up", "session", sess.ID(), "rooms", len(joined))
}

// StartJanitor periodically evicts rooms that have been empty longer
// than ttl. Rooms are otherwise never auto-removed; the janitor is the
// opt-in bound on abandoned-room memory. Runs until ctx is cancelled.
func (b *Broker) StartJanitor(ctx context.Context, ttl, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				evicted := b.dir.sweepEmpty(time.Now().Add(-ttl))
				if len(evicted) > 0 {
					b.gaugeRooms()
					slog.Info("evicted empty rooms", "count", len(evicted))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// deliver fans an event out to the given sessions. Called strictly
// after the triggering mutation's critical section has been released.
func (b *Broker) deliver(ctx context.Context, targets []*Session, ev protocol.Event) {
	if b.Metrics != nil && len(targets) > 0 {
		b.Metrics.EventsTotal.WithLabelValues(ev.Event).Add(float64(len(targets)))
	}
	for _, t := range targets {
		if err := t.sendEvent(ctx, ev); err != nil {
			slog.Debug("event delivery failed", "event", ev.Event, "session", t.ID(), "error", err)
		}
	}
}

func (b *Broker) reject(err error) error {
	if b.Metrics != nil {
		b.Metrics.RejectionsTotal.WithLabelValues(RejectReason(err)).Inc()
	}
	return err
}

func (b *Broker) gaugeRooms() {
	if b.Metrics != nil {
		b.Metrics.ActiveRooms.Set(float64(b.dir.Len()))
	}
}
