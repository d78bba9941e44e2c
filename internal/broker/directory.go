package broker

import (
	"sync"
	"time"
)

// Directory is the single shared store mapping room id to Room. It is
// constructed empty at broker startup and owned by the broker instance;
// nothing outlives the process.
//
// Lock order across the package: Directory.mu, then Room.mu, then
// Session.mu.
type Directory struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewDirectory creates an empty room directory.
func NewDirectory() *Directory {
	return &Directory{rooms: make(map[string]*Room)}
}

// lookup returns the room for id, or nil.
func (d *Directory) lookup(id string) *Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rooms[id]
}

// getOrCreate returns the existing room for id, or atomically creates
// one with the given fingerprint and first member. Creation is a single
// insert-if-absent step under the directory lock: two concurrent joins
// on an unknown id cannot both create.
func (d *Directory) getOrCreate(id string, fingerprint []byte, first *Session, authorLabel []byte) (room *Room, created bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[id]; ok {
		return r, false
	}
	r := newRoom(id, fingerprint, first, authorLabel)
	if !first.addRoom(id, authorLabel) {
		// Session disconnected before the room existed; do not create.
		return nil, false
	}
	d.rooms[id] = r
	return r, true
}

// remove deletes id from the directory iff it still maps to room. The
// pointer check keeps a slow deleter from evicting a successor room
// created under the same id.
func (d *Directory) remove(id string, room *Room) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rooms[id] == room {
		delete(d.rooms, id)
	}
}

// Len returns the number of live rooms.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// sweepEmpty evicts rooms that have had zero members since before
// cutoff and returns the evicted ids. Rooms a member rejoined in the
// meantime are left alone.
func (d *Directory) sweepEmpty(cutoff time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []string
	for id, r := range d.rooms {
		r.mu.Lock()
		stale := !r.deleted && len(r.members) == 0 &&
			!r.emptySince.IsZero() && r.emptySince.Before(cutoff)
		if stale {
			r.deleted = true
		}
		r.mu.Unlock()
		if stale {
			delete(d.rooms, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
