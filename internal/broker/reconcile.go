package broker

import (
	"sort"

	"github.com/nightvault/huddle/internal/protocol"
)

// Reconcile computes what a rejoining client is missing in a single pass
// over the room history.
//
// history is the room's authoritative message sequence; known is the set
// of message ids the client already holds locally (consumed mutably).
// Every history entry whose id is absent from known is returned in
// original order. Ids left over in known afterwards were deleted while
// the client was away; if any remain they are folded into one trailing
// tombstone record. The server never keeps a deletion log — the
// divergence is recovered entirely from the two sets.
func Reconcile(history []protocol.Message, known map[string]bool) []protocol.SyncRecord {
	var records []protocol.SyncRecord
	for _, msg := range history {
		if known[msg.ID] {
			delete(known, msg.ID)
			continue
		}
		records = append(records, protocol.SyncRecord{ID: msg.ID, Payload: msg.Payload})
	}

	if len(known) > 0 {
		deleted := make([]string, 0, len(known))
		for id := range known {
			deleted = append(deleted, id)
		}
		// Map order is random; sort for a deterministic wire answer.
		sort.Strings(deleted)
		records = append(records, protocol.SyncRecord{Deleted: true, DeletedIDs: deleted})
	}

	return records
}
