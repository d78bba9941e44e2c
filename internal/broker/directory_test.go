package broker

import (
	"context"
	"testing"
	"time"
)

func TestDirectoryGetOrCreate(t *testing.T) {
	d := NewDirectory()
	sess, _ := newTestSession()

	r1, created := d.getOrCreate("room-1", fp, sess, []byte("alice"))
	if !created || r1 == nil {
		t.Fatalf("first getOrCreate: created=%v room=%v", created, r1)
	}

	other, _ := newTestSession()
	r2, created := d.getOrCreate("room-1", []byte("different"), other, []byte("bob"))
	if created {
		t.Error("second getOrCreate reported creation")
	}
	if r2 != r1 {
		t.Error("second getOrCreate returned a different room")
	}
	if string(r1.fingerprint) != string(fp) {
		t.Errorf("fingerprint = %q, want the creator's %q", r1.fingerprint, fp)
	}
	if d.Len() != 1 {
		t.Errorf("directory len = %d, want 1", d.Len())
	}
}

func TestDirectoryRemoveChecksPointer(t *testing.T) {
	d := NewDirectory()
	sess, _ := newTestSession()
	r1, _ := d.getOrCreate("room-1", fp, sess, []byte("alice"))

	// A successor room created under the same id must survive a slow
	// deleter still holding the old pointer.
	d.remove("room-1", r1)
	sess2, _ := newTestSession()
	r2, created := d.getOrCreate("room-1", fp, sess2, []byte("bob"))
	if !created {
		t.Fatal("expected fresh creation after remove")
	}
	d.remove("room-1", r1) // stale pointer, must be a no-op
	if got := d.lookup("room-1"); got != r2 {
		t.Error("stale remove evicted the successor room")
	}
}

func TestSweepEmptyEvictsOnlyStaleRooms(t *testing.T) {
	b := New()
	ctx := context.Background()

	occupant, _ := newTestSession()
	b.Join(ctx, occupant, "occupied", []byte("alice"), fp, nil)

	leaver, _ := newTestSession()
	b.Join(ctx, leaver, "abandoned", []byte("bob"), fp, nil)
	b.Exit(ctx, leaver, "abandoned")

	// Cutoff in the future: everything empty qualifies as stale.
	evicted := b.dir.sweepEmpty(time.Now().Add(time.Minute))
	if len(evicted) != 1 || evicted[0] != "abandoned" {
		t.Errorf("evicted = %v, want [abandoned]", evicted)
	}
	if b.dir.lookup("occupied") == nil {
		t.Error("occupied room was evicted")
	}

	// A never-empty room must not be swept even with a future cutoff.
	if got := b.dir.sweepEmpty(time.Now().Add(time.Minute)); len(got) != 0 {
		t.Errorf("second sweep evicted %v, want nothing", got)
	}
}

func TestSweepEmptyHonorsCutoff(t *testing.T) {
	b := New()
	ctx := context.Background()
	leaver, _ := newTestSession()
	b.Join(ctx, leaver, "fresh-empty", []byte("bob"), fp, nil)
	b.Exit(ctx, leaver, "fresh-empty")

	// Cutoff in the past: the room only just became empty.
	if evicted := b.dir.sweepEmpty(time.Now().Add(-time.Minute)); len(evicted) != 0 {
		t.Errorf("evicted %v, want nothing before TTL expires", evicted)
	}
	if b.dir.lookup("fresh-empty") == nil {
		t.Error("room evicted before TTL")
	}
}
