package directory

import (
	"testing"
	"time"

	"mailrelay/internal/model"
)

func TestRegister_AllocatesDistinctIdentities(t *testing.T) {
	t.Parallel()

	d := New(30 * time.Second)
	a := d.Register("10.0.0.1", 3000, "a@x")
	b := d.Register("10.0.0.2", 3000, "a@x")

	if a.NodeID == b.NodeID {
		t.Fatalf("duplicate node id %q", a.NodeID)
	}
	if a.Status != model.StatusOnline || b.Status != model.StatusOnline {
		t.Fatalf("status a=%q b=%q", a.Status, b.Status)
	}

	for _, id := range []string{a.NodeID, b.NodeID} {
		if _, ok := d.LookupByID(id); !ok {
			t.Fatalf("LookupByID(%q) not found", id)
		}
	}
}

func TestLookupByMail_PrefersNewestOnlineRecord(t *testing.T) {
	t.Parallel()

	d := New(30 * time.Second)
	first := d.Register("10.0.0.1", 3000, "a@x")
	second := d.Register("10.0.0.2", 3001, "a@x")

	got, ok := d.LookupByMail("a@x")
	if !ok {
		t.Fatal("not found")
	}
	if got.NodeID != second.NodeID {
		t.Fatalf("got %q, want newest %q", got.NodeID, second.NodeID)
	}

	// Newest offline: the older online record must take over.
	d.MarkOffline(second.NodeID)
	got, ok = d.LookupByMail("a@x")
	if !ok {
		t.Fatal("not found after newest went offline")
	}
	if got.NodeID != first.NodeID {
		t.Fatalf("got %q, want %q", got.NodeID, first.NodeID)
	}

	// All offline: not found, even though records still exist by ID.
	d.MarkOffline(first.NodeID)
	if _, ok := d.LookupByMail("a@x"); ok {
		t.Fatal("lookup returned an offline record")
	}
	if _, ok := d.LookupByID(first.NodeID); !ok {
		t.Fatal("offline record no longer queryable by id")
	}
}

func TestHeartbeat_RefreshesAndRevives(t *testing.T) {
	t.Parallel()

	d := New(30 * time.Second)
	rec := d.Register("10.0.0.1", 3000, "a@x")

	if !d.Heartbeat(rec.NodeID) {
		t.Fatal("heartbeat on fresh identity returned false")
	}
	if d.Heartbeat("no-such-id") {
		t.Fatal("heartbeat on unknown identity returned true")
	}

	d.MarkOffline(rec.NodeID)
	if !d.Heartbeat(rec.NodeID) {
		t.Fatal("heartbeat on offline identity returned false")
	}
	got, _ := d.LookupByID(rec.NodeID)
	if got.Status != model.StatusOnline {
		t.Fatalf("status=%q after heartbeat", got.Status)
	}
}

func TestSweep_TimeoutBoundary(t *testing.T) {
	t.Parallel()

	const timeout = 30 * time.Second
	base := time.UnixMilli(1_700_000_000_000)

	d := New(timeout)
	d.now = func() time.Time { return base }

	fresh := d.Register("10.0.0.1", 3000, "fresh@x")
	stale := d.Register("10.0.0.2", 3000, "stale@x")

	// fresh heartbeats 1ms into the window; stale never does.
	d.now = func() time.Time { return base.Add(time.Millisecond) }
	d.Heartbeat(fresh.NodeID)

	// Exactly timeout since stale's heartbeat: not yet "older than".
	d.sweepOnce(base.Add(timeout))
	got, _ := d.LookupByID(stale.NodeID)
	if got.Status != model.StatusOnline {
		t.Fatal("record exactly at timeout must stay online")
	}

	// 1ms past the window offlines stale but not fresh.
	d.sweepOnce(base.Add(timeout + time.Millisecond))
	got, _ = d.LookupByID(stale.NodeID)
	if got.Status != model.StatusOffline {
		t.Fatal("stale record not swept offline")
	}
	got, _ = d.LookupByID(fresh.NodeID)
	if got.Status != model.StatusOnline {
		t.Fatalf("fresh swept offline: last=%d", got.LastHeartbeat)
	}
}

func TestHeartbeat_DoesNotUndoRecordedSweep(t *testing.T) {
	t.Parallel()

	const timeout = 30 * time.Second
	base := time.UnixMilli(1_700_000_000_000)

	d := New(timeout)
	d.now = func() time.Time { return base }
	rec := d.Register("10.0.0.1", 3000, "a@x")

	d.sweepOnce(base.Add(timeout + time.Second))
	got, _ := d.LookupByID(rec.NodeID)
	if got.Status != model.StatusOffline {
		t.Fatal("record not swept offline")
	}

	// A later heartbeat still succeeds and brings the record back; the
	// intervening offline transition above was observable in between.
	d.now = func() time.Time { return base.Add(timeout + 2*time.Second) }
	if !d.Heartbeat(rec.NodeID) {
		t.Fatal("heartbeat after sweep returned false")
	}
	got, _ = d.LookupByID(rec.NodeID)
	if got.Status != model.StatusOnline {
		t.Fatal("heartbeat did not revive record")
	}
}

func TestAllRecords_ReturnsSnapshot(t *testing.T) {
	t.Parallel()

	d := New(30 * time.Second)
	d.Register("10.0.0.1", 3000, "a@x")
	d.Register("10.0.0.2", 3000, "b@x")

	snap := d.AllRecords()
	if len(snap) != 2 {
		t.Fatalf("records=%d", len(snap))
	}

	// Mutating the snapshot must not reach the directory.
	snap[0].Status = "poked"
	got, _ := d.LookupByID(snap[0].NodeID)
	if got.Status != model.StatusOnline {
		t.Fatalf("snapshot mutation leaked: status=%q", got.Status)
	}
}
