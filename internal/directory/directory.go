// Package directory keeps the in-memory registry of mail nodes and
// runs the periodic liveness sweep over it.
//
// Records are never deleted: stale entries stay queryable by ID, and
// LookupByMail applies the online filter at read time. All access goes
// through one mutex; the sweep takes the same lock as the handlers so a
// concurrent REGISTER cannot race a sweep tick.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailrelay/internal/model"
)

// Directory is the identity-keyed node registry.
type Directory struct {
	timeout time.Duration

	mu    sync.Mutex
	nodes map[string]*model.NodeRecord
	order []string // node IDs in insertion order

	now func() time.Time // overridable in tests
}

// New constructs an empty directory with the given heartbeat timeout.
func New(timeout time.Duration) *Directory {
	return &Directory{
		timeout: timeout,
		nodes:   make(map[string]*model.NodeRecord),
		now:     time.Now,
	}
}

// Register inserts a fresh record and returns it. Registration always
// succeeds and always allocates a new identity; registering the same
// mail address again yields a second, independent record.
func (d *Directory) Register(ipAddress string, port int, mailAddress string) model.NodeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := &model.NodeRecord{
		NodeID:        uuid.NewString(),
		IPAddress:     ipAddress,
		Port:          port,
		MailAddress:   mailAddress,
		Status:        model.StatusOnline,
		LastHeartbeat: d.now().UnixMilli(),
	}
	d.nodes[rec.NodeID] = rec
	d.order = append(d.order, rec.NodeID)
	return *rec
}

// LookupByMail returns the most recently registered online record for
// the mail address. Offline records are never returned, even when they
// are the only match. The reverse scan makes the tie-break between
// duplicate registrations deterministic: the newest one wins.
func (d *Directory) LookupByMail(mailAddress string) (model.NodeRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := len(d.order) - 1; i >= 0; i-- {
		rec := d.nodes[d.order[i]]
		if rec.MailAddress == mailAddress && rec.Status == model.StatusOnline {
			return *rec, true
		}
	}
	return model.NodeRecord{}, false
}

// LookupByID returns the record for an identity regardless of status.
// Callers that need liveness must check Status themselves; the gateway
// relies on this to reach offline records on disconnect.
func (d *Directory) LookupByID(nodeID string) (model.NodeRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[nodeID]
	if !ok {
		return model.NodeRecord{}, false
	}
	return *rec, true
}

// Heartbeat refreshes the liveness of a known identity and marks it
// online. Returns false for unknown identities.
func (d *Directory) Heartbeat(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[nodeID]
	if !ok {
		return false
	}
	rec.LastHeartbeat = d.now().UnixMilli()
	rec.Status = model.StatusOnline
	return true
}

// MarkOffline forces a record offline immediately. Used by the gateway
// on connection close, so lookups stop resolving the node without
// waiting for the next sweep tick.
func (d *Directory) MarkOffline(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.nodes[nodeID]
	if !ok {
		return false
	}
	rec.Status = model.StatusOffline
	return true
}

// AllRecords returns a snapshot of every record in insertion order.
// Callers must not depend on the ordering.
func (d *Directory) AllRecords() []model.NodeRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.NodeRecord, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.nodes[id])
	}
	return out
}

// Run executes the liveness sweep every heartbeat-timeout period until
// the context is cancelled.
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(d.now())
		}
	}
}

// sweepOnce offlines every record whose last heartbeat is older than
// the timeout. It is a pure timeout policy: it never removes records
// and never consults connection state.
func (d *Directory) sweepOnce(now time.Time) {
	cutoff := now.UnixMilli() - d.timeout.Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, rec := range d.nodes {
		if rec.LastHeartbeat < cutoff {
			rec.Status = model.StatusOffline
		}
	}
}
