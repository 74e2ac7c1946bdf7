package coordinator

import (
	"context"

	"livesync/internal/logging"
	"livesync/internal/metrics"
	"livesync/internal/protocol"
)

// The mirror and tombstone maps are only written from the message handling
// path, which holds handleMu. c.mu guards them against concurrent readers.

// hydrate creates the mirror entry for collection from the store on first
// reference, so a collection that was not prefetched never hides its
// persisted rows.
func (c *Coordinator) hydrate(ctx context.Context, collection string) {
	c.mu.RLock()
	_, ok := c.mirror[collection]
	c.mu.RUnlock()
	if ok {
		return
	}

	records, err := c.store.ReadCollection(ctx, collection)
	if err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("failed to hydrate %s from store: %v", collection, err)
	}
	if records == nil {
		records = make(map[string]protocol.Record)
	}

	c.mu.Lock()
	if _, ok := c.mirror[collection]; !ok {
		c.mirror[collection] = records
	}
	c.mu.Unlock()
}

// rejectRecordLocked returns the rule that rejects an incoming record, or "".
// The mirror's copy wins ties; a tombstone suppresses versions at or below it.
func (c *Coordinator) rejectRecordLocked(collection string, rec protocol.Record) string {
	if cur, ok := c.mirror[collection][rec.ID]; ok && cur.UpdatedAt >= rec.UpdatedAt {
		return metrics.RejectVersion
	}
	if v, ok := c.tombstones[collection][rec.ID]; ok && v >= rec.UpdatedAt {
		return metrics.RejectTombstone
	}
	return ""
}

// rejectRemovalLocked returns the rule that rejects a removal, or "". Only a
// strictly newer record or tombstone wins against it.
func (c *Coordinator) rejectRemovalLocked(collection, id string, version int64) string {
	if cur, ok := c.mirror[collection][id]; ok && cur.UpdatedAt > version {
		return metrics.RejectVersion
	}
	if v, ok := c.tombstones[collection][id]; ok && v > version {
		return metrics.RejectTombstone
	}
	return ""
}

func (c *Coordinator) putLocked(collection string, rec protocol.Record) {
	c.mirror[collection][rec.ID] = rec.Clone()
	if t, ok := c.tombstones[collection]; ok {
		delete(t, rec.ID)
	}
}

// removeLocked records a tombstone and evicts the mirror copy, returning it.
func (c *Coordinator) removeLocked(collection, id string, version int64) *protocol.Record {
	t, ok := c.tombstones[collection]
	if !ok {
		t = make(map[string]int64)
		c.tombstones[collection] = t
	}
	t[id] = version

	cur, ok := c.mirror[collection][id]
	if !ok {
		return nil
	}
	delete(c.mirror[collection], id)
	return &cur
}

// batch is the accepted subset of a sync message.
type batch struct {
	values   []protocol.Record
	removed  map[string]int64
	rejected int
}

// selectBatch runs the merge rules over a sync message without mutating
// anything. Duplicates inside one message are judged against each other the
// same way they would be against the mirror.
func (c *Coordinator) selectBatch(collection string, values []protocol.Record, removed map[string]int64) batch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b := batch{removed: make(map[string]int64)}
	accepted := make(map[string]protocol.Record, len(values))
	order := make([]string, 0, len(values))

	reject := func(rule string) {
		c.metrics.RecordRejected(collection, rule)
		b.rejected++
	}

	for _, rec := range values {
		if prev, dup := accepted[rec.ID]; dup {
			if prev.UpdatedAt >= rec.UpdatedAt {
				reject(metrics.RejectVersion)
				continue
			}
		} else if rule := c.rejectRecordLocked(collection, rec); rule != "" {
			reject(rule)
			continue
		} else {
			order = append(order, rec.ID)
		}
		accepted[rec.ID] = rec
	}

	for id, version := range removed {
		if prev, ok := accepted[id]; ok {
			if prev.UpdatedAt > version {
				reject(metrics.RejectVersion)
				continue
			}
			// The removal is at least as new as the value it arrived with.
			delete(accepted, id)
			reject(metrics.RejectTombstone)
		}
		if rule := c.rejectRemovalLocked(collection, id, version); rule != "" {
			reject(rule)
			continue
		}
		b.removed[id] = version
	}

	for _, id := range order {
		if rec, ok := accepted[id]; ok {
			b.values = append(b.values, rec)
		}
	}
	return b
}

// commitBatch applies an accepted batch to the mirror and returns the events.
func (c *Coordinator) commitBatch(collection string, b batch) []ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := make([]ChangeEvent, 0, len(b.values)+len(b.removed))
	for id, version := range b.removed {
		if before := c.removeLocked(collection, id, version); before != nil {
			events = append(events, removeEvent(id, version, before))
		}
	}
	for _, rec := range b.values {
		c.putLocked(collection, rec)
		events = append(events, createEvent(rec))
	}
	return events
}
