package coordinator

import (
	"sort"

	"livesync/internal/logging"
	"livesync/internal/protocol"
	"livesync/internal/transport"

	jsonpatch "github.com/evanphx/json-patch"
)

// ChangeEvent describes one accepted mutation of a collection.
type ChangeEvent struct {
	Kind    protocol.ChangeKind
	ID      string
	Version int64
	Before  *protocol.Record
	After   *protocol.Record
	// Patch is an RFC 7386 merge patch from Before to After, set on update
	// events that carry both sides.
	Patch []byte
}

// ChangeListener receives the events produced by one server message.
type ChangeListener func(events []ChangeEvent)

// StatusListener receives connection status transitions.
type StatusListener func(status transport.Status)

func createEvent(rec protocol.Record) ChangeEvent {
	after := rec.Clone()
	return ChangeEvent{
		Kind:    protocol.ChangeCreate,
		ID:      rec.ID,
		Version: rec.UpdatedAt,
		After:   &after,
	}
}

func removeEvent(id string, version int64, before *protocol.Record) ChangeEvent {
	ev := ChangeEvent{
		Kind:    protocol.ChangeRemove,
		ID:      id,
		Version: version,
	}
	if before != nil {
		b := before.Clone()
		ev.Before = &b
	}
	return ev
}

func changeEvent(msg protocol.Change) ChangeEvent {
	ev := ChangeEvent{
		Kind:    msg.Kind,
		ID:      msg.ID,
		Version: msg.UpdatedAt,
	}
	if msg.Before != nil {
		b := msg.Before.Clone()
		ev.Before = &b
	}
	if msg.After != nil {
		a := msg.After.Clone()
		ev.After = &a
	}
	if ev.Kind == protocol.ChangeUpdate && ev.Before != nil && ev.After != nil {
		ev.Patch = mergePatch(*ev.Before, *ev.After)
	}
	return ev
}

// mergePatch returns nil when either side cannot be encoded.
func mergePatch(before, after protocol.Record) []byte {
	from, err := protocol.Marshal(before)
	if err != nil {
		return nil
	}
	to, err := protocol.Marshal(after)
	if err != nil {
		return nil
	}
	patch, err := jsonpatch.CreateMergePatch(from, to)
	if err != nil {
		logging.CoordinatorDebug("merge patch for %s failed: %v", after.ID, err)
		return nil
	}
	return patch
}

// =============================================================================
// Listener registries
// =============================================================================

// SubscribeToChangeEvents registers listener for collection under
// subscriberID, replacing any listener already registered under that key.
func (c *Coordinator) SubscribeToChangeEvents(collection, subscriberID string, listener ChangeListener) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	listeners, ok := c.changeListeners[collection]
	if !ok {
		listeners = make(map[string]ChangeListener)
		c.changeListeners[collection] = listeners
	}
	listeners[subscriberID] = listener
}

// UnsubscribeToChangeEvents removes the listener registered under
// (collection, subscriberID). A dispatch already in progress still completes.
func (c *Coordinator) UnsubscribeToChangeEvents(collection, subscriberID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	listeners, ok := c.changeListeners[collection]
	if !ok {
		return
	}
	delete(listeners, subscriberID)
	if len(listeners) == 0 {
		delete(c.changeListeners, collection)
	}
}

// SubscribeConnectionStatus registers a status listener, replacing any
// listener already registered under subscriberID.
func (c *Coordinator) SubscribeConnectionStatus(subscriberID string, listener StatusListener) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.statusListeners[subscriberID] = listener
}

// UnsubscribeConnectionStatus removes a status listener.
func (c *Coordinator) UnsubscribeConnectionStatus(subscriberID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.statusListeners, subscriberID)
}

// dispatchChanges calls every listener of collection, in subscriber id order,
// outside the registry lock.
func (c *Coordinator) dispatchChanges(collection string, events []ChangeEvent) {
	if len(events) == 0 {
		return
	}

	c.subsMu.RLock()
	registered := c.changeListeners[collection]
	ids := make([]string, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	listeners := make([]ChangeListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, registered[id])
	}
	c.subsMu.RUnlock()

	for i, listener := range listeners {
		c.invokeChange(ids[i], listener, cloneEvents(events))
	}
}

// cloneEvents gives each listener its own events and records.
func cloneEvents(events []ChangeEvent) []ChangeEvent {
	out := make([]ChangeEvent, len(events))
	for i, e := range events {
		out[i] = e
		if e.Before != nil {
			before := e.Before.Clone()
			out[i].Before = &before
		}
		if e.After != nil {
			after := e.After.Clone()
			out[i].After = &after
		}
		if e.Patch != nil {
			out[i].Patch = append([]byte(nil), e.Patch...)
		}
	}
	return out
}

func (c *Coordinator) invokeChange(subscriberID string, listener ChangeListener, events []ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryCoordinator).Error("change listener %s panicked: %v", subscriberID, r)
		}
	}()
	listener(events)
}

func (c *Coordinator) dispatchStatus(status transport.Status) {
	c.subsMu.RLock()
	listeners := make(map[string]StatusListener, len(c.statusListeners))
	for id, l := range c.statusListeners {
		listeners[id] = l
	}
	c.subsMu.RUnlock()

	for id, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryCoordinator).Error("status listener %s panicked: %v", id, r)
				}
			}()
			listener(status)
		}()
	}
}
