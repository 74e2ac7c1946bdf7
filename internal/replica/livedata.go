package replica

import (
	"context"
	"sync"

	"livesync/internal/coordinator"
	"livesync/internal/logging"
	"livesync/internal/protocol"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// LiveState is the load state of a LiveData view.
type LiveState string

const (
	LiveLoading LiveState = "loading"
	LiveReady   LiveState = "ready"
	LiveError   LiveState = "error"
)

// LiveData keeps a consumer-side view of one collection up to date.
// Events that arrive while the initial fetch is running are buffered and
// applied once it completes.
type LiveData struct {
	collection string
	sub        *Subscription
	onUpdate   func(map[string]protocol.Record)

	mu      sync.Mutex
	state   LiveState
	err     error
	records map[string]protocol.Record
	deleted map[string]int64
	pending []coordinator.ChangeEvent
	seq     uint64 // bumped for every snapshot handed to notify

	notifyMu sync.Mutex
	notified uint64 // seq of the last snapshot passed to onUpdate

	settled chan struct{} // closed when state leaves loading
	cancel  context.CancelFunc
	done    chan struct{}
}

// LiveData subscribes to collection and starts the initial fetch. onUpdate,
// if non-nil, receives a copy of the view after every change.
func (r *Replica) LiveData(ctx context.Context, collection string, onUpdate func(map[string]protocol.Record)) (*LiveData, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	l := &LiveData{
		collection: collection,
		onUpdate:   onUpdate,
		state:      LiveLoading,
		records:    make(map[string]protocol.Record),
		deleted:    make(map[string]int64),
		settled:    make(chan struct{}),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	sub, err := r.SubscribeToChangeEvents(collection, gonanoid.Must(), l.onEvents)
	if err != nil {
		cancel()
		return nil, err
	}
	l.sub = sub

	go l.load(fetchCtx, r)
	return l, nil
}

func (l *LiveData) load(ctx context.Context, r *Replica) {
	defer close(l.done)

	records, err := r.FetchData(ctx, l.collection)

	l.mu.Lock()
	if err != nil {
		l.state = LiveError
		l.err = err
		l.pending = nil
		l.mu.Unlock()
		close(l.settled)
		logging.Get(logging.CategoryReplica).Warn("live data %s failed to load: %v", l.collection, err)
		return
	}

	if records != nil {
		l.records = records
	}
	pending := l.pending
	l.pending = nil
	l.applyLocked(pending)
	l.state = LiveReady
	snapshot, seq := l.snapshotForNotifyLocked()
	l.mu.Unlock()

	close(l.settled)
	l.notify(snapshot, seq)
}

func (l *LiveData) onEvents(events []coordinator.ChangeEvent) {
	l.mu.Lock()
	switch l.state {
	case LiveLoading:
		l.pending = append(l.pending, events...)
		l.mu.Unlock()
		return
	case LiveError:
		l.mu.Unlock()
		return
	}
	if !l.applyLocked(events) {
		l.mu.Unlock()
		return
	}
	snapshot, seq := l.snapshotForNotifyLocked()
	l.mu.Unlock()

	l.notify(snapshot, seq)
}

// applyLocked skips an event when the view already holds a newer record or
// a newer removal for its id.
func (l *LiveData) applyLocked(events []coordinator.ChangeEvent) bool {
	changed := false
	for _, e := range events {
		if rec, ok := l.records[e.ID]; ok && rec.Version() > e.Version {
			continue
		}
		if v, ok := l.deleted[e.ID]; ok && v > e.Version {
			continue
		}

		switch e.Kind {
		case protocol.ChangeCreate, protocol.ChangeUpdate:
			if e.After == nil {
				continue
			}
			l.records[e.ID] = e.After.Clone()
			delete(l.deleted, e.ID)
		case protocol.ChangeRemove:
			delete(l.records, e.ID)
			l.deleted[e.ID] = e.Version
		default:
			continue
		}
		changed = true
	}
	return changed
}

func (l *LiveData) snapshotLocked() map[string]protocol.Record {
	out := make(map[string]protocol.Record, len(l.records))
	for id, rec := range l.records {
		out[id] = rec.Clone()
	}
	return out
}

func (l *LiveData) snapshotForNotifyLocked() (map[string]protocol.Record, uint64) {
	l.seq++
	return l.snapshotLocked(), l.seq
}

// notify passes snapshots to onUpdate one at a time and drops any snapshot
// older than the last one delivered.
func (l *LiveData) notify(snapshot map[string]protocol.Record, seq uint64) {
	if l.onUpdate == nil {
		return
	}
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if seq <= l.notified {
		return
	}
	l.notified = seq
	l.onUpdate(snapshot)
}

// State returns the current load state.
func (l *LiveData) State() LiveState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the load error once the state is LiveError.
func (l *LiveData) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Snapshot returns a copy of the current view.
func (l *LiveData) Snapshot() map[string]protocol.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Wait blocks until the initial load finished and returns its error.
func (l *LiveData) Wait(ctx context.Context) error {
	select {
	case <-l.settled:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the view and removes its subscription.
func (l *LiveData) Close() {
	l.cancel()
	<-l.done
	l.sub.Unsubscribe()
}
