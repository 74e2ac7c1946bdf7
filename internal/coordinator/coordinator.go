// Package coordinator keeps the in-memory mirror of replicated collections
// coherent with the durable store, applies server messages under
// last-writer-wins rules and notifies subscribers of accepted changes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"livesync/internal/config"
	"livesync/internal/logging"
	"livesync/internal/metrics"
	"livesync/internal/protocol"
	"livesync/internal/transport"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by calls that wait for readiness after Close.
var ErrClosed = errors.New("coordinator is closed")

// Store is the durable storage the coordinator persists to.
type Store interface {
	Load(ctx context.Context) error
	IsSupported() bool
	FetchCollectionVersions(ctx context.Context) (map[string]int64, error)
	SetItems(ctx context.Context, collection string, items []protocol.Record, removed map[string]int64, checkpoint *int64) error
	SetItem(ctx context.Context, collection string, item protocol.Record) error
	DeleteItem(ctx context.Context, collection, id string, version int64) error
	RemoveCollection(ctx context.Context, name string) error
	ReadCollection(ctx context.Context, name string) (map[string]protocol.Record, error)
	PrefetchCollections(ctx context.Context, names []string) (map[string]map[string]protocol.Record, error)
	Close() error
}

// Transport is the persistent connection to the replication server.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg any) error
	Close() error
	TryReconnectIfClosed()
}

// TransportFactory builds the transport with the coordinator's hooks.
type TransportFactory func(settings transport.Settings, hooks transport.Hooks) Transport

// DefaultTransportFactory builds a websocket transport.
func DefaultTransportFactory(settings transport.Settings, hooks transport.Hooks) Transport {
	return transport.New(settings, hooks)
}

// Config configures a Coordinator.
type Config struct {
	Transport transport.Settings
	Prefetch  []string
}

// FromConfig derives the coordinator settings from the application config.
func FromConfig(cfg *config.Config) Config {
	return Config{
		Transport: transport.Settings{
			URL:               cfg.Transport.URL,
			ReconnectInterval: cfg.GetReconnectInterval(),
			HandshakeTimeout:  cfg.GetHandshakeTimeout(),
			WriteTimeout:      cfg.GetWriteTimeout(),
		},
		Prefetch: append([]string(nil), cfg.Collections.Prefetch...),
	}
}

// Option configures optional Coordinator behaviour.
type Option func(*Coordinator)

// WithMetrics records engine metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator owns the mirror, the tombstones and the listener registries.
type Coordinator struct {
	cfg       Config
	store     Store
	transport Transport
	metrics   *metrics.Metrics

	initMu  sync.Mutex
	started bool
	ready   chan struct{} // closed once Init has prefetched
	done    chan struct{} // closed by Close
	closeMu sync.Mutex
	closed  bool

	handleMu sync.Mutex // serializes message handling

	mu         sync.RWMutex
	mirror     map[string]map[string]protocol.Record
	tombstones map[string]map[string]int64
	status     transport.Status

	subsMu          sync.RWMutex
	changeListeners map[string]map[string]ChangeListener
	statusListeners map[string]StatusListener
}

// New creates a new Coordinator. A nil newTransport uses
// DefaultTransportFactory.
func New(cfg Config, store Store, newTransport TransportFactory, opts ...Option) *Coordinator {
	if newTransport == nil {
		newTransport = DefaultTransportFactory
	}

	c := &Coordinator{
		cfg:             cfg,
		store:           store,
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
		mirror:          make(map[string]map[string]protocol.Record),
		tombstones:      make(map[string]map[string]int64),
		status:          transport.StatusOffline,
		changeListeners: make(map[string]map[string]ChangeListener),
		statusListeners: make(map[string]StatusListener),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.transport = newTransport(cfg.Transport, transport.Hooks{
		OnOpen:    c.onOpen,
		OnStatus:  c.onStatus,
		OnMessage: c.onMessage,
	})
	return c
}

// Init loads the store and connects the transport concurrently, then
// prefetches the configured collections and marks the coordinator ready.
// Only the first successful call does any work; a failed Init can be retried.
func (c *Coordinator) Init(ctx context.Context) error {
	c.initMu.Lock()
	if c.started {
		c.initMu.Unlock()
		return nil
	}
	c.started = true
	c.initMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.store.Load(gctx)
	})
	g.Go(func() error {
		return c.transport.Connect(gctx)
	})
	if err := g.Wait(); err != nil {
		c.initMu.Lock()
		c.started = false
		c.initMu.Unlock()
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}

	prefetched, err := c.store.PrefetchCollections(ctx, c.cfg.Prefetch)
	if err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("prefetch failed, collections will load lazily: %v", err)
	}

	c.mu.Lock()
	for name, records := range prefetched {
		if _, ok := c.mirror[name]; !ok {
			c.mirror[name] = records
		}
	}
	c.mu.Unlock()

	close(c.ready)
	logging.Coordinator("ready: prefetched %d collections, durable=%t", len(prefetched), c.store.IsSupported())
	return nil
}

// Ready is closed once Init has completed.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// Close closes the transport and then the store. Calling it again is a no-op.
func (c *Coordinator) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.closeMu.Unlock()

	var errs []error
	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	logging.Coordinator("coordinator closed")
	return errors.Join(errs...)
}

// waitReady blocks until Init completed, ctx is done or the coordinator closed.
func (c *Coordinator) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	default:
	}
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchData waits for readiness and returns a copy of the collection from
// the mirror, or from the store when the mirror has no entry for it.
func (c *Coordinator) FetchData(ctx context.Context, collection string) (map[string]protocol.Record, error) {
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	records, ok := c.mirror[collection]
	if ok {
		out := make(map[string]protocol.Record, len(records))
		for id, rec := range records {
			out[id] = rec.Clone()
		}
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	return c.store.ReadCollection(ctx, collection)
}

// ConnectionChange asks the transport to reconnect now if it is closed.
func (c *Coordinator) ConnectionChange() {
	c.transport.TryReconnectIfClosed()
}

// Status returns the last connection status.
func (c *Coordinator) Status() transport.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// =============================================================================
// Transport hooks
// =============================================================================

// onOpen requests catch-up from the stored checkpoints.
func (c *Coordinator) onOpen(ctx context.Context) {
	if err := c.waitReady(ctx); err != nil {
		return
	}

	versions, err := c.store.FetchCollectionVersions(ctx)
	if err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("failed to read checkpoints, requesting full sync: %v", err)
		versions = nil
	}

	if err := c.transport.Send(ctx, protocol.SyncRequest{CollectionVersions: versions}); err != nil {
		logging.Get(logging.CategoryCoordinator).Warn("failed to send sync request: %v", err)
		return
	}
	c.metrics.SyncRequested()
	logging.Coordinator("sync requested for %d collections", len(versions))
}

func (c *Coordinator) onStatus(status transport.Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.metrics.SetOnline(status == transport.StatusOnline)
	logging.Coordinator("connection %s", status)
	c.dispatchStatus(status)
}

// onMessage runs on the transport's read goroutine.
func (c *Coordinator) onMessage(data []byte) {
	if err := c.waitReady(context.Background()); err != nil {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		reason := metrics.DropInvalid
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = metrics.DropUnknownType
		}
		c.metrics.MessageDropped(reason)
		logging.Get(logging.CategoryCoordinator).Warn("dropping message: %v", err)
		return
	}

	c.metrics.MessageReceived(msg.Type())
	c.handle(context.Background(), msg)
}

// handle applies one decoded message. Messages are applied one at a time.
func (c *Coordinator) handle(ctx context.Context, msg protocol.Message) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	logging.CoordinatorDebug("applying %s for %s", msg.Type(), msg.Collection())

	switch m := msg.(type) {
	case protocol.RemoveCollection:
		c.handleRemoveCollection(ctx, m)
	case protocol.FullSync:
		checkpoint := m.Version
		c.handleSync(ctx, m.CollectionName, m.Values, m.RemovedIDs, &checkpoint)
	case protocol.PartialSync:
		c.handleSync(ctx, m.CollectionName, m.Values, nil, nil)
	case protocol.Change:
		c.handleChange(ctx, m)
	default:
		c.metrics.MessageDropped(metrics.DropUnknownType)
		logging.Get(logging.CategoryCoordinator).Error("message type %T is not handled", msg)
	}
}

func (c *Coordinator) handleRemoveCollection(ctx context.Context, m protocol.RemoveCollection) {
	if err := c.store.RemoveCollection(ctx, m.CollectionName); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("failed to remove %s from store: %v", m.CollectionName, err)
	}

	c.mu.Lock()
	delete(c.mirror, m.CollectionName)
	delete(c.tombstones, m.CollectionName)
	c.mu.Unlock()

	logging.Coordinator("collection %s removed", m.CollectionName)
}

// handleSync applies FullSync (with removals and checkpoint) and PartialSync.
func (c *Coordinator) handleSync(ctx context.Context, collection string, values []protocol.Record, removed map[string]int64, checkpoint *int64) {
	c.hydrate(ctx, collection)

	b := c.selectBatch(collection, values, removed)

	// Persist before the mirror and subscribers observe the batch.
	if err := c.store.SetItems(ctx, collection, b.values, b.removed, checkpoint); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("failed to persist %s batch: %v", collection, err)
	}

	events := c.commitBatch(collection, b)
	logging.CoordinatorDebug("%s: applied %d values, %d removals, rejected %d", collection, len(b.values), len(b.removed), b.rejected)

	c.dispatchChanges(collection, events)
}

func (c *Coordinator) handleChange(ctx context.Context, m protocol.Change) {
	collection := m.CollectionName
	c.hydrate(ctx, collection)

	if m.Kind == protocol.ChangeRemove {
		c.mu.RLock()
		rule := c.rejectRemovalLocked(collection, m.ID, m.UpdatedAt)
		c.mu.RUnlock()
		if rule != "" {
			c.metrics.RecordRejected(collection, rule)
			logging.CoordinatorDebug("%s: stale remove of %s at %d rejected (%s)", collection, m.ID, m.UpdatedAt, rule)
			return
		}

		if err := c.store.DeleteItem(ctx, collection, m.ID, m.UpdatedAt); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("failed to delete %s/%s: %v", collection, m.ID, err)
		}

		c.mu.Lock()
		evicted := c.removeLocked(collection, m.ID, m.UpdatedAt)
		c.mu.Unlock()

		ev := changeEvent(m)
		if ev.Before == nil && evicted != nil {
			ev.Before = evicted
		}
		c.dispatchChanges(collection, []ChangeEvent{ev})
		return
	}

	rec := *m.After
	c.mu.RLock()
	rule := c.rejectRecordLocked(collection, rec)
	c.mu.RUnlock()
	if rule != "" {
		c.metrics.RecordRejected(collection, rule)
		logging.CoordinatorDebug("%s: stale %s of %s at %d rejected (%s)", collection, m.Kind, m.ID, rec.UpdatedAt, rule)
		return
	}

	if err := c.store.SetItem(ctx, collection, rec); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("failed to write %s/%s: %v", collection, m.ID, err)
	}

	c.mu.Lock()
	c.putLocked(collection, rec)
	c.mu.Unlock()

	c.dispatchChanges(collection, []ChangeEvent{changeEvent(m)})
}
