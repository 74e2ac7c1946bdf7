// Package replica runs the coordinator behind an actor goroutine and falls
// back to an in-process coordinator when the actor cannot start or fails.
// Listener callbacks always run on the replica's dispatcher goroutine.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"livesync/internal/config"
	"livesync/internal/coordinator"
	"livesync/internal/logging"
	"livesync/internal/metrics"
	"livesync/internal/protocol"
	"livesync/internal/store"
	"livesync/internal/transport"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("replica is closed")

// deliveryBuffer bounds the events waiting for the dispatcher.
const deliveryBuffer = 256

type coordinatorFactory func() (*coordinator.Coordinator, error)

type options struct {
	networkSignal <-chan struct{}
	metrics       *metrics.Metrics
	newTransport  coordinator.TransportFactory
	inProcess     bool
	factory       coordinatorFactory
}

// Option configures a Replica.
type Option func(*options)

// WithNetworkSignal reconnects immediately whenever a value arrives on ch.
func WithNetworkSignal(ch <-chan struct{}) Option {
	return func(o *options) { o.networkSignal = ch }
}

// WithMetrics records engine metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTransportFactory overrides how the coordinator's transport is built.
func WithTransportFactory(f coordinator.TransportFactory) Option {
	return func(o *options) { o.newTransport = f }
}

// WithInProcess skips the actor and runs the coordinator directly.
func WithInProcess() Option {
	return func(o *options) { o.inProcess = true }
}

// withCoordinatorFactory replaces how coordinators are built.
func withCoordinatorFactory(f coordinatorFactory) Option {
	return func(o *options) { o.factory = f }
}

// delivery is one listener invocation queued for the dispatcher.
type delivery struct {
	collection   string
	subscriberID string
	events       []coordinator.ChangeEvent
	status       transport.Status
	isStatus     bool
}

type subKey struct {
	collection   string
	subscriberID string
}

// Replica is the entry point applications use.
type Replica struct {
	opts  options
	build coordinatorFactory

	mu       sync.Mutex
	actor    *actor
	local    *coordinator.Coordinator
	closed   bool
	switched chan struct{} // closed once fallback has finished
	startErr error

	subsMu     sync.Mutex
	changeSubs map[subKey]coordinator.ChangeListener
	statusSubs map[string]coordinator.StatusListener

	deliveries   chan delivery
	closing      chan struct{}
	dispatchDone chan struct{} // closed when the dispatcher has exited
	inListener   atomic.Bool   // set while the dispatcher runs a listener
	wg           sync.WaitGroup
}

// Start builds the coordinator for cfg inside an actor and returns at once.
// Cancelling ctx closes the replica.
func Start(ctx context.Context, cfg *config.Config, opts ...Option) *Replica {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := &Replica{
		opts:       o,
		changeSubs: make(map[subKey]coordinator.ChangeListener),
		statusSubs: make(map[string]coordinator.StatusListener),
		deliveries:   make(chan delivery, deliveryBuffer),
		closing:      make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	r.build = o.factory
	if r.build == nil {
		r.build = func() (*coordinator.Coordinator, error) {
			st := store.New(cfg.Store, cfg.Collections.Prefetch)
			return coordinator.New(coordinator.FromConfig(cfg), st, o.newTransport, coordinator.WithMetrics(o.metrics)), nil
		}
	}

	go r.dispatch()

	if o.inProcess {
		r.startErr = r.startLocal()
	} else {
		r.actor = startActor(context.Background(), r.build)
		r.wg.Add(1)
		go r.supervise(r.actor)
		logging.Replica("coordinator started in isolated actor")
	}

	if o.networkSignal != nil {
		r.wg.Add(1)
		go r.watchNetwork(o.networkSignal)
	}

	go func() {
		select {
		case <-ctx.Done():
			logging.Replica("shutdown signal received")
			_ = r.Close()
		case <-r.closing:
		}
	}()

	return r
}

// =============================================================================
// Routing and fallback
// =============================================================================

// call runs fn on the active coordinator, switching to the in-process one
// if the actor has failed.
func (r *Replica) call(ctx context.Context, fn op) (any, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	a, local, startErr := r.actor, r.local, r.startErr
	r.mu.Unlock()

	if local != nil {
		return fn(ctx, local)
	}
	if a == nil {
		return nil, fmt.Errorf("no coordinator available: %w", startErr)
	}

	value, err := a.do(ctx, fn)
	if !errors.Is(err, errActorFailed) {
		return value, err
	}

	if err := r.fallback(); err != nil {
		return nil, err
	}
	return r.call(ctx, fn)
}

// supervise falls back as soon as the actor reports a failure.
func (r *Replica) supervise(a *actor) {
	defer r.wg.Done()
	select {
	case <-a.failed:
		if err := r.fallback(); err != nil && !errors.Is(err, ErrClosed) {
			logging.Get(logging.CategoryReplica).Error("fallback failed: %v", err)
		}
	case <-r.closing:
	}
}

// fallback switches once to an in-process coordinator and replays every
// known subscription on it. Concurrent callers wait for the first one.
func (r *Replica) fallback() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.switched != nil {
		switched := r.switched
		r.mu.Unlock()
		select {
		case <-switched:
			return r.startErr
		case <-r.closing:
			return ErrClosed
		}
	}
	r.switched = make(chan struct{})
	a := r.actor
	r.mu.Unlock()

	// The actor's coordinator owns the store and the connection until it exits.
	<-a.done
	logging.Get(logging.CategoryReplica).Warn("switching to in-process coordinator: %v", a.failErr)
	r.opts.metrics.FallbackActivated()

	err := r.startLocal()

	r.mu.Lock()
	r.startErr = err
	close(r.switched)
	r.mu.Unlock()
	return err
}

// startLocal builds, wires and initializes the in-process coordinator, then
// makes it the target of every call.
func (r *Replica) startLocal() error {
	c, err := r.build()
	if err != nil {
		logging.Get(logging.CategoryReplica).Error("failed to build in-process coordinator: %v", err)
		return fmt.Errorf("failed to build coordinator: %w", err)
	}

	r.subsMu.Lock()
	for key := range r.changeSubs {
		c.SubscribeToChangeEvents(key.collection, key.subscriberID, r.forwardChanges(key))
	}
	for id := range r.statusSubs {
		c.SubscribeConnectionStatus(id, r.forwardStatus(id))
	}
	r.subsMu.Unlock()

	if err := c.Init(context.Background()); err != nil {
		_ = c.Close()
		logging.Get(logging.CategoryReplica).Error("in-process coordinator init failed: %v", err)
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.Join(ErrClosed, c.Close())
	}
	r.local = c
	r.actor = nil
	r.mu.Unlock()

	logging.Replica("coordinator running in process")
	return nil
}

// Isolated reports whether calls are still served by the actor.
func (r *Replica) Isolated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local == nil && r.actor != nil
}

// =============================================================================
// Listener proxying
// =============================================================================

func (r *Replica) forwardChanges(key subKey) coordinator.ChangeListener {
	return func(events []coordinator.ChangeEvent) {
		select {
		case r.deliveries <- delivery{collection: key.collection, subscriberID: key.subscriberID, events: events}:
		case <-r.closing:
		}
	}
}

func (r *Replica) forwardStatus(id string) coordinator.StatusListener {
	return func(status transport.Status) {
		select {
		case r.deliveries <- delivery{subscriberID: id, status: status, isStatus: true}:
		case <-r.closing:
		}
	}
}

// dispatch runs listener callbacks in the order events were forwarded.
func (r *Replica) dispatch() {
	defer close(r.dispatchDone)
	for {
		select {
		case <-r.closing:
			return
		case d := <-r.deliveries:
			r.deliver(d)
		}
	}
}

func (r *Replica) deliver(d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Get(logging.CategoryReplica).Error("listener %s panicked: %v", d.subscriberID, rec)
		}
	}()

	r.subsMu.Lock()
	var change coordinator.ChangeListener
	var status coordinator.StatusListener
	if d.isStatus {
		status = r.statusSubs[d.subscriberID]
	} else {
		change = r.changeSubs[subKey{d.collection, d.subscriberID}]
	}
	r.subsMu.Unlock()

	r.inListener.Store(true)
	defer r.inListener.Store(false)
	switch {
	case status != nil:
		status(d.status)
	case change != nil:
		change(d.events)
	}
}

// =============================================================================
// Public API
// =============================================================================

// Subscription is a registered listener.
type Subscription struct {
	r            *Replica
	collection   string
	subscriberID string
	status       bool
	once         sync.Once
}

// ID returns the subscriber id.
func (s *Subscription) ID() string {
	return s.subscriberID
}

// Unsubscribe removes the listener. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.status {
			s.r.unsubscribeStatus(s.subscriberID)
		} else {
			s.r.unsubscribeChanges(s.collection, s.subscriberID)
		}
	})
}

// Ready waits until the active coordinator has initialized.
func (r *Replica) Ready(ctx context.Context) error {
	_, err := r.call(ctx, func(ctx context.Context, c *coordinator.Coordinator) (any, error) {
		select {
		case <-c.Ready():
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return err
}

// FetchData returns the current records of collection.
func (r *Replica) FetchData(ctx context.Context, collection string) (map[string]protocol.Record, error) {
	value, err := r.call(ctx, func(ctx context.Context, c *coordinator.Coordinator) (any, error) {
		return c.FetchData(ctx, collection)
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]protocol.Record), nil
}

// SubscribeToChangeEvents registers listener for collection. An empty
// subscriberID is replaced with a generated one. Subscribing again with the
// same id replaces the listener.
func (r *Replica) SubscribeToChangeEvents(collection, subscriberID string, listener coordinator.ChangeListener) (*Subscription, error) {
	if subscriberID == "" {
		subscriberID = gonanoid.Must()
	}
	key := subKey{collection, subscriberID}

	r.subsMu.Lock()
	r.changeSubs[key] = listener
	r.subsMu.Unlock()

	forward := r.forwardChanges(key)
	_, err := r.call(context.Background(), func(_ context.Context, c *coordinator.Coordinator) (any, error) {
		c.SubscribeToChangeEvents(collection, subscriberID, forward)
		return nil, nil
	})
	if err != nil {
		r.subsMu.Lock()
		delete(r.changeSubs, key)
		r.subsMu.Unlock()
		return nil, err
	}
	return &Subscription{r: r, collection: collection, subscriberID: subscriberID}, nil
}

func (r *Replica) unsubscribeChanges(collection, subscriberID string) {
	r.subsMu.Lock()
	delete(r.changeSubs, subKey{collection, subscriberID})
	r.subsMu.Unlock()

	_, _ = r.call(context.Background(), func(_ context.Context, c *coordinator.Coordinator) (any, error) {
		c.UnsubscribeToChangeEvents(collection, subscriberID)
		return nil, nil
	})
}

// SubscribeConnectionStatus registers a status listener.
func (r *Replica) SubscribeConnectionStatus(subscriberID string, listener coordinator.StatusListener) (*Subscription, error) {
	if subscriberID == "" {
		subscriberID = gonanoid.Must()
	}

	r.subsMu.Lock()
	r.statusSubs[subscriberID] = listener
	r.subsMu.Unlock()

	forward := r.forwardStatus(subscriberID)
	_, err := r.call(context.Background(), func(_ context.Context, c *coordinator.Coordinator) (any, error) {
		c.SubscribeConnectionStatus(subscriberID, forward)
		return nil, nil
	})
	if err != nil {
		r.subsMu.Lock()
		delete(r.statusSubs, subscriberID)
		r.subsMu.Unlock()
		return nil, err
	}
	return &Subscription{r: r, subscriberID: subscriberID, status: true}, nil
}

func (r *Replica) unsubscribeStatus(subscriberID string) {
	r.subsMu.Lock()
	delete(r.statusSubs, subscriberID)
	r.subsMu.Unlock()

	_, _ = r.call(context.Background(), func(_ context.Context, c *coordinator.Coordinator) (any, error) {
		c.UnsubscribeConnectionStatus(subscriberID)
		return nil, nil
	})
}

// ConnectionChange reconnects immediately if the connection is closed.
func (r *Replica) ConnectionChange() {
	_, err := r.call(context.Background(), func(_ context.Context, c *coordinator.Coordinator) (any, error) {
		c.ConnectionChange()
		return nil, nil
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		logging.Get(logging.CategoryReplica).Warn("connection change: %v", err)
	}
}

// Status returns the last connection status.
func (r *Replica) Status(ctx context.Context) (transport.Status, error) {
	value, err := r.call(ctx, func(_ context.Context, c *coordinator.Coordinator) (any, error) {
		return c.Status(), nil
	})
	if err != nil {
		return transport.StatusOffline, err
	}
	return value.(transport.Status), nil
}

func (r *Replica) watchNetwork(signal <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closing:
			return
		case _, ok := <-signal:
			if !ok {
				return
			}
			logging.Replica("network available, reconnecting")
			r.ConnectionChange()
		}
	}
}

// Close shuts the active coordinator down and stops the dispatcher. Calling
// it again is a no-op. Called from a listener, Close does not wait for the
// dispatcher, which exits once that listener returns.
func (r *Replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	a, local := r.actor, r.local
	r.mu.Unlock()

	close(r.closing)

	var err error
	if a != nil {
		a.shutdown()
	}
	if local != nil {
		err = local.Close()
	}

	r.wg.Wait()
	if !r.inListener.Load() {
		<-r.dispatchDone
	}
	logging.Replica("replica closed")
	return err
}
