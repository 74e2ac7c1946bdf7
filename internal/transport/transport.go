// Package transport maintains the single persistent websocket connection to
// the replication server and reconnects on a fixed interval while it is down.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"livesync/internal/logging"
	"livesync/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection state.
type State int

const (
	StateIdle State = iota // Connect not called yet
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the connectivity reported to subscribers.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// DefaultReconnectInterval is used when Settings.ReconnectInterval is zero.
const DefaultReconnectInterval = 15 * time.Second

// Settings configures a Transport.
type Settings struct {
	URL               string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Header            http.Header
}

// Hooks are invoked by the transport. OnMessage runs on the read goroutine,
// one frame at a time in arrival order. OnOpen runs in its own goroutine and
// its context is cancelled by Close.
type Hooks struct {
	OnOpen    func(ctx context.Context)
	OnStatus  func(Status)
	OnMessage func([]byte)
}

// Transport is a websocket client with fixed-interval reconnect.
type Transport struct {
	settings Settings
	hooks    Hooks
	dialer   *websocket.Dialer

	mu         sync.Mutex
	state      State
	changed    chan struct{} // closed and replaced on every state change
	conn       *websocket.Conn
	retryStop  chan struct{} // non-nil while the retry ticker is armed
	lastStatus Status
	started    bool
	shutdown   bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Transport. Nothing is dialed until Connect.
func New(settings Settings, hooks Hooks) *Transport {
	if settings.ReconnectInterval <= 0 {
		settings.ReconnectInterval = DefaultReconnectInterval
	}
	if settings.HandshakeTimeout <= 0 {
		settings.HandshakeTimeout = 10 * time.Second
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		settings: settings,
		hooks:    hooks,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect starts the first connection attempt and returns without waiting
// for it. Calling it again is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shutdown {
		return fmt.Errorf("transport is closed")
	}
	if t.started {
		return nil
	}
	t.started = true

	logging.Transport("connecting to %s", t.settings.URL)
	t.startAttemptLocked()
	return nil
}

// Send encodes msg and writes it as one text frame. While the connection is
// being established it waits for the outcome (or ctx). If the connection is
// closed the message is dropped and nil is returned.
func (t *Transport) Send(ctx context.Context, msg any) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	for {
		t.mu.Lock()
		state, conn, changed := t.state, t.conn, t.changed
		t.mu.Unlock()

		switch state {
		case StateOpen:
			return t.write(conn, data)
		case StateClosed:
			logging.Get(logging.CategoryTransport).Warn("connection closed, dropping %d byte message", len(data))
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Transport) write(conn *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop observes the broken connection and moves to Closed.
		_ = conn.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	logging.TransportDebug("sent %d bytes", len(data))
	return nil
}

// TryReconnectIfClosed starts a connection attempt immediately when the
// transport is Closed. It does nothing before Connect, while an attempt is in
// flight, while open, or after Close.
func (t *Transport) TryReconnectIfClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.shutdown || t.state != StateClosed {
		return
	}
	logging.Transport("reconnect requested")
	t.stopRetryLocked()
	t.startAttemptLocked()
}

// Close stops reconnecting, aborts any in-flight dial, closes the connection
// and waits for the transport's goroutines. It must not be called from a hook.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	t.stopRetryLocked()
	conn := t.conn
	t.conn = nil
	wasOpen := t.state == StateOpen
	t.setStateLocked(StateClosed)
	t.mu.Unlock()

	t.cancel()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		_ = conn.Close()
	}

	t.wg.Wait()

	if wasOpen {
		t.reportStatus(StatusOffline)
	}
	logging.Transport("transport closed")
	return nil
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns the last reported status. Offline until the first open.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastStatus == "" {
		return StatusOffline
	}
	return t.lastStatus
}

// =============================================================================
// Internals
// =============================================================================

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Transport) startAttemptLocked() {
	t.setStateLocked(StateConnecting)
	t.wg.Add(1)
	go t.run(uuid.NewString())
}

// run dials once and, on success, reads until the connection drops.
func (t *Transport) run(attempt string) {
	defer t.wg.Done()
	log := logging.Get(logging.CategoryTransport).With("attempt", attempt)

	conn, resp, err := t.dialer.DialContext(t.ctx, t.settings.URL, t.settings.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		log.Warn("dial %s failed: %v", t.settings.URL, err)
		t.closed(nil)
		return
	}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.stopRetryLocked()
	t.setStateLocked(StateOpen)
	t.mu.Unlock()

	log.Info("connected to %s", t.settings.URL)
	t.reportStatus(StatusOnline)

	if t.hooks.OnOpen != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.hooks.OnOpen(t.ctx)
		}()
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("connection closed by peer")
			} else {
				log.Warn("read failed: %v", err)
			}
			break
		}
		if mt != websocket.TextMessage {
			log.Warn("dropping non-text frame (type %d, %d bytes)", mt, len(data))
			continue
		}
		if t.hooks.OnMessage != nil {
			t.hooks.OnMessage(data)
		}
	}

	_ = conn.Close()
	t.closed(conn)
}

// closed moves to Closed after a failed dial or a dropped connection and
// arms the retry ticker.
func (t *Transport) closed(conn *websocket.Conn) {
	t.mu.Lock()
	if conn != nil && t.conn == conn {
		t.conn = nil
	}
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateClosed)
	t.armRetryLocked()
	t.mu.Unlock()

	t.reportStatus(StatusOffline)
}

func (t *Transport) armRetryLocked() {
	if t.retryStop != nil {
		return
	}
	stop := make(chan struct{})
	t.retryStop = stop

	interval := t.settings.ReconnectInterval
	logging.TransportDebug("retrying every %s", interval)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.mu.Lock()
				if !t.shutdown && t.state == StateClosed {
					t.startAttemptLocked()
				}
				t.mu.Unlock()
			}
		}
	}()
}

func (t *Transport) stopRetryLocked() {
	if t.retryStop != nil {
		close(t.retryStop)
		t.retryStop = nil
	}
}

// reportStatus forwards transitions only.
func (t *Transport) reportStatus(s Status) {
	t.mu.Lock()
	if t.lastStatus == s {
		t.mu.Unlock()
		return
	}
	t.lastStatus = s
	t.mu.Unlock()

	if t.hooks.OnStatus != nil {
		t.hooks.OnStatus(s)
	}
}
