// Package metrics exposes prometheus collectors for the replication engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"livesync/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livesync"

// Drop reasons.
const (
	DropUnknownType = "unknown_type"
	DropInvalid     = "invalid"
)

// Rejection rules.
const (
	RejectVersion   = "version"
	RejectTombstone = "tombstone"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	messages     *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	online       prometheus.Gauge
	syncRequests prometheus.Counter
	fallbacks    prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Server messages applied, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Server messages dropped without being applied, by reason.",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Incoming records or removals rejected by the merge, by rule.",
		}, []string{"collection", "rule"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_online",
			Help:      "1 while the replication connection is open.",
		}),
		syncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_requests_total",
			Help:      "Sync requests sent after a connection opened.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replica_fallbacks_total",
			Help:      "Switches from the isolated coordinator to the in-process one.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.messages, m.dropped, m.rejected, m.online, m.syncRequests, m.fallbacks)
	}
	return m
}

// MessageReceived counts a decoded message of the given type.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType).Inc()
}

// MessageDropped counts a message that was not applied.
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// RecordRejected counts one record or removal refused by the merge.
func (m *Metrics) RecordRejected(collection, rule string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(collection, rule).Inc()
}

// SetOnline updates the connection gauge.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// SyncRequested counts a sync request.
func (m *Metrics) SyncRequested() {
	if m == nil {
		return
	}
	m.syncRequests.Inc()
}

// FallbackActivated counts a replica fallback.
func (m *Metrics) FallbackActivated() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

// The accessors below return a detached zero collector on a nil *Metrics.

// Rejected returns the rejection counter for collection and rule.
func (m *Metrics) Rejected(collection, rule string) prometheus.Counter {
	if m == nil {
		return detachedCounter("records_rejected_total")
	}
	return m.rejected.WithLabelValues(collection, rule)
}

// Dropped returns the drop counter for reason.
func (m *Metrics) Dropped(reason string) prometheus.Counter {
	if m == nil {
		return detachedCounter("messages_dropped_total")
	}
	return m.dropped.WithLabelValues(reason)
}

// SyncRequests returns the sync request counter.
func (m *Metrics) SyncRequests() prometheus.Counter {
	if m == nil {
		return detachedCounter("sync_requests_total")
	}
	return m.syncRequests
}

// Fallbacks returns the replica fallback counter.
func (m *Metrics) Fallbacks() prometheus.Counter {
	if m == nil {
		return detachedCounter("replica_fallbacks_total")
	}
	return m.fallbacks
}

// Online returns the connection gauge.
func (m *Metrics) Online() prometheus.Gauge {
	if m == nil {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connection_online"})
	}
	return m.online
}

func detachedCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Get(logging.CategoryMetrics).Info("serving metrics on %s/metrics", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}
