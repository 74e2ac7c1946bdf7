package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"livesync/internal/config"
	"livesync/internal/coordinator"
	"livesync/internal/logging"
	"livesync/internal/metrics"
	"livesync/internal/replica"
	"livesync/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runCollections []string
	metricsAddr    string
	watchConfig    bool
)

// runCmd starts a replica and follows the configured collections
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the server and keep the local replica in sync",
	Long: `Starts the replication engine and logs connection status and change events
until interrupted.

Signals:
  SIGHUP           treat as "network became available" and reconnect now
  SIGINT, SIGTERM  shut down`,
	Args: cobra.NoArgs,
	RunE: runReplica,
}

func runReplica(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	follow := lo.Uniq(append(append([]string(nil), cfg.Collections.Prefetch...), runCollections...))
	cfg.Collections.Prefetch = follow
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.ListenAddress
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	network := make(chan struct{}, 1)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	r := replica.Start(ctx, cfg, replica.WithNetworkSignal(network), replica.WithMetrics(m))
	defer r.Close()

	log := logging.Get(logging.CategoryBoot)
	if _, err := r.SubscribeConnectionStatus("cli", func(s transport.Status) {
		log.Info("connection %s", s)
	}); err != nil {
		return err
	}
	for _, name := range follow {
		if _, err := r.SubscribeToChangeEvents(name, "cli", logChanges(name)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				select {
				case network <- struct{}{}:
				default:
				}
			}
		}
	})
	if metricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, metricsAddr, reg) })
	}
	if watchConfig {
		g.Go(func() error { return config.Watch(gctx, configPath, applyReload) })
	}

	if err := r.Ready(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("replica not ready: %v", err)
	}
	log.Info("following %d collections: %v", len(follow), follow)

	<-gctx.Done()
	stop()
	err := g.Wait()
	log.Info("shutting down")
	return err
}

// logChanges returns a listener that logs each accepted change.
func logChanges(collection string) coordinator.ChangeListener {
	log := logging.Get(logging.CategoryBoot)
	return func(events []coordinator.ChangeEvent) {
		for _, e := range events {
			if len(e.Patch) > 0 {
				log.Info("%s %s/%s v%d patch=%s", e.Kind, collection, e.ID, e.Version, e.Patch)
				continue
			}
			log.Info("%s %s/%s v%d", e.Kind, collection, e.ID, e.Version)
		}
	}
}

// applyReload applies the settings that can change without a restart.
func applyReload(next *config.Config) {
	if next.Logging.Level == "" || next.Logging.Level == logging.Level() {
		return
	}
	if err := logging.SetLevel(next.Logging.Level); err != nil {
		logging.Get(logging.CategoryConfig).Warn("ignoring log level %q: %v", next.Logging.Level, err)
		return
	}
	logging.Get(logging.CategoryConfig).Info("log level changed to %s", next.Logging.Level)
}
