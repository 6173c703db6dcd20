package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fleetkeep/fleetkeep/internal/cache"
	"github.com/fleetkeep/fleetkeep/internal/config"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	if err := run(cfg, log); err != nil && err != context.Canceled {
		log.WithError(err).Fatal("Cache service exited")
	}
}

// run owns the lifecycle of the cache subsystem: explicit construction at
// startup, ordered shutdown on SIGINT/SIGTERM. Consumers receive the
// manager by injection; there is no package-level singleton.
func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := cache.New(cfg, log)
	if err != nil {
		return err
	}
	defer manager.Close()

	var optimizer *cache.Optimizer
	if cfg.Optimizer.Enabled {
		optimizer = cache.NewOptimizer(cfg.Optimizer, cfg.Cache.DefaultTTL, manager.Keys(), log)
		manager.AttachObserver(optimizer)
		optimizer.Start(ctx)
		defer optimizer.Stop()
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(cache.NewMetricsCollector(manager, optimizer)); err != nil {
		log.WithError(err).Warn("Could not register cache metrics")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down cache service")
		return ctx.Err()
	})

	log.WithField("backend", manager.Mode()).Info("Cache service started")
	return g.Wait()
}
