package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tkaplan/relay-optimizer/internal/archive"
	"github.com/tkaplan/relay-optimizer/internal/batch"
	"github.com/tkaplan/relay-optimizer/internal/cache"
	"github.com/tkaplan/relay-optimizer/internal/config"
	"github.com/tkaplan/relay-optimizer/internal/model"
	"github.com/tkaplan/relay-optimizer/internal/optimizer"
	"github.com/tkaplan/relay-optimizer/internal/pool"
	"github.com/tkaplan/relay-optimizer/internal/transport"
	"github.com/tkaplan/relay-optimizer/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relayd.local.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relayd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"transport_url", cfg.Transport.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	tcfg := transport.Config{
		URL:              cfg.Transport.URL,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
	}
	dispatcher := transport.NewDispatcher(logger)
	factory := transport.NewFactory(tcfg, logger)

	registry := prometheus.NewRegistry()

	opt, err := optimizer.New(
		optimizer.Config{
			Batch: batch.Config{
				MaxSize:        cfg.Batch.MaxSize,
				MaxWait:        cfg.Batch.MaxWait,
				MaxRetries:     cfg.Batch.MaxRetries,
				RetryBaseDelay: cfg.Batch.RetryBaseDelay,
			},
			Cache: cache.Config{
				TTL:           cfg.Cache.TTL,
				MaxEntries:    cfg.Cache.MaxEntries,
				SweepInterval: cfg.Cache.SweepInterval,
			},
			Pool: pool.Config{
				MaxSize:       cfg.Pool.MaxSize,
				IdleTimeout:   cfg.Pool.IdleTimeout,
				SweepInterval: cfg.Pool.SweepInterval,
			},
		},
		dispatcher,
		factory,
		optimizer.WithLogger(logger),
		optimizer.WithRegisterer(registry),
	)
	if err != nil {
		logger.Error("failed to create optimizer", "error", err)
		os.Exit(1)
	}
	dispatcher.Bind(opt)

	// Optional envelope archive.
	var archiveWriter *archive.Writer
	if cfg.Archive.Enabled {
		logger.Info("connecting archive database",
			"host", cfg.Archive.DB.Host,
			"database", cfg.Archive.DB.Name,
		)

		db, err := archive.Connect(ctx, cfg.Archive.DB)
		if err != nil {
			logger.Error("failed to connect archive database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		tap := make(chan model.Envelope, 1000)
		dispatcher.Tap(tap)

		archiveWriter = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, tap, db, logger)

		if err := archiveWriter.Start(ctx); err != nil {
			logger.Error("failed to start archive writer", "error", err)
			os.Exit(1)
		}
	}

	// Metrics and health server.
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := opt.Metrics()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":             "healthy",
			"messages_processed": snap.MessagesProcessed,
			"batches_sent":       snap.BatchesSent,
			"batches_dropped":    snap.BatchesDropped,
			"cache_hit_rate":     snap.CacheHitRate,
			"active_connections": snap.ActiveConnections,
			"active_batches":     snap.ActiveBatches,
		})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-opt.Events():
				if !ok {
					return nil
				}
				logger.Warn("optimizer event",
					"kind", ev.Kind,
					"destination", ev.DestinationID,
					"error", ev.Err,
				)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := opt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("optimizer shutdown incomplete", "error", err)
		}
		if archiveWriter != nil {
			archiveWriter.Stop(shutdownCtx)
		}
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("relayd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("relayd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("relayd stopped")
}
