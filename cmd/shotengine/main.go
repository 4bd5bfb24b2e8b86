// Command shotengine runs the screenshot capture service: it wires config,
// the browser pool, the capture pipeline, admission control, caches, batch
// scheduling, and the HTTP surface together, then serves until a signal
// requests shutdown. Grounded on cmd/vgbot/main.go's graceful-shutdown
// pattern (signal.Notify + http.Server.Shutdown with a bounded timeout),
// stripped of its CLI/GUI/banner/i18n layers since this service has no
// interactive mode.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shotengine/internal/admission"
	"shotengine/internal/batch"
	"shotengine/internal/capture"
	"shotengine/internal/config"
	"shotengine/internal/driver"
	"shotengine/internal/health"
	"shotengine/internal/interceptor"
	"shotengine/internal/rescache"
	"shotengine/internal/resultcache"
	"shotengine/internal/rewriter"
	"shotengine/internal/server"
	"shotengine/internal/storage"
	"shotengine/internal/tabpool"
	"shotengine/internal/watchdog"
	"shotengine/pkg/browserpool"
	"shotengine/pkg/logger"
	"shotengine/pkg/metrics"
	"shotengine/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shotengine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logCfg := logger.DefaultConfig()
	if lvl := os.Getenv("log_level"); lvl != "" {
		logCfg.Level = lvl
	}
	if fmtOut := os.Getenv("log_format"); fmtOut != "" {
		logCfg.Format = fmtOut
	}
	lg, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer lg.Sync()
	log := lg.Zap()

	for _, dir := range []string{cfg.ArtifactDir, cfg.ResourceCacheDir, cfg.BatchJobPersistenceDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	mc := metrics.New()

	chromeDriver := driver.NewChromedpDriver(true)

	pool := browserpool.New(cfg.BrowserPool(), chromeDriver, log)
	defer pool.Close()

	tabs := tabpool.New(cfg.TabPool(), pool, log)
	defer tabs.Close()

	rw := rewriter.New()

	resCache := rescache.New(cfg.ResourceCache())
	defer resCache.Close()

	blockList := interceptor.NewBlockList(cfg.BlockConfig())

	pipeline := capture.New(cfg.Capture(), tabs, pool, rw, blockList, resCache, mc, log)

	admissionCtl := admission.New(cfg.Admission(), pool, mc, log)

	results := resultcache.New(cfg.ResultCache())

	artifactBaseURL := cfg.ArtifactBaseURL
	if artifactBaseURL == "" {
		artifactBaseURL = "http://" + cfg.ListenAddr
	}
	artifacts := storage.NewLocalDisk(cfg.ArtifactDir, artifactBaseURL)

	batchStore := batch.NewStore(cfg.BatchJobPersistenceDir)
	if cfg.BatchJobPersistenceEnabled {
		if err := batchStore.Reload(); err != nil {
			log.Warn("batch: failed to reload persisted jobs", zap.Error(err))
		}
	}

	sender := webhook.New()
	scheduler := batch.NewScheduler(batchStore, admissionCtl, pipeline, results, sender, log)

	prober := health.New(cfg.Health(), pipeline, log)
	prober.Start()
	defer prober.Close()

	wd := watchdog.New(cfg.Watchdog(), pool, log)
	wd.Start()
	defer wd.Close()

	reloader := config.NewReloader(cfg, log)
	if err := reloader.Start(); err != nil {
		log.Warn("config: reloader failed to start, running with static config", zap.Error(err))
	}
	defer reloader.Stop()

	srv := server.New(server.Deps{
		Config: cfg, Reloader: reloader, Log: log,
		Pipeline: pipeline, Admission: admissionCtl,
		BatchSt: batchStore, Scheduler: scheduler,
		Results: results, Rescache: resCache,
		BlockList: blockList, Rewriter: rw,
		Artifacts: artifacts, Prober: prober, Watchdog: wd,
		Pool: pool, Metrics: mc,
	})

	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("shotengine: listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shotengine: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shotengine: graceful shutdown timed out", zap.Error(err))
	}
	return nil
}
