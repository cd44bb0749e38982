// Command filecached runs the persistent disk-backed object cache service:
// a single cache-loop goroutine owning all engine state, an HTTP boundary
// in front of it, and the periodic maintenance callbacks that keep
// subscriptions validated and finished directory-type objects swept.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/objcache/filecached/internal/config"
	"github.com/objcache/filecached/internal/engine"
	"github.com/objcache/filecached/internal/metrics"
	"github.com/objcache/filecached/internal/router"
	"github.com/objcache/filecached/internal/transport/httpapi"
	"github.com/objcache/filecached/pkg/shutdownmanager"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.Default()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	fsConfig := engine.ReadFilesystemConfig(cfg.ConfigPath, engine.FilesystemConfig{
		TotalCacheSpace: cfg.TotalCacheSpace,
		BaseDirName:     cfg.BaseDir,
	})

	met := metrics.New()
	store := engine.NewObjectStore(log.With("component", "objectstore"))

	set, err := engine.NewCacheSet(fsConfig.BaseDirName, fsConfig.TotalCacheSpace, store, met.Hooks())
	if err != nil {
		log.Error("cache set init failed", "error", err)
		os.Exit(1)
	}
	if err := set.Recover(); err != nil {
		log.Error("recovery failed", "error", err)
		os.Exit(1)
	}

	loop := engine.NewLoop(256)
	r := router.New(loop, set, router.DefaultCopier{})
	ticker := engine.NewMaintenanceTicker(loop, set, r.ActiveSubscriptionIDs)

	sm, shutdownCtx := shutdownmanager.NewShutdownManager(time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second, func() {
		log.Error("shutdown timed out, forcing exit")
	})

	sm.AddService()
	go func() {
		defer sm.ServiceDone()
		loop.Run(shutdownCtx)
	}()

	sm.AddService()
	go func() {
		defer sm.ServiceDone()
		ticker.Run(shutdownCtx)
	}()

	sm.AddService()
	go func() {
		defer sm.ServiceDone()
		sampleMetrics(shutdownCtx, r, met)
	}()

	if cfg.DebugEnabled {
		startDebugServer(cfg.DebugAddr, log)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		met.Handler().ServeHTTP(w, req)
	})}
	sm.AddService()
	go func() {
		defer sm.ServiceDone()
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", "error", err)
		}
	}()

	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: httpapi.New(r, log)}
	sm.AddService()
	go func() {
		defer sm.ServiceDone()
		log.Info("api listening", "addr", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server exited", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	metricsServer.Shutdown(context.Background())
	apiServer.Shutdown(context.Background())
	loop.Close()
	sm.Shutdown()
}

// sampleMetrics periodically snapshots every type's status into the gauge
// collectors; the engine's Hooks only cover inserts/expires/evictions since
// gauges need a full resync, not a delta.
func sampleMetrics(ctx context.Context, r *router.Router, met *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range r.GetCacheTypes() {
				if status, err := r.GetCacheTypeStatus(name); err == nil {
					met.Observe(name, status)
				}
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
