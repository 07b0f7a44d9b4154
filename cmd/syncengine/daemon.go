package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/armorclaw/syncengine/pkg/config"
	"github.com/armorclaw/syncengine/pkg/metrics"
)

func cmdDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	cfgPath := commonFlags(fs)
	metricsAddr := fs.String("metrics-addr", ":9090", "address to serve /metrics on")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine daemon: %v\n", err)
		return exitValidation
	}

	h, err := openHandles(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine daemon: %v\n", err)
		return exitInternal
	}
	defer h.Close()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		fmt.Fprintf(os.Stderr, "syncengine daemon: register metrics: %v\n", err)
		return exitInternal
	}

	eng := buildEngine(cfg, h, m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.log.Error("metrics server failed", "error", err)
		}
	}()

	sched := cron.New()
	retention := time.Duration(cfg.Admin.FailedRetentionHours) * time.Hour
	if _, err := sched.AddFunc("@hourly", func() {
		purged, err := h.queue.PurgeFailed(context.Background(), time.Now(), retention)
		if err != nil {
			h.log.Error("scheduled failed-op purge", "error", err)
			return
		}
		if purged > 0 {
			h.log.Info("scheduled failed-op purge", "purged", purged)
		}
	}); err != nil {
		fmt.Fprintf(os.Stderr, "syncengine daemon: schedule purge job: %v\n", err)
		return exitInternal
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		pending, failed := h.queue.Size()
		h.log.Info("queue snapshot", "pending", pending, "failed", failed)
	}); err != nil {
		fmt.Fprintf(os.Stderr, "syncengine daemon: schedule metrics snapshot job: %v\n", err)
		return exitInternal
	}
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "syncengine daemon: start engine: %v\n", err)
		return exitInternal
	}
	h.log.Info("syncengine daemon started", "metrics_addr", *metricsAddr)

	<-ctx.Done()
	h.log.Info("shutting down")
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		h.log.Error("metrics server shutdown", "error", err)
	}

	return exitOK
}
