package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/armorclaw/syncengine/internal/clockutil"
	"github.com/armorclaw/syncengine/internal/lock"
	"github.com/armorclaw/syncengine/pkg/config"
)

var (
	inspectLabel = lipgloss.NewStyle().Bold(true).Width(18)
	inspectValue = lipgloss.NewStyle()
)

func cmdInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cfgPath := commonFlags(fs)
	metricsURL := fs.String("metrics-url", "http://127.0.0.1:9090/metrics", "daemon's /metrics endpoint, used to read the live breaker state")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine inspect: %v\n", err)
		return exitValidation
	}

	h, err := openHandles(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine inspect: %v\n", err)
		return exitInternal
	}
	defer h.Close()

	pending, failed := h.queue.Size()
	oldest := h.queue.OldestPendingAge(time.Now())

	l := lock.New(h.store, clockutil.Real{}, lock.Config{TTL: cfg.LockTTL(), HeartbeatEvery: cfg.LockHeartbeat()})
	rec, held, err := l.Current(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine inspect: read lock: %v\n", err)
		return exitInternal
	}

	fmt.Println(lipgloss.NewStyle().Bold(true).Render("syncengine status"))
	printRow("pending ops", strconv.Itoa(pending))
	printRow("failed ops", strconv.Itoa(failed))
	printRow("oldest pending age", oldest.Round(time.Second).String())
	if held {
		printRow("lock holder", fmt.Sprintf("%s (heartbeat %s ago)", rec.HolderID, time.Since(rec.LastHeartbeatAt).Round(time.Second)))
	} else {
		printRow("lock holder", "none")
	}
	printRow("breaker state", fetchBreakerState(*metricsURL))

	if cfg.Admin.ConfirmSecret != "" {
		now := time.Now()
		ttl := time.Duration(cfg.Admin.ConfirmTokenSeconds) * time.Second
		fmt.Println()
		fmt.Println(lipgloss.NewStyle().Faint(true).Render(fmt.Sprintf("confirmation tokens (valid %s):", ttl)))
		printRow("retry-failed", mintConfirmToken(cfg.Admin.ConfirmSecret, "retry-failed", now))
		printRow("purge-failed", mintConfirmToken(cfg.Admin.ConfirmSecret, "purge-failed", now))
	}

	return exitOK
}

func printRow(label, value string) {
	fmt.Println(inspectLabel.Render(label+":") + " " + inspectValue.Render(value))
}

// fetchBreakerState scrapes the daemon's Prometheus text exposition for
// syncengine_breaker_state, since breaker mode lives only in the running
// daemon's memory (spec.md §3.5 — not persisted). Returns "unknown" if
// no daemon is reachable.
func fetchBreakerState(url string) string {
	resp, err := http.Get(url)
	if err != nil {
		return "unknown (daemon unreachable)"
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "syncengine_breaker_state{") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[1] != "1" {
			continue
		}
		start := strings.Index(line, `mode="`) + len(`mode="`)
		end := strings.Index(line[start:], `"`)
		if start >= len(`mode="`) && end >= 0 {
			return line[start : start+end]
		}
	}
	return "unknown"
}
