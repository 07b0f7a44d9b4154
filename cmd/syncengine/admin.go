package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/armorclaw/syncengine/pkg/config"
)

// requireConfirmation either validates a --confirm token minted by
// inspect, or, when running interactively, prompts the operator directly.
// Returns false (with a message already printed) if the action should not
// proceed.
func requireConfirmation(cfg *config.Config, action, token string) bool {
	if token != "" {
		ttl := time.Duration(cfg.Admin.ConfirmTokenSeconds) * time.Second
		if verifyConfirmToken(cfg.Admin.ConfirmSecret, action, token, ttl, time.Now()) {
			return true
		}
		fmt.Fprintln(os.Stderr, "syncengine: confirmation token rejected (expired, wrong action, or bad signature)")
		return false
	}

	var confirmed bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Really run %q?", action)).
		Affirmative("Yes").
		Negative("No").
		Value(&confirmed).
		Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine: confirmation prompt failed: %v\n", err)
		return false
	}
	return confirmed
}

func cmdRetryFailed(args []string) int {
	fs := flag.NewFlagSet("retry-failed", flag.ContinueOnError)
	cfgPath := commonFlags(fs)
	id := fs.String("id", "", "id of a single archived op to requeue")
	all := fs.Bool("all", false, "requeue every archived op")
	confirm := fs.String("confirm", "", "confirmation token minted by inspect")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if (*id == "") == *all {
		fmt.Fprintln(os.Stderr, "syncengine retry-failed: exactly one of --id or --all is required")
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine retry-failed: %v\n", err)
		return exitValidation
	}
	if !requireConfirmation(cfg, "retry-failed", *confirm) {
		return exitValidation
	}

	h, err := openHandles(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine retry-failed: %v\n", err)
		return exitInternal
	}
	defer h.Close()

	ctx := context.Background()
	if *all {
		failed := h.queue.ListFailed()
		retried := 0
		for _, op := range failed {
			ok, err := h.queue.RetryFromFailed(ctx, op.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "syncengine retry-failed: %s: %v\n", op.ID, err)
				return exitInternal
			}
			if ok {
				retried++
			}
		}
		fmt.Printf("requeued %d of %d archived ops\n", retried, len(failed))
		return exitOK
	}

	ok, err := h.queue.RetryFromFailed(ctx, *id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine retry-failed: %v\n", err)
		return exitInternal
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "syncengine retry-failed: no archived op with id %q\n", *id)
		return exitValidation
	}
	fmt.Printf("requeued %s\n", *id)
	return exitOK
}

func cmdPurgeFailed(args []string) int {
	fs := flag.NewFlagSet("purge-failed", flag.ContinueOnError)
	cfgPath := commonFlags(fs)
	confirm := fs.String("confirm", "", "confirmation token minted by inspect")
	olderThanHours := fs.Int("older-than-hours", 0, "override the configured retention window")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine purge-failed: %v\n", err)
		return exitValidation
	}
	if !requireConfirmation(cfg, "purge-failed", *confirm) {
		return exitValidation
	}

	retention := time.Duration(cfg.Admin.FailedRetentionHours) * time.Hour
	if *olderThanHours > 0 {
		retention = time.Duration(*olderThanHours) * time.Hour
	}

	h, err := openHandles(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine purge-failed: %v\n", err)
		return exitInternal
	}
	defer h.Close()

	purged, err := h.queue.PurgeFailed(context.Background(), time.Now(), retention)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine purge-failed: %v\n", err)
		return exitInternal
	}
	fmt.Printf("purged %d archived op(s) older than %s\n", purged, retention)
	return exitOK
}

func cmdRebuildIndex(args []string) int {
	fs := flag.NewFlagSet("rebuild-index", flag.ContinueOnError)
	cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine rebuild-index: %v\n", err)
		return exitValidation
	}

	h, err := openHandles(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syncengine rebuild-index: %v\n", err)
		return exitInternal
	}
	defer h.Close()

	if err := h.queue.RebuildIndex(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "syncengine rebuild-index: %v\n", err)
		return exitInternal
	}
	fmt.Println("entity index rebuilt")
	return exitOK
}
