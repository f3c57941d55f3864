// calhub-sync runs one sync pass over all active calendars and prints
// the per-calendar results as JSON. Intended for cron and debugging.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/macjediwizard/calhub/internal/auth"
	"github.com/macjediwizard/calhub/internal/config"
	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/syncer"
)

func main() {
	log.SetFlags(log.LstdFlags)

	calendarID := flag.String("calendar", "", "sync only this calendar id")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall run timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var googleProvider *auth.GoogleProvider
	if cfg.GoogleEnabled() {
		googleProvider, err = auth.NewGoogleProvider(
			ctx,
			cfg.Google.ClientID,
			cfg.Google.ClientSecret,
			cfg.Google.RedirectURL,
		)
		if err != nil {
			log.Fatalf("Failed to initialize Google OAuth provider: %v", err)
		}
	}
	tokenManager := auth.NewTokenManager(database, encryptor, googleProvider)

	registry := syncer.Registry{
		db.ProviderGoogle: syncer.NewGoogleAdapter(tokenManager,
			syncer.WithSyncWindow(cfg.Sync.WindowMonths)),
		db.ProviderIcal: syncer.NewIcalAdapter(nil),
	}
	orchestrator := syncer.NewOrchestrator(database, registry, cfg.Sync.MaxParallel)

	var results []*syncer.Result
	if *calendarID != "" {
		result, err := orchestrator.SyncCalendar(ctx, *calendarID)
		if err != nil {
			log.Fatalf("Sync failed for calendar %s: %v", *calendarID, err)
		}
		results = []*syncer.Result{result}
	} else {
		results, err = orchestrator.SyncAll(ctx)
		if err != nil {
			log.Fatalf("Sync failed: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatalf("Failed to encode results: %v", err)
	}

	for _, result := range results {
		if !result.Success {
			os.Exit(1)
		}
	}
}
