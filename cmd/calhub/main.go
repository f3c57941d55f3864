package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/activity"
	"github.com/macjediwizard/calhub/internal/auth"
	"github.com/macjediwizard/calhub/internal/config"
	"github.com/macjediwizard/calhub/internal/crypto"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/notify"
	"github.com/macjediwizard/calhub/internal/scheduler"
	"github.com/macjediwizard/calhub/internal/syncer"
	"github.com/macjediwizard/calhub/internal/validator"
	"github.com/macjediwizard/calhub/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CalHub...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize encryptor
	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	// Initialize Google OAuth provider if configured
	ctx := context.Background()
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
	} else {
		log.Println("Google OAuth not configured; only iCal feeds can be connected")
	}

	stateManager := auth.NewStateManager(cfg.Security.SessionSecret, cfg.IsProduction())
	tokenManager := auth.NewTokenManager(database, encryptor, googleProvider)

	// Register one adapter per provider
	registry := syncer.Registry{
		db.ProviderGoogle: syncer.NewGoogleAdapter(tokenManager,
			syncer.WithSyncWindow(cfg.Sync.WindowMonths)),
		db.ProviderIcal: syncer.NewIcalAdapter(nil),
	}
	orchestrator := syncer.NewOrchestrator(database, registry, cfg.Sync.MaxParallel)

	// Initialize notifier for alerts
	notifyCfg := &notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		CooldownPeriod: cfg.Alerts.Cooldown,
	}
	if notifyCfg.WebhookURL != "" {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (cooldown: %v)", cfg.Alerts.Cooldown)
	}

	tracker := activity.NewTracker()
	sched := scheduler.New(database, orchestrator, tracker, notifier,
		cfg.Sync.Interval, cfg.Sync.LogRetention)

	var validatorOpts []validator.Option
	if cfg.IsDevelopment() {
		validatorOpts = append(validatorOpts, validator.WithAllowPrivateIPs())
	}
	feedValidator := validator.New(validatorOpts...)

	// Initialize handlers
	handlers := web.NewHandlers(
		cfg,
		database,
		googleProvider,
		stateManager,
		tokenManager,
		feedValidator,
		sched,
		tracker,
	)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	web.SetupRoutes(router, handlers, cfg)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	sched.Start()

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop scheduler
	sched.Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
