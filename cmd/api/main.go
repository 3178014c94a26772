package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sciencelive/nanopub-viewer/internal/api"
	"github.com/sciencelive/nanopub-viewer/internal/config"
	"github.com/sciencelive/nanopub-viewer/internal/logger"
	"github.com/sciencelive/nanopub-viewer/internal/nanopub"
	"github.com/sciencelive/nanopub-viewer/internal/schedule"
	"github.com/sciencelive/nanopub-viewer/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	clock := schedule.RealClock()

	// One factory for the process; each request builds its client from the current token
	factory := workflow.NewFactory(workflow.Options{
		Owner:       cfg.GitHubOwner,
		Repo:        cfg.GitHubRepo,
		BaseURL:     cfg.GitHubAPIURL,
		HTTPTimeout: cfg.HTTPTimeout,
		Logger:      log,
		Clock:       clock,
	})

	handler := api.NewHandler(cfg, api.Dependencies{
		Token:     config.TokenFromEnv,
		NewClient: factory.New,
		Fetcher:   nanopub.NewFetcher(&http.Client{Timeout: cfg.HTTPTimeout}, log, nanopub.PublicOnly()),
		Clock:     clock,
		Logger:    log,
	})

	// Setup routes
	router := api.SetupRoutes(handler, cfg, clock, log)

	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Submissions block for run discovery
		WriteTimeout: cfg.DiscoveryInterval*time.Duration(cfg.DiscoveryAttempts+1) + 2*cfg.HTTPTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Infow("starting API server",
			"addr", addr,
			"repository", cfg.GitHubOwner+"/"+cfg.GitHubRepo,
			"token_configured", config.TokenFromEnv() != "",
		)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Infow("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
	}
}
