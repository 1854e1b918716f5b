package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/handlers"
	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/app"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/logger"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config (or set CONFIG_PATH env)")
		port       = flag.String("port", "", "HTTP server port (overrides config)")
		noWorkers  = flag.Bool("no-workers", false, "Do not run a worker pool in this process")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		boot := logger.New()
		boot.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *noWorkers {
		cfg.Server.Workers = false
	}

	// Initialize logger
	log, err := logger.NewFromConfig(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		boot := logger.New()
		boot.Fatal().Err(err).Msg("Invalid logging config")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer a.Close()

	// Start worker pool in background to process jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if cfg.Server.Workers {
		if err := a.Worker.Start(workerCtx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job worker")
		}
	}

	// Initialize handlers
	importsHandler := handlers.NewImportsHandler(a.Orchestrator, a.Blobs, a.Locate, log)
	var linksHandler *handlers.LinksHandler
	if a.Aggregator != nil {
		linksHandler = handlers.NewLinksHandler(a.Aggregator, log)
	} else {
		log.Warn().Msg("No aggregator credentials configured - link endpoints are disabled")
	}
	mux := handlers.NewRouter(importsHandler, linksHandler)

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(
					middleware.Auth("/health", handlers.WebhookPath)(mux),
				),
			),
		),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop worker pool and wait for in-flight jobs
	if cfg.Server.Workers {
		if err := a.Worker.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping job worker")
		}
	}

	log.Info().Msg("Server exited")
}
