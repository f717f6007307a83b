/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the bookstore engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load YAML config
  2. Initialize SQLite store
  3. Create API handler with dependencies
  4. Configure HTTP router (CORS, rate limiting)
  5. Start the snapshot auditor
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional, defaults apply without it)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database
  -debug   Log at debug level

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the auditor
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ./server -config=./config.yaml
  ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/warp/bookstore-engine/api"
	"github.com/warp/bookstore-engine/config"
	"github.com/warp/bookstore-engine/notify"
	"github.com/warp/bookstore-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.String("port", "", "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	debug := flag.Bool("debug", false, "Log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return err
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store, api.Options{
		Logger:              logger,
		Sender:              notify.LogSender{Logger: logger},
		RentalPointsPerCopy: cfg.BookClub.RentalPointsPerCopy,
	})

	// Create router
	opts := api.RouterOptions{AllowedOrigins: cfg.CORS.AllowedOrigins}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	router := api.NewRouter(handler, opts)

	// Snapshot auditor
	auditor := api.NewSnapshotAuditor(handler.Inventory, logger)
	auditor.Enabled = cfg.Auditor.Enabled
	auditor.Interval = cfg.Auditor.Interval
	auditor.Start()
	defer auditor.Stop()

	// Create server
	server := &http.Server{
		Addr:         net.JoinHostPort("", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
