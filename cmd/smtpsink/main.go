// Package main is the entry point for the smtpsink capture server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/smtpsink/smtpsink/internal/api"
	"github.com/smtpsink/smtpsink/internal/config"
	"github.com/smtpsink/smtpsink/internal/history"
	"github.com/smtpsink/smtpsink/internal/sink"
	"github.com/smtpsink/smtpsink/internal/sink/stdout"
	"github.com/smtpsink/smtpsink/internal/smtp"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	host := flag.String("host", "", "bind host (overrides config)")
	smtpPort := flag.Int("smtp-port", 0, "SMTP listen port (overrides config)")
	httpPort := flag.Int("http-port", 0, "inspection API port (overrides config)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Command-line flags override config file and environment
	if *host != "" {
		cfg.Bind.Host = *host
	}
	if *smtpPort != 0 {
		cfg.Bind.SMTPPort = *smtpPort
	}
	if *httpPort != 0 {
		cfg.Bind.HTTPPort = *httpPort
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Capture pipeline: history store plus stdout printer
	store := history.NewStore()
	sinks := []sink.Sink{store, stdout.New()}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:  cfg.SMTPAddr(),
		Workers:     cfg.Session.Workers,
		QueueSize:   cfg.Session.QueueSize,
		IdleTimeout: cfg.IdleTimeout(),
		Sinks:       sinks,
	})
	service := api.New(store)

	// Bind the inspection port up front; a conflict is fatal before any
	// session is accepted.
	apiListener, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		slog.Error("failed to bind inspection port", "addr", cfg.HTTPAddr(), "error", err)
		os.Exit(1)
	}

	slog.Info("starting smtpsink",
		"smtp_addr", cfg.SMTPAddr(),
		"http_addr", cfg.HTTPAddr(),
		"workers", cfg.Session.Workers,
		"idle_timeout", cfg.IdleTimeout(),
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Run both servers; a bind failure on the SMTP side cancels the group
	// and aborts startup.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		return service.Serve(gctx, apiListener)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtpsink stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
