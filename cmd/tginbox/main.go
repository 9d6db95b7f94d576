package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mixelka/tginbox/internal/config"
	"github.com/mixelka/tginbox/internal/decoder"
	"github.com/mixelka/tginbox/internal/forwarder"
	"github.com/mixelka/tginbox/internal/journal"
	"github.com/mixelka/tginbox/internal/registry"
	"github.com/mixelka/tginbox/internal/smtp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting tginbox")

	// Load accounts and build the registry
	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	reg := registry.New(accounts)
	logger.Info("accounts loaded", "count", reg.Len())

	// Open the delivery journal (optional)
	var recorder forwarder.Recorder
	if cfg.JournalPath != "" {
		j, err := journal.New(cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open journal", "error", err)
			os.Exit(1)
		}
		defer j.Close()

		if err := j.Migrate(context.Background()); err != nil {
			logger.Error("failed to run journal migrations", "error", err)
			os.Exit(1)
		}
		recorder = j
		logger.Info("delivery journal enabled", "path", cfg.JournalPath)
	}

	// STARTTLS (optional)
	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		logger.Info("STARTTLS enabled")
	}

	// Create components
	dec := decoder.New(cfg.ExcerptLength)
	fwd := forwarder.New(forwarder.Options{
		APIServerURL: cfg.TelegramAPIURL,
		Attempts:     cfg.ForwardAttempts,
	}, recorder, logger)

	server := smtp.NewServer(smtp.Config{
		ListenAddr:     cfg.ListenAddr,
		Hostname:       cfg.Hostname,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxSessions:    cfg.MaxSessions,
		IdleTimeout:    cfg.IdleTimeout,
		QueueWait:      cfg.QueueWait,
		ShutdownGrace:  cfg.ShutdownGrace,
		ForwardTimeout: cfg.ForwardTimeout,
		TLSConfig:      tlsConfig,
	}, reg, dec, fwd, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("tginbox stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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
