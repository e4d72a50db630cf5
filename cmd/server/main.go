package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/devgold123/isotope-mail/internal/cache"
	"github.com/devgold123/isotope-mail/internal/config"
	"github.com/devgold123/isotope-mail/internal/email"
	"github.com/devgold123/isotope-mail/internal/httpapi"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("isotope-mail-server version %s\n", version)
		os.Exit(0)
	}
	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting isotope mail server")

	// Initialize envelope cache
	envelopeCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer envelopeCache.Close()

	cacheStore := cache.NewStore(envelopeCache, logger)

	// Initialize IMAP session manager
	emailManager := email.NewManager(cfg, logger)
	defer emailManager.Close()

	// Create HTTP API server
	server := httpapi.NewServer(cfg, emailManager, cacheStore, logger)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Run server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	case err := <-errChan:
		logger.WithError(err).Error("Server error")
		cancel()
	}

	logger.Info("Shutting down isotope mail server")
}
