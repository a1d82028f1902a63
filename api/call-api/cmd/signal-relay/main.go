// Copyright (c) 2023-2025 RapidaAI
// Signal Relay - local signaling server so two call agents can call each other
// without the production backend.

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/peercall/pkg/commons"
)

// Config holds relay configuration
type Config struct {
	Addr     string
	LogLevel string
	LogPath  string
}

func main() {
	cfg := parseFlags()

	logger, err := commons.NewApplicationLogger(
		commons.Name("signal-relay"),
		commons.Level(cfg.LogLevel),
		commons.Path(cfg.LogPath),
		commons.EnableConsole(true),
	)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	if err := runRelay(ctx, cfg, logger); err != nil {
		logger.Fatalf("relay error: %v", err)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", "127.0.0.1:8080", "Listen address; agents connect to ws://<addr>/ws")
	flag.StringVar(&cfg.LogLevel, "log-level", "debug", "Log level")
	flag.StringVar(&cfg.LogPath, "log-path", os.TempDir(), "Directory for the relay log file")

	flag.Parse()
	return cfg
}

func runRelay(ctx context.Context, cfg *Config, logger commons.Logger) error {
	engine := gin.New()
	engine.Use(gin.Recovery())
	NewRelay(logger).Routes(engine)

	server := &http.Server{Addr: cfg.Addr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("signal relay listening on ws://%s/ws", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
