// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/peercall/api/call-api/config"
	internal_calllog "github.com/rapidaai/peercall/api/call-api/internal/calllog"
	internal_callstate "github.com/rapidaai/peercall/api/call-api/internal/callstate"
	internal_negotiator "github.com/rapidaai/peercall/api/call-api/internal/negotiator"
	internal_recording "github.com/rapidaai/peercall/api/call-api/internal/recording"
	internal_signaling "github.com/rapidaai/peercall/api/call-api/internal/signaling"
	internal_token "github.com/rapidaai/peercall/api/call-api/internal/token"
	internal_tone "github.com/rapidaai/peercall/api/call-api/internal/tone"
	internal_type "github.com/rapidaai/peercall/api/call-api/internal/type"
	call_routers "github.com/rapidaai/peercall/api/call-api/router"
	"github.com/rapidaai/peercall/pkg/commons"
	"github.com/rapidaai/peercall/pkg/connectors"
	"github.com/rapidaai/peercall/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

type CallApplication struct {
	Cfg       *config.AppConfig
	Logger    commons.Logger
	SQL       connectors.SQLConnector
	Redis     connectors.RedisConnector
	Signaling *internal_signaling.Client
	Machine   *internal_callstate.Machine
	Engine    *gin.Engine
	server    *http.Server
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewCallApplication(ctx)
	if err != nil {
		log.Fatalf("failed to initialize call application: %v", err)
	}
	if err := app.Run(ctx); err != nil {
		app.Logger.Errorf("call application stopped with error: %v", err)
		_ = app.Logger.Sync()
		os.Exit(1)
	}
	_ = app.Logger.Sync()
}

func NewCallApplication(ctx context.Context) (*CallApplication, error) {
	vConfig, err := config.InitConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := commons.NewApplicationLogger(
		commons.Name(cfg.Name),
		commons.Path(cfg.LogPath),
		commons.Level(cfg.LogLevel),
		commons.EnableConsole(!cfg.IsProduction()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app := &CallApplication{Cfg: cfg, Logger: logger}

	app.SQL = connectors.NewSQLConnector(&cfg.CallLogConfig, logger)
	if err := app.SQL.Connect(ctx); err != nil {
		return nil, err
	}
	history := internal_calllog.NewStore(app.SQL, logger)
	if err := history.Migrate(ctx); err != nil {
		return nil, err
	}

	tokens, err := app.tokenSource(ctx)
	if err != nil {
		return nil, err
	}

	app.Signaling = internal_signaling.NewClient(logger, internal_signaling.Config{
		URL:              cfg.SignalingConfig.URL,
		HandshakeTimeout: cfg.SignalingConfig.HandshakeTimeout,
		WriteTimeout:     cfg.SignalingConfig.WriteTimeout,
		PingInterval:     cfg.SignalingConfig.PingInterval,
		ReadLimit:        cfg.SignalingConfig.ReadLimit,
	}, tokens)

	negotiator, err := internal_negotiator.NewNegotiator(logger, app.Signaling,
		internal_negotiator.WithConfig(negotiatorConfig(&cfg.WebRTCConfig)),
		internal_negotiator.WithCapturer(capturer(logger, &cfg.WebRTCConfig)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiator: %w", err)
	}

	opts := []internal_callstate.Option{
		internal_callstate.WithIndicator(internal_tone.NewIndicator(logger, internal_tone.NewLogPlayer(logger))),
		internal_callstate.WithCallLog(history),
	}
	if cfg.RecordingConfig.Enabled {
		rc := cfg.RecordingConfig
		opts = append(opts, internal_callstate.WithPipelineFactory(internal_recording.NewPipelineFactory(
			logger,
			internal_recording.NewHTTPUploader(logger, rc.APIBaseURL, tokens, rc.RequestTimeout),
			internal_recording.NewOpusCodecFactory(),
			internal_recording.WithChunkInterval(rc.ChunkInterval),
			internal_recording.WithRetryPolicy(utils.RetryPolicy{MaxAttempts: rc.MaxAttempts, Delay: rc.RetryDelay}),
			internal_recording.WithFinalizeTimeout(rc.FinalizeTimeout),
		)))
	} else {
		logger.Infof("call recording disabled")
	}

	app.Machine = internal_callstate.NewMachine(logger, app.Signaling, negotiator, opts...)
	app.Signaling.Subscribe(app.Machine)

	gin.SetMode(cfg.GinMode())
	app.Engine = gin.New()
	app.Engine.Use(gin.Recovery())
	app.Engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CorsOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	call_routers.HealthCheckRoutes(cfg, app.Engine, logger, app.SQL, app.Signaling)
	call_routers.CallApiRoute(cfg, app.Engine, logger, app.Machine, history)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           app.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return app, nil
}

// Run logs in to signaling, serves the control API and blocks until ctx is
// done or either of them fails.
func (app *CallApplication) Run(ctx context.Context) error {
	if err := app.Signaling.Connect(ctx); err != nil {
		app.shutdown()
		return fmt.Errorf("failed to connect signaling: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Infof("control api listening on %s", app.server.Addr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gCtx.Done():
		case <-app.Signaling.Done():
			app.Logger.Warnf("signaling connection lost")
		}
		app.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown ends any call, waits for recording uploads, then logs out.
func (app *CallApplication) shutdown() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.Logger.Warnf("control api shutdown: %v", err)
		}
	}
	if err := app.Machine.Close(ctx); err != nil {
		app.Logger.Warnf("call machine shutdown: %v", err)
	}
	if err := app.Signaling.Close(); err != nil {
		app.Logger.Warnf("signaling close: %v", err)
	}
	if app.Redis != nil {
		_ = app.Redis.Disconnect(ctx)
	}
	if err := app.SQL.Disconnect(ctx); err != nil {
		app.Logger.Warnf("call log close: %v", err)
	}
	app.Logger.Benchmark("CallApplication.shutdown", time.Since(start))
}

func (app *CallApplication) tokenSource(ctx context.Context) (internal_type.TokenSource, error) {
	auth := app.Cfg.AuthConfig
	var tokens internal_type.TokenSource
	switch auth.Source {
	case "redis":
		app.Redis = connectors.NewRedisConnector(&app.Cfg.RedisConfig, app.Logger)
		if err := app.Redis.Connect(ctx); err != nil {
			return nil, err
		}
		tokens = internal_token.NewRedisTokenSource(app.Logger, app.Redis, auth.RedisKey)
	default:
		tokens = internal_token.NewStaticTokenSource(auth.Token)
	}
	return internal_token.NewExpiryCheckedTokenSource(tokens, auth.ExpirySkew), nil
}

func negotiatorConfig(cfg *config.WebRTCConfig) *internal_negotiator.Config {
	nc := &internal_negotiator.Config{ICETransportPolicy: "all"}
	if cfg.RelayOnly {
		nc.ICETransportPolicy = "relay"
	}
	for _, url := range cfg.ICEServers {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		server := internal_negotiator.ICEServer{URLs: []string{url}}
		if strings.HasPrefix(url, "turn") {
			server.Username = cfg.ICEUsername
			server.Credential = cfg.ICECredential
		}
		nc.ICEServers = append(nc.ICEServers, server)
	}
	if len(nc.ICEServers) == 0 {
		nc.ICEServers = internal_negotiator.DefaultConfig().ICEServers
	}
	return nc
}

func capturer(logger commons.Logger, cfg *config.WebRTCConfig) internal_negotiator.MediaCapturer {
	if cfg.CaptureFile == "" {
		return internal_negotiator.NewNoCapture()
	}
	return internal_negotiator.NewOggFileCapturer(logger, cfg.CaptureFile, cfg.CaptureLoop)
}
