package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/users"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-call-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"users_file", cfg.UsersFile,
		"call_expiry", cfg.CallExpiry,
		"call_sweep_interval", cfg.CallSweepInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice server configuration is invalid; /readyz will fail", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	directory, err := users.Load(cfg.UsersFile, logger)
	if err != nil {
		logger.Error("failed to load users file", "err", err)
		os.Exit(2)
	}
	if directory.Path() != "" {
		go func() {
			if err := directory.Watch(ctx); err != nil {
				logger.Error("users file watcher stopped", "err", err)
			}
		}()
	}

	authn, err := auth.NewAuthenticator(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	deps := httpserver.Deps{
		Metrics: metrics.New(),
		Users:   directory,
	}
	if cfg.JWTSecret != "" {
		deps.Issuer, err = auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
		if err != nil {
			logger.Error("failed to configure token issuer", "err", err)
			os.Exit(2)
		}
		deps.Tokens = auth.NewJWTVerifier(cfg.JWTSecret)
	}
	if cfg.TURNREST.Enabled() {
		deps.TURN, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, deps)

	handler := signaling.NewHandler(signaling.HandlerConfig{
		Logger:        logger,
		Metrics:       deps.Metrics,
		SweepInterval: cfg.CallSweepInterval,
		CallExpiry:    cfg.CallExpiry,
	})
	go func() {
		_ = handler.Run(ctx)
	}()

	ws := signaling.NewWebSocketServer(signaling.WebSocketConfig{
		Handler:              handler,
		Authenticator:        authn,
		AllowedOrigins:       cfg.AllowedOrigins,
		Logger:               logger,
		Metrics:              deps.Metrics,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:      cfg.SignalingSendQueueLength,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
	})
	ws.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		handler.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked signaling connections are invisible to Shutdown, so the
	// handler has to close them itself.
	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
