package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets clients pick any username",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	// Without a users file or API key, POST /api/auth hands a token for any
	// username to anyone who asks.
	if cfg.Mode == config.ModeProd && cfg.JWTSecret != "" && cfg.UsersFile == "" && cfg.APIKey == "" {
		logger.Warn("startup security warning: token endpoint is open (no USERS_FILE and no API_KEY) while --mode=prod",
			"warning_code", "token_endpoint_open_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large",
			"warning_code", "signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.CallExpiry > 5*time.Minute {
		logger.Warn("startup security warning: CALL_EXPIRY is very long (ringing calls hold both users busy)",
			"warning_code", "call_expiry_long",
			"call_expiry", cfg.CallExpiry,
			"mode", cfg.Mode,
		)
	}
}
