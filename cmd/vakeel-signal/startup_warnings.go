package main

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/vakeelsaab/vakeel-signal/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeInsecure {
		logger.Warn("startup security warning: AUTH_MODE=insecure trusts unsigned username:ROLE credentials",
			"warning_code", "auth_mode_insecure",
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

	if cfg.Mode == config.ModeProd && !hasTURNServer(cfg) {
		logger.Warn("startup warning: no TURN server configured; calls between peers behind symmetric NATs will fail",
			"warning_code", "no_turn_server",
			"ice_servers", len(cfg.ICEServers),
			"mode", cfg.Mode,
		)
	}

	if cfg.CallRequestTimeout <= 0 {
		logger.Warn("startup warning: CALL_REQUEST_TIMEOUT=0 keeps unanswered call requests open until a party disconnects",
			"warning_code", "call_request_timeout_disabled",
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		for _, u := range server.URLs {
			u = strings.ToLower(strings.TrimSpace(u))
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
