package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/vakeelsaab/vakeel-signal/internal/config"
	"github.com/vakeelsaab/vakeel-signal/internal/httpserver"
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

	logger.Info("starting vakeel-signal",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"call_request_timeout", cfg.CallRequestTimeout,
		"lawyer_initial_status", cfg.LawyerInitialStatus,
		"call_history_db_set", cfg.CallHistoryDB != "",
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
	)
	logStartupSecurityWarnings(logger, cfg)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	a, err := newApp(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to start", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		a.close()
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.serve(ctx, ln); err != nil {
		logger.Error("http server exited", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; otherwise use VCS stamps from `go build`.
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
