package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vakeelsaab/vakeel-signal/internal/auth"
	"github.com/vakeelsaab/vakeel-signal/internal/callhistory"
	"github.com/vakeelsaab/vakeel-signal/internal/config"
	"github.com/vakeelsaab/vakeel-signal/internal/httpserver"
	"github.com/vakeelsaab/vakeel-signal/internal/hub"
	"github.com/vakeelsaab/vakeel-signal/internal/metrics"
	"github.com/vakeelsaab/vakeel-signal/internal/presence"
	"github.com/vakeelsaab/vakeel-signal/internal/signaling"
	"github.com/vakeelsaab/vakeel-signal/internal/turnrest"
)

// app owns every long-lived component so main and the tests share one
// startup and shutdown path.
type app struct {
	log             *slog.Logger
	shutdownTimeout time.Duration

	metrics *metrics.Metrics
	hub     *hub.Hub
	history *callhistory.Store
	http    *httpserver.Server
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure auth: %w", err)
	}
	initial, err := presence.ParseStatus(cfg.LawyerInitialStatus)
	if err != nil {
		return nil, err
	}

	a := &app{
		log:             logger,
		shutdownTimeout: cfg.ShutdownTimeout,
		metrics:         metrics.New(),
	}

	hubCfg := hub.Config{
		LawyerInitialStatus: initial,
		CallRequestTimeout:  cfg.CallRequestTimeout,
		Logger:              logger.With("component", "hub"),
		Metrics:             a.metrics,
	}
	deps := httpserver.Deps{Verifier: verifier, Metrics: a.metrics}
	if cfg.CallHistoryDB != "" {
		store, err := callhistory.Open(cfg.CallHistoryDB)
		if err != nil {
			return nil, err
		}
		a.history = store
		hubCfg.History = store
		deps.History = store
	}
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("configure turn rest: %w", err)
		}
		deps.TURNREST = gen
	}

	a.hub = hub.New(hubCfg)
	deps.Directory = a.hub

	a.http = httpserver.New(cfg, logger, build, deps)
	signaling.NewServer(signaling.Config{
		Hub:               a.hub,
		Verifier:          verifier,
		AllowedOrigins:    cfg.AllowedOrigins,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:     cfg.SignalingSendQueueSize,
		Logger:            logger.With("component", "signaling"),
		Metrics:           a.metrics,
	}).RegisterRoutes(a.http.Mux())

	return a, nil
}

// serve runs until ctx is cancelled or the listener fails, then drains.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go a.hub.Run(runCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		a.close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown failed", "err", err)
	}
	a.close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

// close drains the hub (ending calls and closing sockets) and then the
// history store, so the final call records are written.
func (a *app) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("closing call history", "err", err)
		}
	}
}
