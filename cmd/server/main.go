// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package main is the entry point for the Auditcast distribution server.
//
// Auditcast streams security audit events to authorized dashboard
// viewers in real time over websockets, with per-client filtering,
// admission control and a fallback retry queue for failed deliveries.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config.yaml and
//     environment variables (Koanf v2)
//  2. Audit sink: buffered asynchronous activity recording
//  3. Registries: connection admission and subscription filtering
//  4. Fallback queue: priority-ordered retry of failed deliveries
//  5. Gateway hub: websocket fan-out with per-connection rate limiting
//  6. Health monitor: periodic scoring of the distribution subsystem
//  7. HTTP server: websocket handshake, stats and health endpoints
//
// All recurring work (heartbeats, sweeps, queue drains, health checks)
// runs as supervised periodic services under a suture tree; no component
// schedules its own timers.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (AUDITCAST_ prefix)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// JWT_SECRET (32+ characters) is required; everything else has working
// defaults.
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Force-closes live websocket clients
//   - Flushes the fallback queue and the audit sink
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schoolworks/auditcast/internal/api"
	"github.com/schoolworks/auditcast/internal/audit"
	"github.com/schoolworks/auditcast/internal/auth"
	"github.com/schoolworks/auditcast/internal/config"
	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/gateway"
	"github.com/schoolworks/auditcast/internal/health"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/metricsagg"
	"github.com/schoolworks/auditcast/internal/registry"
	"github.com/schoolworks/auditcast/internal/subscription"
	"github.com/schoolworks/auditcast/internal/supervisor"
	"github.com/schoolworks/auditcast/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("port", cfg.Server.Port).
		Int("max_connections", cfg.Connections.MaxTotal).
		Msg("Starting Auditcast with supervisor tree")

	// Audit sink: everything security-relevant flows through here.
	store := audit.NewLogStore()
	sink := audit.NewBufferedSink(store, audit.DefaultSinkConfig())
	defer func() {
		if err := sink.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing audit sink")
		}
	}()

	verifier, err := auth.NewVerifier(cfg.Security.JWTSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize token verifier")
	}
	rolePolicy := auth.NewRolePolicy(cfg.Security.AllowedRoles)

	conns := registry.New(registry.Limits{
		MaxTotal:            cfg.Connections.MaxTotal,
		MaxPerUser:          cfg.Connections.MaxPerUser,
		MaxPerIP:            cfg.Connections.MaxPerIP,
		SuspiciousThreshold: cfg.Connections.SuspiciousThreshold,
		SuspiciousDecay:     cfg.Connections.SuspiciousDecay,
	}, sink)

	subs := subscription.NewRegistry()

	queue := fallback.New(fallback.Config{
		Enabled:       cfg.Fallback.Enabled,
		MaxSize:       cfg.Fallback.MaxSize,
		BatchSize:     cfg.Fallback.BatchSize,
		MaxRetries:    cfg.Fallback.MaxRetries,
		RetryInterval: cfg.Fallback.RetryInterval,
	}, store)

	interceptor := gateway.NewAdmissionInterceptor(
		cfg.Security.MessageRatePerSecond,
		cfg.Security.MessageBurst,
	)

	hub := gateway.NewHub(conns, subs, sink, verifier, rolePolicy, queue, interceptor)
	conns.SetDisconnector(hub)

	provider := &statsProvider{
		conns:        conns,
		queue:        queue,
		hub:          hub,
		staleTimeout: cfg.Connections.StaleTimeout,
	}

	aggregator := metricsagg.New(metricsagg.Config{
		CacheTTL:       cfg.Metrics.CacheTTL,
		SummaryTTL:     cfg.Metrics.SummaryTTL,
		ThrottleWindow: cfg.Metrics.ThrottleWindow,
		SendGap:        cfg.Metrics.SendGap,
	}, provider, hub)
	provider.aggregator = aggregator

	monitor := health.NewMonitor(provider, sink, health.Thresholds{
		ErrorRatePercent:      cfg.Health.ErrorRatePercent,
		MaxConnectionsPerIP:   cfg.Health.MaxConnectionsPerIP,
		QueueBacklogThreshold: cfg.Health.QueueBacklogThreshold,
		MinAvgConnectionAge:   cfg.Health.MinAvgConnectionAge,
	})

	// Supervisor tree: sutureslog bridges supervision events into zerolog.
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Distribution layer: the hub plus every recurring task that feeds it.
	tree.AddDistributionService(services.NewRunnerService("gateway-hub", hub))
	tree.AddDistributionService(services.NewPeriodicService("heartbeat", cfg.Connections.HeartbeatInterval, func(context.Context) {
		hub.BroadcastHeartbeat()
	}))
	tree.AddDistributionService(services.NewPeriodicService("idle-sweep", cfg.Connections.IdleSweepInterval, func(context.Context) {
		hub.SweepIdle(cfg.Connections.IdleTimeout)
	}))
	tree.AddDistributionService(services.NewPeriodicService("stale-sweep", cfg.Connections.SweepInterval, func(context.Context) {
		conns.SweepStale(cfg.Connections.StaleTimeout)
	}))
	tree.AddDistributionService(services.NewPeriodicService("subscription-sweep", cfg.Subscription.SweepInterval, func(context.Context) {
		subs.SweepInactive(cfg.Subscription.MaxAge)
	}))
	tree.AddDistributionService(services.NewPeriodicService("fallback-drain", cfg.Fallback.RetryInterval, func(ctx context.Context) {
		queue.ProcessBatch(ctx)
	}))

	// Monitoring layer.
	tree.AddMonitoringService(services.NewPeriodicService("health-collect", cfg.Health.CollectionInterval, func(context.Context) {
		monitor.Collect()
	}))
	tree.AddMonitoringService(services.NewPeriodicService("health-assess", cfg.Health.AssessmentInterval, func(context.Context) {
		monitor.Assess()
	}))
	tree.AddMonitoringService(services.NewPeriodicService("metrics-drain", time.Second, func(ctx context.Context) {
		aggregator.DrainQueue(ctx)
	}))

	// API layer.
	router := api.NewRouter(hub, monitor, provider, api.RouterConfig{
		HandshakeLimitPerIP: cfg.Security.HandshakeRateLimit,
		StatsLimitPerIP:     api.DefaultRouterConfig().StatsLimitPerIP,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
	}

	// Shutdown order matters: close transports first so no new failures
	// enqueue, then give the fallback queue one final delivery pass.
	closed := conns.Shutdown("server_shutdown")
	logging.Info().Int("connections_closed", closed).Msg("Connection registry shut down")

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	queue.Flush(flushCtx)
	flushCancel()

	logging.Info().Msg("Auditcast stopped")
}
