// Package app wires every component into a running control plane: config,
// infrastructure clients, the core subsystems, and the HTTP/WebSocket
// surface, with graceful shutdown on context cancellation.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/probemesh/internal/config"
	"github.com/wisbric/probemesh/internal/httpserver"
	"github.com/wisbric/probemesh/internal/identity"
	"github.com/wisbric/probemesh/internal/platform"
	"github.com/wisbric/probemesh/internal/telemetry"
	"github.com/wisbric/probemesh/pkg/admission"
	"github.com/wisbric/probemesh/pkg/dispatch"
	"github.com/wisbric/probemesh/pkg/nodefabric"
	"github.com/wisbric/probemesh/pkg/notify"
	"github.com/wisbric/probemesh/pkg/scheduler"
	"github.com/wisbric/probemesh/pkg/tier"
)

// Run reads config, connects to infrastructure, wires every core component,
// and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting probemesh", "listen", cfg.ListenAddr())

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	tiers, err := tier.New(cfg.TierCatalogPath, logger)
	if err != nil {
		return fmt.Errorf("loading tier catalog: %w", err)
	}
	if err := tiers.Watch(ctx); err != nil {
		return fmt.Errorf("watching tier catalog: %w", err)
	}

	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = identity.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret; set PROBEMESH_SESSION_SECRET in production")
	}
	sessionMgr, err := identity.NewSessionManager(sessionSecret, cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	resolver := &identity.Resolver{
		Storage:  identity.NewPGStorage(db),
		Sessions: sessionMgr,
		Tiers:    tiers,
	}

	var adminAuth *identity.AdminAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		adminAuth, err = identity.NewAdminAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing admin OIDC authenticator: %w", err)
		}
		logger.Info("admin OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("admin OIDC authentication disabled (OIDC_ISSUER_URL or OIDC_CLIENT_ID not set); registration_token is unavailable")
	}

	usageLog := admission.NewUsageLogWriter(db, logger)
	usageLog.Start(ctx)
	defer usageLog.Close()

	admissionEngine := admission.New(admission.Config{
		QueueCapacity: cfg.AdmitQueueCapacity,
		WaitTimeout:   cfg.AdmitWaitTimeout,
		SweepInterval: cfg.AdmitSweepInterval,
	}, usageLog, logger)
	go admissionEngine.Run(ctx)
	defer admissionEngine.Stop()

	nodeRegistry := nodefabric.NewRegistry(db, logger)
	if err := nodeRegistry.Load(ctx); err != nil {
		return fmt.Errorf("loading node registry: %w", err)
	}
	vault := nodefabric.NewVault(db)
	fabric := nodefabric.NewFabric(nodeRegistry, logger, cfg.NodeHeartbeatInterval, cfg.NodeAuthTimeout)

	dispatcher := dispatch.New(nodeRegistry, logger, dispatch.Config{
		DefaultTimeout:    cfg.DefaultJobTimeout,
		MaxTimeout:        cfg.MaxJobTimeout,
		LivenessThreshold: 3 * cfg.NodeHeartbeatInterval,
	})

	sched := scheduler.New(db, admissionEngine, dispatcher, tiers, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("ops notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("ops notifications disabled (SLACK_BOT_TOKEN or SLACK_ALERT_CHANNEL not set)")
	}
	go watchNodeErrors(ctx, nodeRegistry, notifier)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, httpserver.Deps{
		Identity:     resolver,
		Admission:    admissionEngine,
		Dispatcher:   dispatcher,
		NodeRegistry: nodeRegistry,
		Vault:        vault,
		Fabric:       fabric,
		Scheduler:    sched,
		Admin:        adminAuth,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// nodeErrorThreshold is the error_count a node must cross before the ops
// notifier alerts on it.
const nodeErrorThreshold = 10

// watchNodeErrors periodically scans the node cache for nodes past the
// error threshold and alerts once per crossing, resetting when the count
// drops back below it.
func watchNodeErrors(ctx context.Context, registry *nodefabric.Registry, notifier *notify.Notifier) {
	if !notifier.IsEnabled() {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	alerted := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, node := range registry.All() {
				switch {
				case node.ErrorCount >= nodeErrorThreshold && !alerted[node.NodeUUID]:
					notifier.NodeErrorThreshold(ctx, node.NodeUUID, node.ErrorCount, nodeErrorThreshold)
					alerted[node.NodeUUID] = true
				case node.ErrorCount < nodeErrorThreshold:
					delete(alerted, node.NodeUUID)
				}
			}
		}
	}
}
