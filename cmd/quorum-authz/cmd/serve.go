package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quorumauthz/core/internal/approval"
	"github.com/quorumauthz/core/internal/config"
	"github.com/quorumauthz/core/internal/engine"
	"github.com/quorumauthz/core/internal/obs/decisionlog"
	"github.com/quorumauthz/core/internal/obs/health"
	"github.com/quorumauthz/core/internal/obs/metrics"
	"github.com/quorumauthz/core/internal/obs/tracing"
	"github.com/quorumauthz/core/internal/relationship"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the health/metrics HTTP server for an embedded engine",
	Long: `serve loads a policy bundle, constructs an Engine with the
configured Approval/Relationship stores, decision log and metrics, and
exposes /healthz and the metrics path over HTTP until SIGINT/SIGTERM.

This is a reference host, not a control plane: there is no API to mutate
policies, approvals or relationships at runtime. Operators reload by
restarting with an updated bundle.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.InstallStdoutTracerProvider(os.Stderr)
	if err != nil {
		return fmt.Errorf("install tracer provider: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store := engine.NewPolicyDataStore()

	shutdownMeter, err := tracing.InstallStdoutMeterProvider(os.Stderr, 30*time.Second, storeVersioner{store})
	if err != nil {
		return fmt.Errorf("install meter provider: %w", err)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()
	if cfg.PolicyBundle.Dir != "" {
		sources, version, err := config.LoadPolicyBundle(cfg.PolicyBundle)
		if err != nil {
			return fmt.Errorf("load policy bundle: %w", err)
		}
		if err := store.Recompile(sources, version); err != nil {
			return fmt.Errorf("compile policy bundle: %w", err)
		}
	} else {
		slog.Warn("no policy_bundle.dir configured, serving an empty always-deny snapshot")
	}

	approvals, closeApprovals, err := openApprovalStore(cfg.ApprovalStore)
	if err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	defer closeApprovals()

	relationships, closeRelationships, err := openRelationshipStore(cfg.RelationshipStore)
	if err != nil {
		return fmt.Errorf("open relationship store: %w", err)
	}
	defer closeRelationships()

	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(reg)
	}

	var sink decisionlog.Sink
	if cfg.DecisionLog.Enabled {
		sink = decisionlog.NewMemorySink(cfg.DecisionLog.BufferSize)
		defer sink.Close()
	}

	// serve is a liveness/metrics host, not a request-evaluation surface:
	// there is no control-plane RPC here. A host process embeds
	// pkg/quorumauthz directly and wires this same store/sink/metrics set
	// into its own Engine via engine.WithDecisionLog/WithMetrics; here they
	// back /healthz and the metrics endpoint only.
	var engineOpts []engine.Option
	if sink != nil {
		engineOpts = append(engineOpts, engine.WithDecisionLog(sink))
	}
	if m != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(m))
	}
	_ = engine.New(store, engineOpts...) // constructed to validate the option wiring at startup

	checker := health.NewChecker(store, approvals, relationships, Version)

	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.Handler())
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("serve listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openApprovalStore(cfg config.StoreConfig) (approval.Store, func(), error) {
	if cfg.Backend == "sqlite" {
		interval, err := time.ParseDuration(cfg.CleanupInterval)
		if err != nil {
			return nil, func() {}, fmt.Errorf("parse approval_store.cleanup_interval: %w", err)
		}
		s, err := approval.OpenSQLiteStore(cfg.Path, interval)
		if err != nil {
			return nil, func() {}, err
		}
		s.StartCleanup(context.Background())
		return s, s.Close, nil
	}
	interval, err := time.ParseDuration(cfg.CleanupInterval)
	if err != nil {
		interval = 5 * time.Minute
	}
	s := approval.NewMemoryStore(interval)
	s.StartCleanup(context.Background())
	return s, s.Close, nil
}

func openRelationshipStore(cfg config.StoreConfig) (relationship.Store, func(), error) {
	if cfg.Backend == "sqlite" {
		interval, err := time.ParseDuration(cfg.CleanupInterval)
		if err != nil {
			return nil, func() {}, fmt.Errorf("parse relationship_store.cleanup_interval: %w", err)
		}
		s, err := relationship.OpenSQLiteStore(cfg.Path, interval)
		if err != nil {
			return nil, func() {}, err
		}
		s.StartCleanup(context.Background())
		return s, s.Close, nil
	}
	interval, err := time.ParseDuration(cfg.CleanupInterval)
	if err != nil {
		interval = 5 * time.Minute
	}
	s := relationship.NewMemoryStore(interval)
	s.StartCleanup(context.Background())
	return s, s.Close, nil
}

// storeVersioner adapts *engine.PolicyDataStore to tracing.SnapshotVersioner.
type storeVersioner struct{ store *engine.PolicyDataStore }

func (v storeVersioner) Version() uint64 { return v.store.Current().Version() }
