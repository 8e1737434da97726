package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/analyst"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/credit"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fraud"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/suggest"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
	"github.com/spf13/cobra"
)

var servePort int

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP listen port (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage API server",
	Long:  "Runs the HTTP API, the ingest workers and the suggestion scheduler.\nSuggestion tunables are hot-reloaded when --config changes.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	setupLogger(cfg.Logging)

	slog.Info("starting harrier",
		"version", buildInfo.Version,
		"commit", buildInfo.Commit,
		"build_date", buildInfo.BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			watcher, err := config.NewWatcher(configPath, a.reload)
			if err != nil {
				slog.Warn("hot-reload disabled", "error", err)
			} else {
				go watcher.Run(ctx)
			}
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd, cfg)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
	return nil
}

// app owns every long-lived component of a running server.
type app struct {
	cfg *domain.Config

	store     domain.EventStore
	cache     domain.Cache
	bus       domain.EventBus
	metrics   *metrics.Collector
	generator *suggest.Generator
	scheduler *analyst.Scheduler
	worker    *worker.Worker
	server    *api.Server
}

// RulesChanged is published on domain.TopicRulesChanged after every accept
// or clear.
type RulesChanged struct {
	TenantID  string               `json:"tenantId"`
	Version   uint64               `json:"version"`
	Rules     []domain.ScoringRule `json:"rules"`
	ChangedAt time.Time            `json:"changedAt"`
}

func newApp(cfg *domain.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewCollector()}

	store, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.store = store
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	a.cache = c
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	b, err := bus.New(cfg.EventBus)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	a.bus = b
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	compiler, err := rules.NewCompiler()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create rule compiler: %w", err)
	}
	registries := rules.NewRegistries(compiler, a.rulesChanged)

	fraudEngine, err := fraud.NewEngine(compiler, registries, fraud.Options{
		Scoring: cfg.Scoring,
		Store:   a.store,
		Bus:     a.bus,
		Metrics: a.metrics,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	agg := telemetry.NewAggregator(a.store, a.cache, cfg.Telemetry)
	a.generator = suggest.NewGenerator(agg, cfg.Telemetry.Window, cfg.Suggestions)
	coordinator := analyst.NewCoordinator(a.store, agg, a.generator, registries, a.metrics, analyst.Config{
		Analyst:   cfg.Analyst,
		Telemetry: cfg.Telemetry,
	})
	a.scheduler = analyst.NewScheduler(a.generator, a.cache, a.bus, a.metrics, cfg.Analyst)
	a.worker = worker.NewWorker(a.bus, fraudEngine, a.metrics)

	a.server = api.NewServer(cfg.Server, cfg.Metrics, api.Dependencies{
		Store:       a.store,
		Cache:       a.cache,
		Bus:         a.bus,
		Ingest:      a.worker,
		Fraud:       fraudEngine,
		Credit:      credit.NewEngine(a.metrics),
		Coordinator: coordinator,
		Scheduler:   a.scheduler,
		Metrics:     a.metrics,
		Version:     buildInfo.Version,
	})
	return a, nil
}

// start launches the background components. An empty refresh schedule
// leaves the scheduler idle.
func (a *app) start(ctx context.Context) error {
	err := a.worker.Start(worker.Config{
		TenantIDs:   a.cfg.Analyst.Tenants,
		WorkerCount: a.cfg.Scoring.IngestWorkers,
	})
	if err != nil {
		return fmt.Errorf("failed to start ingest workers: %w", err)
	}

	if a.cfg.Analyst.RefreshSchedule != "" {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// reload applies the hot-reloadable part of a new configuration.
func (a *app) reload(cfg *domain.Config) {
	a.generator.SetConfig(cfg.Suggestions)
	slog.Info("suggestion tunables updated",
		"base_weight", cfg.Suggestions.BaseWeight,
		"min_support", cfg.Suggestions.MinSupport,
	)
}

func (a *app) rulesChanged(tenantID string, set *rules.RuleSet) {
	a.metrics.SetRuntimeRules(tenantID, set.Len())
	if a.bus == nil {
		return
	}

	msg := RulesChanged{
		TenantID:  tenantID,
		Version:   set.Version,
		Rules:     set.Rules(),
		ChangedAt: time.Now().UTC(),
	}
	if err := bus.PublishJSON(context.Background(), a.bus, tenantID, domain.TopicRulesChanged, msg); err != nil {
		slog.Warn("failed to publish rule change",
			"tenant_id", tenantID,
			"version", set.Version,
			"error", err,
		)
	}
}

// close stops components in reverse start order. It tolerates a partially
// built app.
func (a *app) close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.worker != nil {
		if err := a.worker.Stop(); err != nil {
			slog.Error("failed to stop ingest workers", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func printBanner(cmd *cobra.Command, cfg *domain.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  HARRIER  fraud and credit triage")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", buildInfo.Version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    POST   /api/v1/triage/fraud              - Score a transaction")
	fmt.Fprintln(out, "    POST   /api/v1/triage/fraud/async        - Queue a transaction")
	fmt.Fprintln(out, "    POST   /api/v1/triage/credit             - Score a credit application")
	fmt.Fprintln(out, "    GET    /api/v1/rules/suggestions         - Mine rule suggestions")
	fmt.Fprintln(out, "    GET    /api/v1/rules/suggestions/latest  - Last scheduled suggestions")
	fmt.Fprintln(out, "    GET    /api/v1/rules/runtime             - List runtime rules")
	fmt.Fprintln(out, "    POST   /api/v1/rules/runtime             - Accept a runtime rule")
	fmt.Fprintln(out, "    DELETE /api/v1/rules/runtime             - Clear runtime rules")
	fmt.Fprintln(out, "    GET    /api/v1/fraud/events              - List recent events")
	fmt.Fprintln(out, "    POST   /api/v1/fraud/events/{id}/label   - Label an event")
	fmt.Fprintln(out, "    GET    /api/v1/analyst/queue             - Analyst queue")
	fmt.Fprintln(out, "    GET    /api/v1/analytics/kpis            - Quality KPIs")
	fmt.Fprintln(out, "    GET    /health                           - Health check")
	fmt.Fprintln(out)
}
