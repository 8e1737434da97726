package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/suggest"
)

// latestKey is the cache key of the last scheduled suggestion run.
const latestKey = "suggestions:latest"

// SuggestionBatch is the result of one scheduled suggestion run.
type SuggestionBatch struct {
	TenantID    string                  `json:"tenantId"`
	Suggestions []domain.RuleSuggestion `json:"suggestions"`
	GeneratedAt time.Time               `json:"generatedAt"`
}

// Scheduler periodically mines suggestions for a fixed set of tenants,
// caches them and announces them on the bus.
type Scheduler struct {
	generator *suggest.Generator
	cache     domain.Cache
	bus       domain.EventBus
	metrics   *metrics.Collector
	cfg       domain.AnalystConfig

	cron *cron.Cron
	mu   sync.Mutex
}

// NewScheduler creates a scheduler. cache, bus and m may be nil.
func NewScheduler(generator *suggest.Generator, c domain.Cache, bus domain.EventBus, m *metrics.Collector, cfg domain.AnalystConfig) *Scheduler {
	defaults := domain.DefaultConfig().Analyst
	if cfg.RefreshSchedule == "" {
		cfg.RefreshSchedule = defaults.RefreshSchedule
	}
	if len(cfg.Tenants) == 0 {
		cfg.Tenants = defaults.Tenants
	}
	if cfg.SuggestionTTL <= 0 {
		cfg.SuggestionTTL = defaults.SuggestionTTL
	}
	return &Scheduler{
		generator: generator,
		cache:     c,
		bus:       bus,
		metrics:   m,
		cfg:       cfg,
	}
}

// Start schedules the refresh job. It fails on an invalid cron spec.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.RefreshSchedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.cfg.RefreshSchedule, err)
	}
	c.Start()
	s.cron = c

	slog.Info("suggestion scheduler started",
		"schedule", s.cfg.RefreshSchedule,
		"tenants", s.cfg.Tenants,
	)
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce refreshes every configured tenant. Failures are logged per tenant.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, tenantID := range s.cfg.Tenants {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Refresh(ctx, tenantID); err != nil {
			slog.Warn("scheduled suggestion refresh failed",
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}
}

// Refresh mines suggestions for one tenant, caches and publishes them.
func (s *Scheduler) Refresh(ctx context.Context, tenantID string) (*SuggestionBatch, error) {
	suggestions, err := s.generator.Suggest(ctx, tenantID, 0)
	s.metrics.RecordSuggestionRefresh(tenantID, len(suggestions), err)
	if err != nil {
		return nil, err
	}

	batch := &SuggestionBatch{
		TenantID:    tenantID,
		Suggestions: suggestions,
		GeneratedAt: time.Now().UTC(),
	}

	if s.cache != nil {
		if err := cache.SetJSON(ctx, s.cache, tenantID, latestKey, batch, s.cfg.SuggestionTTL); err != nil {
			slog.Warn("failed to cache suggestions", "tenant_id", tenantID, "error", err)
		}
	}

	if s.bus != nil && len(suggestions) > 0 {
		payload, err := json.Marshal(batch)
		if err == nil {
			err = s.bus.Publish(ctx, tenantID, domain.TopicRulesSuggested, payload)
		}
		if err != nil {
			slog.Warn("failed to publish suggestions", "tenant_id", tenantID, "error", err)
		}
	}

	slog.Debug("suggestions refreshed",
		"tenant_id", tenantID,
		"count", len(suggestions),
	)
	return batch, nil
}

// Latest returns the last cached batch for a tenant, or nil if none is cached.
func (s *Scheduler) Latest(ctx context.Context, tenantID string) (*SuggestionBatch, error) {
	if s.cache == nil {
		return nil, nil
	}
	var batch SuggestionBatch
	hit, err := cache.GetJSON(ctx, s.cache, tenantID, latestKey, &batch)
	if err != nil || !hit {
		return nil, err
	}
	return &batch, nil
}
