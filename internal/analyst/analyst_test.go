package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/suggest"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

const tenantID = "tenant-001"

type fixture struct {
	store       *repository.MemoryStore
	coordinator *Coordinator
	generator   *suggest.Generator
	cache       *cache.LRUCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repository.NewMemoryStore(100)
	lru := cache.NewLRUCache(100)
	cfg := domain.DefaultConfig()

	agg := telemetry.NewAggregator(store, lru, cfg.Telemetry)
	gen := suggest.NewGenerator(agg, cfg.Telemetry.Window, cfg.Suggestions)
	compiler, err := rules.NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler failed: %v", err)
	}
	registries := rules.NewRegistries(compiler, nil)

	c := NewCoordinator(store, agg, gen, registries, metrics.NewCollector(), Config{
		Analyst:   cfg.Analyst,
		Telemetry: cfg.Telemetry,
	})
	return &fixture{store: store, coordinator: c, generator: gen, cache: lru}
}

// seed appends one event per band, oldest first, and returns their IDs.
func (f *fixture) seed(t *testing.T, bands ...domain.RiskBand) []string {
	t.Helper()
	ids := make([]string, len(bands))
	for i, band := range bands {
		tx := domain.TransactionRequest{
			AccountID: "acct-" + string(rune('a'+i)),
			Amount:    120,
			Currency:  domain.CurrencyUSD,
			Merchant:  "Test Merchant",
			MCC:       "7995",
			Geo:       "US-NY",
			DeviceID:  "dev-123",
			Channel:   domain.ChannelEcommerce,
		}
		id, err := f.store.Append(context.Background(), tenantID, tx, domain.FraudDecisionResult{RiskBand: band}, 3)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func accounts(events []*domain.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Transaction.AccountID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("BandOrder", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, domain.BandLow, domain.BandHigh, domain.BandMedium, domain.BandHigh, domain.BandLow)

		q, err := f.coordinator.Refresh(ctx, tenantID, RefreshOptions{})
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}

		want := []string{"acct-d", "acct-b", "acct-c", "acct-e", "acct-a"}
		if got := accounts(q.Events); !equal(got, want) {
			t.Errorf("expected order %v, got %v", want, got)
		}
		if len(q.Suggestions) == 0 {
			t.Error("expected suggestions from five matching events")
		}
		if q.Rules == nil || len(q.Rules) != 0 {
			t.Errorf("expected empty rule list, got %v", q.Rules)
		}
	})

	t.Run("EventLimit", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, domain.BandLow, domain.BandHigh, domain.BandMedium, domain.BandHigh, domain.BandLow)

		q, err := f.coordinator.Refresh(ctx, tenantID, RefreshOptions{EventLimit: 3, SuggestionLimit: 1})
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}

		// The newest three are e (low), d (high), c (medium).
		want := []string{"acct-d", "acct-c", "acct-e"}
		if got := accounts(q.Events); !equal(got, want) {
			t.Errorf("expected order %v, got %v", want, got)
		}
		if len(q.Suggestions) != 1 {
			t.Errorf("expected 1 suggestion, got %d", len(q.Suggestions))
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		f := newFixture(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := f.coordinator.Refresh(cctx, tenantID, RefreshOptions{}); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("IncludesRules", func(t *testing.T) {
		f := newFixture(t)
		rule, _ := domain.NewScoringRule("p2p", domain.FeatureChannel, domain.OpEquals, domain.StringValue("p2p"), 0.1)
		if _, err := f.coordinator.AcceptRule(tenantID, rule); err != nil {
			t.Fatalf("AcceptRule failed: %v", err)
		}

		q, err := f.coordinator.Refresh(ctx, tenantID, RefreshOptions{})
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if len(q.Rules) != 1 || q.RulesVersion != 1 {
			t.Errorf("expected 1 rule at version 1, got %d at %d", len(q.Rules), q.RulesVersion)
		}
	})
}

func TestSortByBand(t *testing.T) {
	events := []*domain.Event{
		{ID: "1", RiskBand: domain.BandLow},
		{ID: "2", RiskBand: domain.BandMedium},
		{ID: "3", RiskBand: domain.BandHigh},
		{ID: "4", RiskBand: domain.BandMedium},
	}

	got := SortByBand(events)
	ids := make([]string, len(got))
	for i, ev := range got {
		ids[i] = ev.ID
	}
	if want := []string{"3", "2", "4", "1"}; !equal(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
	if events[0].ID != "1" {
		t.Error("SortByBand must not reorder its input")
	}
}

func TestApplyLabel(t *testing.T) {
	ctx := context.Background()

	t.Run("LabelsAndInvalidates", func(t *testing.T) {
		f := newFixture(t)
		ids := f.seed(t, domain.BandHigh)

		before, err := f.coordinator.KPIs(ctx, tenantID)
		if err != nil {
			t.Fatalf("KPIs failed: %v", err)
		}
		if before.Precision != nil {
			t.Fatal("expected no precision before labeling")
		}

		if err := f.coordinator.ApplyLabel(ctx, tenantID, ids[0], domain.LabelFraud); err != nil {
			t.Fatalf("ApplyLabel failed: %v", err)
		}

		ev, err := f.store.Get(ctx, tenantID, ids[0])
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ev.Label == nil || *ev.Label != domain.LabelFraud {
			t.Errorf("expected fraud label, got %v", ev.Label)
		}

		after, err := f.coordinator.KPIs(ctx, tenantID)
		if err != nil {
			t.Fatalf("KPIs failed: %v", err)
		}
		if after.Precision == nil || *after.Precision != 1 {
			t.Errorf("expected fresh KPIs with precision 1, got %v", after.Precision)
		}
	})

	t.Run("UnknownEvent", func(t *testing.T) {
		f := newFixture(t)
		err := f.coordinator.ApplyLabel(ctx, tenantID, "missing", domain.LabelGenuine)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InvalidLabel", func(t *testing.T) {
		f := newFixture(t)
		ids := f.seed(t, domain.BandLow)
		err := f.coordinator.ApplyLabel(ctx, tenantID, ids[0], domain.Label("maybe"))
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestRuleActions(t *testing.T) {
	f := newFixture(t)

	s := domain.RuleSuggestion{
		ScoringRule: domain.ScoringRule{
			Description: "MCC 7995 concentration",
			Feature:     domain.FeatureMCC,
			Operator:    domain.OpEquals,
			Value:       domain.StringValue("7995"),
			Weight:      0.5,
		},
		ProposedWeight: 0.12,
	}

	accepted, err := f.coordinator.AcceptSuggestion(tenantID, s)
	if err != nil {
		t.Fatalf("AcceptSuggestion failed: %v", err)
	}
	if accepted.Weight != 0.12 {
		t.Errorf("expected proposed weight 0.12, got %v", accepted.Weight)
	}

	bad := domain.ScoringRule{Feature: domain.FeatureGeo, Operator: domain.OpGreaterThan, Value: domain.NumberValue(1), Weight: 0.1}
	if _, err := f.coordinator.AcceptRule(tenantID, bad); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	list, version := f.coordinator.Rules(tenantID)
	if len(list) != 1 || version != 1 {
		t.Errorf("expected 1 rule at version 1, got %d at %d", len(list), version)
	}

	other, _ := f.coordinator.Rules("tenant-002")
	if len(other) != 0 {
		t.Errorf("expected other tenant to be empty, got %d", len(other))
	}

	f.coordinator.ClearRules(tenantID)
	list, version = f.coordinator.Rules(tenantID)
	if len(list) != 0 || version != 2 {
		t.Errorf("expected cleared rules at version 2, got %d at %d", len(list), version)
	}
}

type recordingBus struct {
	domain.EventBus
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *recordingBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[topic] = append(b.messages[topic], payload)
	return nil
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("RefreshCachesAndPublishes", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, domain.BandHigh, domain.BandHigh, domain.BandMedium)
		bus := &recordingBus{}

		s := NewScheduler(f.generator, f.cache, bus, nil, domain.AnalystConfig{Tenants: []string{tenantID}})

		latest, err := s.Latest(ctx, tenantID)
		if err != nil || latest != nil {
			t.Fatalf("expected empty cache, got %v, %v", latest, err)
		}

		s.RunOnce(ctx)

		latest, err = s.Latest(ctx, tenantID)
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if latest == nil || len(latest.Suggestions) == 0 {
			t.Fatalf("expected cached suggestions, got %+v", latest)
		}

		msgs := bus.messages[domain.TopicRulesSuggested]
		if len(msgs) != 1 {
			t.Fatalf("expected 1 published batch, got %d", len(msgs))
		}
		var batch SuggestionBatch
		if err := json.Unmarshal(msgs[0], &batch); err != nil {
			t.Fatalf("failed to decode batch: %v", err)
		}
		if batch.TenantID != tenantID || len(batch.Suggestions) != len(latest.Suggestions) {
			t.Errorf("unexpected batch %+v", batch)
		}
	})

	t.Run("NothingToPublish", func(t *testing.T) {
		f := newFixture(t)
		bus := &recordingBus{}
		s := NewScheduler(f.generator, nil, bus, nil, domain.AnalystConfig{})

		batch, err := s.Refresh(ctx, domain.DefaultTenantID)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if len(batch.Suggestions) != 0 {
			t.Errorf("expected no suggestions, got %d", len(batch.Suggestions))
		}
		if len(bus.messages) != 0 {
			t.Error("empty batches must not be published")
		}
	})

	t.Run("StartStop", func(t *testing.T) {
		f := newFixture(t)
		s := NewScheduler(f.generator, f.cache, nil, nil, domain.AnalystConfig{RefreshSchedule: "@every 1h"})
		if err := s.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := s.Start(ctx); err != nil {
			t.Errorf("second Start should be a no-op, got %v", err)
		}

		done := make(chan struct{})
		go func() {
			s.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return")
		}
	})

	t.Run("InvalidSchedule", func(t *testing.T) {
		f := newFixture(t)
		s := NewScheduler(f.generator, nil, nil, nil, domain.AnalystConfig{RefreshSchedule: "every tuesday"})
		if err := s.Start(ctx); err == nil {
			t.Error("expected error for invalid schedule")
		}
	})
}
