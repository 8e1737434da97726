package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/analyst"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/credit"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fraud"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/suggest"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
)

const testTenant = "tenant-001"

type testEnv struct {
	server    *Server
	store     *repository.MemoryStore
	bus       *bus.ChannelBus
	worker    *worker.Worker
	scheduler *analyst.Scheduler
}

// newTestEnv wires the full stack on in-memory backends. withBus controls
// whether an event bus and an unstarted ingest worker are attached.
func newTestEnv(t *testing.T, withBus bool) *testEnv {
	t.Helper()

	cfg := domain.DefaultConfig()
	store := repository.NewMemoryStore(1000)
	lru := cache.NewLRUCache(1000)
	m := metrics.NewCollector()

	var eventBus *bus.ChannelBus
	var deps Dependencies
	if withBus {
		eventBus = bus.NewChannelBus(100)
		t.Cleanup(func() { eventBus.Close() })
		deps.Bus = eventBus
	}

	compiler, err := rules.NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler failed: %v", err)
	}
	registries := rules.NewRegistries(compiler, nil)

	opts := fraud.Options{Scoring: cfg.Scoring, Store: store, Metrics: m}
	if eventBus != nil {
		opts.Bus = eventBus
	}
	engine, err := fraud.NewEngine(compiler, registries, opts)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	agg := telemetry.NewAggregator(store, lru, cfg.Telemetry)
	gen := suggest.NewGenerator(agg, cfg.Telemetry.Window, cfg.Suggestions)
	coordinator := analyst.NewCoordinator(store, agg, gen, registries, m, analyst.Config{
		Analyst:   cfg.Analyst,
		Telemetry: cfg.Telemetry,
	})
	scheduler := analyst.NewScheduler(gen, lru, nil, m, cfg.Analyst)

	var ingest *worker.Worker
	if eventBus != nil {
		ingest = worker.NewWorker(eventBus, engine, m)
		t.Cleanup(func() { ingest.Stop() })
		deps.Ingest = ingest
	}

	deps.Store = store
	deps.Cache = lru
	deps.Fraud = engine
	deps.Credit = credit.NewEngine(m)
	deps.Coordinator = coordinator
	deps.Scheduler = scheduler
	deps.Metrics = m
	deps.Version = "test-v1"

	return &testEnv{
		server:    NewServer(cfg.Server, cfg.Metrics, deps),
		store:     store,
		bus:       eventBus,
		worker:    ingest,
		scheduler: scheduler,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doTenant(t, method, path, testTenant, body)
}

func (e *testEnv) doTenant(t *testing.T, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func workedExample() domain.TransactionRequest {
	return domain.TransactionRequest{
		AccountID: "acct-001",
		Amount:    120,
		Currency:  domain.CurrencyUSD,
		Merchant:  "Test Merchant",
		MCC:       "7995",
		Geo:       "US-NY",
		DeviceID:  "dev-123",
		Channel:   domain.ChannelEcommerce,
	}
}

func TestTriageFraud(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("WorkedExample", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud", workedExample())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.FraudDecisionResult
		decode(t, rr, &resp)

		if resp.AlertScore != 0.55 {
			t.Errorf("expected alert score 0.55, got %v", resp.AlertScore)
		}
		if resp.RiskBand != domain.BandMedium || resp.Decision != domain.DecisionReview {
			t.Errorf("expected medium/review, got %s/%s", resp.RiskBand, resp.Decision)
		}
		if !resp.Persisted || resp.EventID == nil {
			t.Errorf("expected persisted event, got %+v", resp)
		}
		if len(resp.Explanations) != 2 {
			t.Errorf("expected 2 explanations, got %v", resp.Explanations)
		}
	})

	t.Run("ValidationError", func(t *testing.T) {
		tx := workedExample()
		tx.Currency = "GBP"

		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud", tx)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}

		var resp map[string]string
		decode(t, rr, &resp)
		if resp["field"] != "currency" {
			t.Errorf("expected field currency, got %q", resp["field"])
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("DefaultTenant", func(t *testing.T) {
		rr := env.doTenant(t, http.MethodPost, "/api/v1/triage/fraud", "", workedExample())
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		events, _ := env.store.List(context.Background(), domain.DefaultTenantID, 10)
		if len(events) != 1 {
			t.Errorf("expected 1 event for the default tenant, got %d", len(events))
		}
	})

	t.Run("InvalidTenant", func(t *testing.T) {
		rr := env.doTenant(t, http.MethodPost, "/api/v1/triage/fraud", "bad tenant!", workedExample())
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTriageFraudAsync(t *testing.T) {
	t.Run("WithoutBus", func(t *testing.T) {
		env := newTestEnv(t, false)
		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud/async", workedExample())
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("QueuedAndScored", func(t *testing.T) {
		env := newTestEnv(t, true)
		if err := env.worker.Start(worker.Config{TenantIDs: []string{testTenant}, WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud/async", workedExample())
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		decode(t, rr, &resp)
		if resp["status"] != "queued" || resp["request_id"] == "" {
			t.Errorf("unexpected response %v", resp)
		}

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			events, _ := env.store.List(context.Background(), testTenant, 10)
			if len(events) == 1 {
				if events[0].AlertScore != 0.55 {
					t.Errorf("expected alert score 0.55, got %v", events[0].AlertScore)
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("queued transaction was never scored")
	})

	t.Run("TenantWithoutWorker", func(t *testing.T) {
		env := newTestEnv(t, true)
		if err := env.worker.Start(worker.Config{TenantIDs: []string{testTenant}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		rr := env.doTenant(t, http.MethodPost, "/api/v1/triage/fraud/async", "acme", workedExample())
		if rr.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		decode(t, rr, &resp)
		if resp["tenant_id"] != "acme" {
			t.Errorf("expected tenant_id acme, got %v", resp)
		}

		events, err := env.store.List(context.Background(), "acme", 10)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no acme events, got %d", len(events))
		}
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		env := newTestEnv(t, true)
		tx := workedExample()
		tx.AccountID = ""

		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud/async", tx)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTriageCredit(t *testing.T) {
	env := newTestEnv(t, false)

	t.Run("Approve", func(t *testing.T) {
		app := domain.CreditApplication{Income: 4000, Liabilities: 1200, RequestedLimit: 1500}
		rr := env.do(t, http.MethodPost, "/api/v1/triage/credit", app)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp domain.CreditDecisionResult
		decode(t, rr, &resp)
		if resp.DTI != 0.3 || resp.Decision != domain.CreditApprove || resp.LimitSuggested != 1000 {
			t.Errorf("unexpected result %+v", resp)
		}
	})

	t.Run("NegativeIncome", func(t *testing.T) {
		app := domain.CreditApplication{Income: -1}
		rr := env.do(t, http.MethodPost, "/api/v1/triage/credit", app)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRuntimeRules(t *testing.T) {
	env := newTestEnv(t, false)

	rule := map[string]any{
		"description": "casino boost",
		"feature":     "mcc",
		"operator":    "==",
		"value":       "7995",
		"weight":      0.2,
	}

	rr := env.do(t, http.MethodPost, "/api/v1/rules/runtime", rule)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var accepted struct {
		Rule   domain.ScoringRule `json:"rule"`
		Status string             `json:"status"`
	}
	decode(t, rr, &accepted)
	if accepted.Status != "accepted" || accepted.Rule.Operator != domain.OpEquals {
		t.Errorf("unexpected accept response %+v", accepted)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/rules/runtime", nil)
	var list struct {
		Rules   []domain.ScoringRule `json:"rules"`
		Count   int                  `json:"count"`
		Version uint64               `json:"version"`
	}
	decode(t, rr, &list)
	if list.Count != 1 || list.Version != 1 {
		t.Errorf("expected 1 rule at version 1, got %d at %d", list.Count, list.Version)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/triage/fraud", workedExample())
	var boosted domain.FraudDecisionResult
	decode(t, rr, &boosted)
	if boosted.AlertScore != 0.75 || boosted.Decision != domain.DecisionDecline {
		t.Errorf("expected 0.75/decline, got %v/%s", boosted.AlertScore, boosted.Decision)
	}

	// Other tenants are unaffected.
	rr = env.doTenant(t, http.MethodPost, "/api/v1/triage/fraud", "tenant-002", workedExample())
	var other domain.FraudDecisionResult
	decode(t, rr, &other)
	if other.AlertScore != 0.55 {
		t.Errorf("expected 0.55 for another tenant, got %v", other.AlertScore)
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/rules/runtime", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/triage/fraud", workedExample())
	var cleared domain.FraudDecisionResult
	decode(t, rr, &cleared)
	if cleared.AlertScore != 0.55 {
		t.Errorf("expected 0.55 after clear, got %v", cleared.AlertScore)
	}

	t.Run("InvalidRule", func(t *testing.T) {
		tests := []struct {
			name string
			rule map[string]any
		}{
			{"weight out of range", map[string]any{"description": "x", "feature": "mcc", "operator": "equals", "value": "1", "weight": 2}},
			{"unknown feature", map[string]any{"description": "x", "feature": "ip", "operator": "equals", "value": "1", "weight": 0.1}},
			{"numeric compare on string", map[string]any{"description": "x", "feature": "mcc", "operator": ">", "value": "1", "weight": 0.1}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := env.do(t, http.MethodPost, "/api/v1/rules/runtime", tt.rule)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t, false)

	var first domain.FraudDecisionResult
	for i := 0; i < 3; i++ {
		rr := env.do(t, http.MethodPost, "/api/v1/triage/fraud", workedExample())
		if i == 0 {
			decode(t, rr, &first)
		}
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/fraud/events?limit=2", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Items []domain.Event `json:"items"`
			Count int            `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 || len(resp.Items) != 2 {
			t.Errorf("expected 2 events, got %d", resp.Count)
		}
	})

	t.Run("InvalidLimit", func(t *testing.T) {
		for _, q := range []string{"-1", "abc"} {
			rr := env.do(t, http.MethodGet, "/api/v1/fraud/events?limit="+q, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("limit=%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/fraud/events/"+*first.EventID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var ev domain.Event
		decode(t, rr, &ev)
		if ev.ID != *first.EventID || ev.RiskBand != domain.BandMedium {
			t.Errorf("unexpected event %+v", ev)
		}
	})

	t.Run("GetOtherTenant", func(t *testing.T) {
		rr := env.doTenant(t, http.MethodGet, "/api/v1/fraud/events/"+*first.EventID, "tenant-002", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Label", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/fraud/events/"+*first.EventID+"/label", LabelRequest{Label: "fraud"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		ev, err := env.store.Get(context.Background(), testTenant, *first.EventID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if ev.Label == nil || *ev.Label != domain.LabelFraud {
			t.Errorf("expected fraud label, got %v", ev.Label)
		}
	})

	t.Run("LabelUnknownEvent", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/fraud/events/missing/label", LabelRequest{Label: "genuine"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("LabelInvalid", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/api/v1/fraud/events/"+*first.EventID+"/label", LabelRequest{Label: "maybe"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAnalystEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	for i := 0; i < 4; i++ {
		env.do(t, http.MethodPost, "/api/v1/triage/fraud", workedExample())
	}

	t.Run("Suggestions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/rules/suggestions?limit=2", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Suggestions []domain.RuleSuggestion `json:"suggestions"`
			Count       int                     `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 suggestions, got %d", resp.Count)
		}
		for _, s := range resp.Suggestions {
			if s.Support < 3 || s.RuleID == "" {
				t.Errorf("unexpected suggestion %+v", s)
			}
		}
	})

	t.Run("LatestBeforeRun", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/rules/suggestions/latest", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("LatestAfterRun", func(t *testing.T) {
		if _, err := env.scheduler.Refresh(context.Background(), testTenant); err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		rr := env.do(t, http.MethodGet, "/api/v1/rules/suggestions/latest", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var batch analyst.SuggestionBatch
		decode(t, rr, &batch)
		if batch.TenantID != testTenant || len(batch.Suggestions) == 0 {
			t.Errorf("unexpected batch %+v", batch)
		}
	})

	t.Run("Queue", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/analyst/queue?limit=3&suggestions=1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var q analyst.Queue
		decode(t, rr, &q)
		if len(q.Events) != 3 || len(q.Suggestions) != 1 {
			t.Errorf("expected 3 events and 1 suggestion, got %d and %d", len(q.Events), len(q.Suggestions))
		}
	})

	t.Run("KPIs", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/analytics/kpis", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var kpis domain.KPIs
		decode(t, rr, &kpis)
		if kpis.AlertVolumes != 4 || kpis.BandDistribution.Medium != 4 {
			t.Errorf("unexpected kpis %+v", kpis)
		}
		if kpis.Precision != nil || kpis.Recall != nil {
			t.Error("expected nil precision and recall without labels")
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("Health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Status  string            `json:"status"`
			Version string            `json:"version"`
			Checks  map[string]string `json:"checks"`
		}
		decode(t, rr, &resp)
		if resp.Status != "healthy" || resp.Version != "test-v1" {
			t.Errorf("unexpected health %+v", resp)
		}
		if resp.Checks["store"] != "ok" || resp.Checks["bus"] != "ok" {
			t.Errorf("unexpected checks %v", resp.Checks)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		env.do(t, http.MethodPost, "/api/v1/triage/fraud", workedExample())

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "harrier_decisions_total") {
			t.Error("expected harrier_decisions_total in metrics output")
		}
	})

	t.Run("TraceHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/v1/rules/runtime", nil)
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})
}
