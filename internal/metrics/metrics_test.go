package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFraud(t *testing.T) {
	c := NewCollector()

	c.RecordFraud(domain.FraudDecisionResult{Decision: domain.DecisionReview, AlertScore: 0.55, Persisted: true}, 2*time.Millisecond)
	c.RecordFraud(domain.FraudDecisionResult{Decision: domain.DecisionReview, AlertScore: 0.6, Persisted: false}, time.Millisecond)

	if got := testutil.ToFloat64(c.decisions.WithLabelValues("fraud", "review")); got != 2 {
		t.Errorf("expected 2 review decisions, got %v", got)
	}
	if got := testutil.ToFloat64(c.persistFailures); got != 1 {
		t.Errorf("expected 1 persist failure, got %v", got)
	}
}

func TestRecordCreditAndGauges(t *testing.T) {
	c := NewCollector()

	c.RecordCredit(domain.CreditDecisionResult{Decision: domain.CreditApprove}, time.Millisecond)
	c.SetRuntimeRules("tenant-001", 3)
	c.RecordSuggestionRefresh("tenant-001", 4, nil)
	c.RecordSuggestionRefresh("tenant-001", 0, errors.New("boom"))
	c.RecordIngest(nil)
	c.RecordLabel(domain.LabelFraud)

	if got := testutil.ToFloat64(c.decisions.WithLabelValues("credit", "approve")); got != 1 {
		t.Errorf("expected 1 credit approval, got %v", got)
	}
	if got := testutil.ToFloat64(c.runtimeRules.WithLabelValues("tenant-001")); got != 3 {
		t.Errorf("expected 3 runtime rules, got %v", got)
	}
	if got := testutil.ToFloat64(c.suggestionsMined.WithLabelValues("tenant-001")); got != 4 {
		t.Errorf("expected 4 suggestions, got %v", got)
	}
	if got := testutil.ToFloat64(c.suggestionRefreshes.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed refresh, got %v", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordFraud(domain.FraudDecisionResult{}, 0)
	c.RecordCredit(domain.CreditDecisionResult{}, 0)
	c.SetRuntimeRules("t", 1)
	c.RecordIngest(nil)
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.RecordIngest(nil)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "harrier_ingested_transactions_total") {
		t.Error("expected ingest counter in exposition output")
	}
}
