package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

const sampleCSV = `account_id,amount,currency,merchant,mcc,geo,device_id,channel,is_fraud
acct-1,120,USD,Shop,7995,US-NY,dev-1,ecommerce,1
acct-2,15,USD,Cafe,5812,US-CA,dev-2,pos,0
acct-3,not-a-number,USD,Cafe,5812,US-CA,dev-3,pos,0
acct-4,900,EUR,Casino,7995,DE-BE,dev-4,ecommerce,true
acct-5,40,INR,Grocer,5411,IN-MH,dev-5,pos,0
`

func TestReadCSV(t *testing.T) {
	t.Run("SkipsMalformedRows", func(t *testing.T) {
		rows, err := ReadCSV(strings.NewReader(sampleCSV), 0)
		if err != nil {
			t.Fatalf("ReadCSV failed: %v", err)
		}
		if len(rows) != 4 {
			t.Fatalf("expected 4 rows, got %d", len(rows))
		}
		if !rows[0].IsFraud || rows[1].IsFraud || !rows[2].IsFraud {
			t.Errorf("unexpected labels %v %v %v", rows[0].IsFraud, rows[1].IsFraud, rows[2].IsFraud)
		}
		if rows[2].Transaction.Currency != domain.CurrencyEUR || rows[2].Transaction.Amount != 900 {
			t.Errorf("unexpected transaction %+v", rows[2].Transaction)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		rows, err := ReadCSV(strings.NewReader(sampleCSV), 2)
		if err != nil {
			t.Fatalf("ReadCSV failed: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("expected 2 rows, got %d", len(rows))
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader("account_id,amount\nacct-1,10\n"), 0)
		if err == nil {
			t.Error("expected error for missing columns")
		}
	})
}

// fakeHarrier alerts on ecommerce transactions and records labels.
type fakeHarrier struct {
	mu     sync.Mutex
	labels map[string]string
}

func (f *fakeHarrier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/api/v1/triage/fraud":
		var tx domain.TransactionRequest
		json.NewDecoder(r.Body).Decode(&tx)
		id := "evt-" + tx.AccountID
		result := domain.FraudDecisionResult{RiskBand: domain.BandLow, AlertScore: 0.2, EventID: &id, Persisted: true}
		if tx.Channel == domain.ChannelEcommerce {
			result.RiskBand = domain.BandHigh
			result.AlertScore = 0.8
		}
		json.NewEncoder(w).Encode(result)
	case strings.HasSuffix(r.URL.Path, "/label"):
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/fraud/events/"), "/label")
		f.mu.Lock()
		f.labels[id] = body["label"]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "labeled"})
	case r.URL.Path == "/api/v1/analytics/kpis":
		p := 1.0
		json.NewEncoder(w).Encode(domain.KPIs{AlertVolumes: 4, Precision: &p})
	default:
		http.NotFound(w, r)
	}
}

func TestReplay(t *testing.T) {
	fake := &fakeHarrier{labels: make(map[string]string)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, TenantID: "replay", HTTP: srv.Client()}
	if err := client.Health(); err != nil {
		t.Fatalf("Health failed: %v", err)
	}

	rows, _ := ReadCSV(strings.NewReader(sampleCSV), 0)
	result := Replay(client, rows, 3, true, false)

	if result.TotalProcessed != 4 || result.TotalErrors != 0 {
		t.Fatalf("expected 4 processed without errors, got %d/%d", result.TotalProcessed, result.TotalErrors)
	}
	if result.TruePositives != 2 || result.TrueNegatives != 2 || result.FalsePositives != 0 || result.FalseNegatives != 0 {
		t.Errorf("unexpected confusion %+v", result)
	}
	if result.Precision() != 1 || result.Recall() != 1 {
		t.Errorf("expected perfect precision and recall, got %v/%v", result.Precision(), result.Recall())
	}

	if fake.labels["evt-acct-1"] != "fraud" || fake.labels["evt-acct-2"] != "genuine" {
		t.Errorf("unexpected labels %v", fake.labels)
	}

	kpis, err := client.KPIs()
	if err != nil {
		t.Fatalf("KPIs failed: %v", err)
	}

	var out bytes.Buffer
	PrintResults(&out, result, 0)
	PrintKPIs(&out, kpis)
	if !strings.Contains(out.String(), "CONFUSION MATRIX") || !strings.Contains(out.String(), "Recall:         n/a") {
		t.Errorf("unexpected report:\n%s", out.String())
	}
}

func TestClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	client := &Client{BaseURL: srv.URL, TenantID: "replay", HTTP: srv.Client()}
	if _, err := client.Triage(domain.TransactionRequest{}); err == nil {
		t.Error("expected error for 400 response")
	}
}
