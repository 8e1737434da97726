package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Row is one labeled transaction.
type Row struct {
	Transaction domain.TransactionRequest
	IsFraud     bool
}

// requiredColumns must appear in the CSV header, in any order.
var requiredColumns = []string{"account_id", "amount", "currency", "merchant", "mcc", "geo", "device_id", "channel", "is_fraud"}

// ReadCSV reads up to limit labeled rows (0 = all). Malformed rows are
// skipped; a missing column fails the whole file.
func ReadCSV(r io.Reader, limit int) ([]Row, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		amount, err := strconv.ParseFloat(record[colIndex["amount"]], 64)
		if err != nil {
			continue
		}

		fraud := strings.ToLower(record[colIndex["is_fraud"]])
		rows = append(rows, Row{
			Transaction: domain.TransactionRequest{
				AccountID: record[colIndex["account_id"]],
				Amount:    amount,
				Currency:  domain.Currency(record[colIndex["currency"]]),
				Merchant:  record[colIndex["merchant"]],
				MCC:       record[colIndex["mcc"]],
				Geo:       record[colIndex["geo"]],
				DeviceID:  record[colIndex["device_id"]],
				Channel:   domain.Channel(record[colIndex["channel"]]),
			},
			IsFraud: fraud == "1" || fraud == "true",
		})

		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// Client talks to a running Harrier API.
type Client struct {
	BaseURL  string
	TenantID string
	HTTP     *http.Client
}

// Health checks GET /health.
func (c *Client) Health() error {
	resp, err := c.HTTP.Get(c.BaseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Triage scores one transaction.
func (c *Client) Triage(tx domain.TransactionRequest) (*domain.FraudDecisionResult, error) {
	var result domain.FraudDecisionResult
	if err := c.do(http.MethodPost, "/api/v1/triage/fraud", tx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Label records the known outcome of an event.
func (c *Client) Label(eventID string, fraud bool) error {
	label := domain.LabelGenuine
	if fraud {
		label = domain.LabelFraud
	}
	return c.do(http.MethodPost, "/api/v1/fraud/events/"+eventID+"/label", map[string]string{"label": string(label)}, nil)
}

// KPIs fetches the tenant's quality metrics.
func (c *Client) KPIs() (*domain.KPIs, error) {
	var kpis domain.KPIs
	if err := c.do(http.MethodGet, "/api/v1/analytics/kpis", nil, &kpis); err != nil {
		return nil, err
	}
	return &kpis, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", c.TenantID)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Result tracks replay outcomes. Medium and high bands count as alerts.
type Result struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	TotalProcessed int64
	TotalFraud     int64
	TotalGenuine   int64
	TotalErrors    int64
	LabelErrors    int64

	ProcessingTimeMs int64
}

// Replay sends every row through the API with numWorkers concurrent
// clients and optionally labels the resulting events.
func Replay(c *Client, rows []Row, numWorkers int, label, verbose bool) *Result {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	r := &Result{}

	work := make(chan Row, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range work {
				r.process(c, row, label, verbose)
			}
		}()
	}

	for _, row := range rows {
		work <- row
	}
	close(work)
	wg.Wait()

	return r
}

func (r *Result) process(c *Client, row Row, label, verbose bool) {
	start := time.Now()
	result, err := c.Triage(row.Transaction)
	atomic.AddInt64(&r.ProcessingTimeMs, time.Since(start).Milliseconds())
	atomic.AddInt64(&r.TotalProcessed, 1)

	if err != nil {
		atomic.AddInt64(&r.TotalErrors, 1)
		if verbose {
			fmt.Printf("ERROR: %s -> %v\n", row.Transaction.AccountID, err)
		}
		return
	}

	if row.IsFraud {
		atomic.AddInt64(&r.TotalFraud, 1)
	} else {
		atomic.AddInt64(&r.TotalGenuine, 1)
	}

	predicted := result.RiskBand == domain.BandMedium || result.RiskBand == domain.BandHigh
	switch {
	case predicted && row.IsFraud:
		atomic.AddInt64(&r.TruePositives, 1)
	case predicted:
		atomic.AddInt64(&r.FalsePositives, 1)
	case row.IsFraud:
		atomic.AddInt64(&r.FalseNegatives, 1)
	default:
		atomic.AddInt64(&r.TrueNegatives, 1)
	}

	if label && result.EventID != nil {
		if err := c.Label(*result.EventID, row.IsFraud); err != nil {
			atomic.AddInt64(&r.LabelErrors, 1)
		}
	}

	if verbose {
		fmt.Printf("%-12s | %-10s | %10.2f | fraud: %-5v | %-6s (%.2f)\n",
			row.Transaction.AccountID,
			row.Transaction.Channel,
			row.Transaction.Amount,
			row.IsFraud,
			result.RiskBand,
			result.AlertScore,
		)
	}
}

// Precision returns TP/(TP+FP), 0 when there were no alerts.
func (r *Result) Precision() float64 {
	if r.TruePositives+r.FalsePositives == 0 {
		return 0
	}
	return float64(r.TruePositives) / float64(r.TruePositives+r.FalsePositives)
}

// Recall returns TP/(TP+FN), 0 when there was no fraud.
func (r *Result) Recall() float64 {
	if r.TruePositives+r.FalseNegatives == 0 {
		return 0
	}
	return float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
}

// PrintResults writes the confusion matrix and detection metrics.
func PrintResults(w io.Writer, r *Result, duration time.Duration) {
	fmt.Fprintln(w, "\nREPLAY RESULTS")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Total Processed:  %d\n", r.TotalProcessed)
	fmt.Fprintf(w, "   Total Fraud:      %d\n", r.TotalFraud)
	fmt.Fprintf(w, "   Total Genuine:    %d\n", r.TotalGenuine)
	fmt.Fprintf(w, "   Errors:           %d\n", r.TotalErrors)
	fmt.Fprintf(w, "   Label Errors:     %d\n", r.LabelErrors)

	fmt.Fprintf(w, "\nCONFUSION MATRIX\n")
	fmt.Fprintln(w, "                     Predicted")
	fmt.Fprintln(w, "                 alert     no alert")
	fmt.Fprintf(w, "   Actual  F  | %8d | %8d |  (TP, FN)\n", r.TruePositives, r.FalseNegatives)
	fmt.Fprintf(w, "           G  | %8d | %8d |  (FP, TN)\n", r.FalsePositives, r.TrueNegatives)

	precision := r.Precision()
	recall := r.Recall()
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Fprintf(w, "\nDETECTION METRICS\n")
	fmt.Fprintf(w, "   Precision:  %.4f\n", precision)
	fmt.Fprintf(w, "   Recall:     %.4f\n", recall)
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", f1)

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if r.TotalProcessed > 0 {
		avgMs := float64(r.ProcessingTimeMs) / float64(r.TotalProcessed)
		fmt.Fprintf(w, "   Avg Latency:      %.2f ms\n", avgMs)
		if duration > 0 {
			fmt.Fprintf(w, "   Throughput:       %.2f tx/sec\n", float64(r.TotalProcessed)/duration.Seconds())
		}
	}
	fmt.Fprintln(w)
}

// PrintKPIs writes the server-side KPIs computed from the applied labels.
func PrintKPIs(w io.Writer, k *domain.KPIs) {
	fmt.Fprintf(w, "SERVER KPIs\n")
	fmt.Fprintf(w, "   Alert Volumes:  %d\n", k.AlertVolumes)
	fmt.Fprintf(w, "   Precision:      %s\n", optional(k.Precision))
	fmt.Fprintf(w, "   Recall:         %s\n", optional(k.Recall))
	fmt.Fprintf(w, "   VDR:            %.2f\n", k.VDR)
	if k.SLAMs != nil {
		fmt.Fprintf(w, "   SLA:            %d ms\n", *k.SLAMs)
	}
	fmt.Fprintln(w)
}

func optional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", *v)
}
