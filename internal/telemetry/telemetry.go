// Package telemetry aggregates recent fraud events into candidate-condition
// support counts and analyst KPIs.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Aggregator implements domain.TelemetryAggregator over an event store.
// Results are cached per tenant and window until Invalidate or TTL expiry.
type Aggregator struct {
	store domain.EventStore
	cache domain.Cache
	cfg   domain.TelemetryConfig

	// windows remembers which windows were cached so Invalidate can drop them.
	mu      sync.Mutex
	windows map[int]struct{}
}

// NewAggregator creates an aggregator. c may be nil to disable caching.
func NewAggregator(store domain.EventStore, c domain.Cache, cfg domain.TelemetryConfig) *Aggregator {
	defaults := domain.DefaultConfig().Telemetry
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	if cfg.AmountPercentile <= 0 || cfg.AmountPercentile >= 1 {
		cfg.AmountPercentile = defaults.AmountPercentile
	}
	return &Aggregator{
		store:   store,
		cache:   c,
		cfg:     cfg,
		windows: make(map[int]struct{}),
	}
}

// Aggregate implements domain.TelemetryAggregator.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID string, window int) (*domain.TelemetrySnapshot, error) {
	window = a.window(window)
	key := fmt.Sprintf("telemetry:snapshot:%d", window)

	var snap domain.TelemetrySnapshot
	if a.cached(ctx, tenantID, key, &snap) {
		return &snap, nil
	}

	events, err := a.store.List(ctx, tenantID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := FromEvents(tenantID, events, a.cfg.AmountPercentile)
	out.Window = window
	a.remember(ctx, tenantID, key, window, out)
	return out, nil
}

// KPIs implements domain.TelemetryAggregator.
func (a *Aggregator) KPIs(ctx context.Context, tenantID string, window int) (*domain.KPIs, error) {
	window = a.window(window)
	key := fmt.Sprintf("telemetry:kpis:%d", window)

	var kpis domain.KPIs
	if a.cached(ctx, tenantID, key, &kpis) {
		return &kpis, nil
	}

	events, err := a.store.List(ctx, tenantID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := ComputeKPIs(events, a.cfg)
	a.remember(ctx, tenantID, key, window, out)
	return out, nil
}

// Invalidate implements domain.TelemetryAggregator.
func (a *Aggregator) Invalidate(ctx context.Context, tenantID string) {
	if a.cache == nil {
		return
	}

	a.mu.Lock()
	windows := make([]int, 0, len(a.windows))
	for w := range a.windows {
		windows = append(windows, w)
	}
	a.mu.Unlock()

	for _, w := range windows {
		for _, kind := range []string{"snapshot", "kpis"} {
			key := fmt.Sprintf("telemetry:%s:%d", kind, w)
			if err := a.cache.Delete(ctx, tenantID, key); err != nil {
				slog.Warn("failed to invalidate telemetry cache",
					"tenant_id", tenantID,
					"key", key,
					"error", err,
				)
			}
		}
	}
}

func (a *Aggregator) window(w int) int {
	if w <= 0 {
		return a.cfg.Window
	}
	return w
}

func (a *Aggregator) cached(ctx context.Context, tenantID, key string, v any) bool {
	if a.cache == nil || a.cfg.CacheTTL <= 0 {
		return false
	}
	hit, err := cache.GetJSON(ctx, a.cache, tenantID, key, v)
	if err != nil {
		slog.Warn("telemetry cache read failed", "tenant_id", tenantID, "key", key, "error", err)
		return false
	}
	return hit
}

func (a *Aggregator) remember(ctx context.Context, tenantID, key string, window int, v any) {
	if a.cache == nil || a.cfg.CacheTTL <= 0 {
		return
	}
	a.mu.Lock()
	a.windows[window] = struct{}{}
	a.mu.Unlock()

	if err := cache.SetJSON(ctx, a.cache, tenantID, key, v, a.cfg.CacheTTL); err != nil {
		slog.Warn("telemetry cache write failed", "tenant_id", tenantID, "key", key, "error", err)
	}
}

// FromEvents builds a snapshot from events listed newest first.
func FromEvents(tenantID string, events []*domain.Event, amountPercentile float64) *domain.TelemetrySnapshot {
	n := len(events)
	snap := &domain.TelemetrySnapshot{
		TenantID:    tenantID,
		Window:      n,
		Total:       n,
		Buckets:     []domain.TelemetryBucket{},
		GeneratedAt: time.Now().UTC(),
	}
	if n == 0 {
		return snap
	}

	// Walk oldest first so FirstSeen is a chronological index.
	chrono := make([]*domain.Event, n)
	for i, ev := range events {
		chrono[n-1-i] = ev
	}

	for _, ev := range chrono {
		if ev.Label != nil {
			snap.Labeled++
			if *ev.Label == domain.LabelFraud {
				snap.Fraud++
			}
		}
		if flagged(ev) {
			snap.Flagged++
		}
	}

	var buckets []*domain.TelemetryBucket
	buckets = append(buckets, equalsBuckets(chrono, domain.FeatureMCC, func(tx domain.TransactionRequest) string { return tx.MCC })...)
	buckets = append(buckets, equalsBuckets(chrono, domain.FeatureChannel, func(tx domain.TransactionRequest) string { return string(tx.Channel) })...)
	buckets = append(buckets, equalsBuckets(chrono, domain.FeatureCurrency, func(tx domain.TransactionRequest) string { return string(tx.Currency) })...)
	buckets = append(buckets, geoBuckets(chrono)...)
	buckets = append(buckets, deviceReuseBuckets(chrono)...)
	if b := largeAmountBucket(chrono, amountPercentile); b != nil {
		buckets = append(buckets, b)
	}

	for _, b := range buckets {
		snap.Buckets = append(snap.Buckets, *b)
	}
	return snap
}

func flagged(ev *domain.Event) bool {
	return ev.RiskBand == domain.BandMedium || ev.RiskBand == domain.BandHigh
}

// count adds an event to a bucket.
func count(b *domain.TelemetryBucket, idx int, ev *domain.Event) {
	if b.Support == 0 {
		b.FirstSeen = idx
	}
	b.Support++
	if ev.Label != nil {
		b.Labeled++
		if *ev.Label == domain.LabelFraud {
			b.Fraud++
		}
	}
	if flagged(ev) {
		b.Flagged++
	}
}

func equalsBuckets(chrono []*domain.Event, feature domain.Feature, value func(domain.TransactionRequest) string) []*domain.TelemetryBucket {
	byValue := make(map[string]*domain.TelemetryBucket)
	var order []string

	for i, ev := range chrono {
		v := value(ev.Transaction)
		b, ok := byValue[v]
		if !ok {
			b = &domain.TelemetryBucket{
				Feature:  feature,
				Operator: domain.OpEquals,
				Value:    domain.StringValue(v),
			}
			byValue[v] = b
			order = append(order, v)
		}
		count(b, i, ev)
	}

	out := make([]*domain.TelemetryBucket, 0, len(order))
	for _, v := range order {
		out = append(out, byValue[v])
	}
	return out
}

// GeoPrefix returns the region prefix of a geo code, e.g. "US-" for "US-NY".
// Without a separator it is the first two characters.
func GeoPrefix(geo string) string {
	if i := strings.IndexByte(geo, '-'); i > 0 {
		return geo[:i+1]
	}
	n := 0
	for i := range geo {
		if n == 2 {
			return geo[:i]
		}
		n++
	}
	return geo
}

// geoBuckets counts, per observed prefix, the events outside that prefix.
func geoBuckets(chrono []*domain.Event) []*domain.TelemetryBucket {
	var prefixes []string
	seen := make(map[string]bool)
	for _, ev := range chrono {
		p := GeoPrefix(ev.Transaction.Geo)
		if p == "" || !utf8.ValidString(p) {
			continue
		}
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}

	out := make([]*domain.TelemetryBucket, 0, len(prefixes))
	for _, p := range prefixes {
		b := &domain.TelemetryBucket{
			Feature:  domain.FeatureGeo,
			Operator: domain.OpStartsWithNot,
			Value:    domain.StringValue(p),
		}
		for i, ev := range chrono {
			if !strings.HasPrefix(ev.Transaction.Geo, p) {
				count(b, i, ev)
			}
		}
		if b.Support > 0 {
			out = append(out, b)
		}
	}
	return out
}

// deviceReuseBuckets counts events of devices used by two or more accounts.
func deviceReuseBuckets(chrono []*domain.Event) []*domain.TelemetryBucket {
	accounts := make(map[string]map[string]struct{})
	for _, ev := range chrono {
		d := ev.Transaction.DeviceID
		if accounts[d] == nil {
			accounts[d] = make(map[string]struct{})
		}
		accounts[d][ev.Transaction.AccountID] = struct{}{}
	}

	all := equalsBuckets(chrono, domain.FeatureDeviceID, func(tx domain.TransactionRequest) string { return tx.DeviceID })
	out := all[:0]
	for _, b := range all {
		n := len(accounts[b.Value.Str()])
		if n < 2 {
			continue
		}
		b.Note = fmt.Sprintf("device seen on %d accounts", n)
		out = append(out, b)
	}
	return out
}

// largeAmountBucket counts events above the given amount percentile.
func largeAmountBucket(chrono []*domain.Event, percentile float64) *domain.TelemetryBucket {
	amounts := make([]float64, len(chrono))
	for i, ev := range chrono {
		amounts[i] = ev.Transaction.Amount
	}
	q := Percentile(amounts, percentile)

	b := &domain.TelemetryBucket{
		Feature:  domain.FeatureAmount,
		Operator: domain.OpGreaterThan,
		Value:    domain.NumberValue(q),
		Note:     fmt.Sprintf("amount above p%d", int(math.Round(percentile*100))),
	}
	for i, ev := range chrono {
		if ev.Transaction.Amount > q {
			count(b, i, ev)
		}
	}
	if b.Support == 0 {
		return nil
	}
	return b
}

// Percentile returns the nearest-rank percentile p in (0,1) of values.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
