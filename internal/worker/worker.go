// Package worker scores transactions that arrive on the event bus, the
// asynchronous counterpart of the HTTP triage endpoint.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fraud"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// DefaultQueue is the queue group ingest workers join on buses that
// support load balancing.
const DefaultQueue = "harrier-ingest"

// Worker consumes harrier.transaction.ingested and scores each message.
// Decisions and alerts are published by the fraud engine.
type Worker struct {
	bus     domain.EventBus
	engine  *fraud.Engine
	metrics *metrics.Collector

	mu            sync.Mutex
	subscriptions []domain.Subscription
	tenants       map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to consume.
	TenantIDs []string

	// WorkerCount is the number of queue members per tenant. Buses without
	// queue groups get a single subscription.
	WorkerCount int

	// Queue overrides DefaultQueue.
	Queue string
}

// IngestMessage is the payload of harrier.transaction.ingested.
type IngestMessage struct {
	RequestID   string                    `json:"requestId,omitempty"`
	Transaction domain.TransactionRequest `json:"transaction"`
}

// Reply is sent back to requesters when the message came through Request.
type Reply struct {
	RequestID string                      `json:"requestId,omitempty"`
	Result    *domain.FraudDecisionResult `json:"result,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

// NewWorker creates a new async worker. m may be nil.
func NewWorker(b domain.EventBus, engine *fraud.Engine, m *metrics.Collector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     b,
		engine:  engine,
		metrics: m,
		tenants: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the ingest topic of every configured tenant.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		cfg.TenantIDs = []string{domain.DefaultTenantID}
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}

	started := 0
	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenant(tenantID, cfg); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no ingest worker could subscribe")
	}

	slog.Info("workers started",
		"tenant_count", started,
		"worker_count", cfg.WorkerCount,
	)
	return nil
}

func (w *Worker) startTenant(tenantID string, cfg Config) error {
	handler := func(ctx context.Context, msg *domain.Message) error {
		return w.process(ctx, tenantID, msg)
	}

	qs, ok := w.bus.(bus.QueueSubscriber)
	n := cfg.WorkerCount
	if !ok {
		n = 1
	}

	for i := 0; i < n; i++ {
		var sub domain.Subscription
		var err error
		if ok {
			sub, err = qs.QueueSubscribe(w.ctx, tenantID, domain.TopicTransactionIngested, cfg.Queue, handler)
		} else {
			sub, err = w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, handler)
		}
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.tenants[tenantID] = true
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicTransactionIngested,
		"members", n,
	)
	return nil
}

// process scores one message. Validation failures are reported to the
// requester but never retried.
func (w *Worker) process(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var in IngestMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		w.metrics.RecordIngest(err)
		w.reply(ctx, msg, Reply{Error: "invalid ingest payload"})
		return fmt.Errorf("failed to parse ingest message %s: %w", msg.ID, err)
	}
	if in.RequestID == "" {
		in.RequestID = msg.ID
	}

	result, err := w.engine.Score(ctx, tenantID, &in.Transaction)
	w.metrics.RecordIngest(err)
	if err != nil {
		w.reply(ctx, msg, Reply{RequestID: in.RequestID, Error: err.Error()})
		slog.Warn("ingested transaction rejected",
			"tenant_id", tenantID,
			"request_id", in.RequestID,
			"error", err,
		)
		return nil
	}

	w.reply(ctx, msg, Reply{RequestID: in.RequestID, Result: &result})

	slog.Info("transaction processed",
		"tenant_id", tenantID,
		"request_id", in.RequestID,
		"risk_band", result.RiskBand,
		"alert_score", result.AlertScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) reply(ctx context.Context, msg *domain.Message, r Reply) {
	replier, ok := w.bus.(bus.Replier)
	if !ok {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := replier.Reply(ctx, msg, payload); err != nil {
		slog.Warn("failed to reply to ingest request",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Submit publishes a transaction for asynchronous scoring.
func Submit(ctx context.Context, b domain.EventBus, tenantID, requestID string, tx domain.TransactionRequest) error {
	return bus.PublishJSON(ctx, b, tenantID, domain.TopicTransactionIngested, IngestMessage{
		RequestID:   requestID,
		Transaction: tx,
	})
}

// Serves reports whether a worker consumes the ingest topic of tenantID.
func (w *Worker) Serves(tenantID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tenants[tenantID]
}

// Stop unsubscribes every worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.tenants = make(map[string]bool)
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
