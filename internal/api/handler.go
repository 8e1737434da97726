package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/analyst"
	"github.com/opensource-finance/harrier/internal/credit"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/fraud"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/worker"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 1 << 20

	// queueTimeout bounds analyst refreshes, which read the store and the
	// telemetry cache in one request.
	queueTimeout = 10 * time.Second
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store       domain.EventStore
	cache       domain.Cache
	bus         domain.EventBus
	ingest      IngestRouter
	fraud       *fraud.Engine
	credit      *credit.Engine
	coordinator *analyst.Coordinator
	scheduler   *analyst.Scheduler
	metrics     *metrics.Collector
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		store:       deps.Store,
		cache:       deps.Cache,
		bus:         deps.Bus,
		ingest:      deps.Ingest,
		fraud:       deps.Fraud,
		credit:      deps.Credit,
		coordinator: deps.Coordinator,
		scheduler:   deps.Scheduler,
		metrics:     deps.Metrics,
		version:     deps.Version,
	}
}

// TriageFraud handles POST /triage/fraud. Persistence failures still return
// 200 with event_id null and persisted false.
func (h *Handler) TriageFraud(w http.ResponseWriter, r *http.Request) {
	var tx domain.TransactionRequest
	if !decodeBody(w, r, &tx) {
		return
	}

	result, err := h.fraud.Score(r.Context(), GetTenantID(r.Context()), &tx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TriageFraudAsync handles POST /triage/fraud/async: the transaction is
// validated, queued on the bus and scored by the ingest worker. Tenants
// without an ingest worker get 422 instead of a queue nobody reads.
func (h *Handler) TriageFraudAsync(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil || h.ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	var tx domain.TransactionRequest
	if !decodeBody(w, r, &tx) {
		return
	}
	if err := tx.Validate(); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if !h.ingest.Serves(tenantID) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":     "no ingest worker for tenant",
			"tenant_id": tenantID,
		})
		return
	}

	requestID := GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	if err := worker.Submit(ctx, h.bus, tenantID, requestID, tx); err != nil {
		slog.Error("failed to queue transaction", "request_id", requestID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue transaction",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"status":     "queued",
	})
}

// TriageCredit handles POST /triage/credit.
func (h *Handler) TriageCredit(w http.ResponseWriter, r *http.Request) {
	var app domain.CreditApplication
	if !decodeBody(w, r, &app) {
		return
	}

	result, err := h.credit.Score(r.Context(), &app)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Suggestions handles GET /rules/suggestions?limit=n.
func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	ctx := r.Context()
	suggestions, err := h.coordinator.Suggestions(ctx, GetTenantID(ctx), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

// LatestSuggestions handles GET /rules/suggestions/latest, the last batch
// produced by the scheduler.
func (h *Handler) LatestSuggestions(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "suggestion scheduler not running",
		})
		return
	}

	ctx := r.Context()
	batch, err := h.scheduler.Latest(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	if batch == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no scheduled suggestions yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// ListRuntimeRules handles GET /rules/runtime.
func (h *Handler) ListRuntimeRules(w http.ResponseWriter, r *http.Request) {
	list, version := h.coordinator.Rules(GetTenantID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":   list,
		"count":   len(list),
		"version": version,
	})
}

// AcceptRuntimeRule handles POST /rules/runtime.
func (h *Handler) AcceptRuntimeRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.ScoringRule
	if !decodeBody(w, r, &rule) {
		return
	}

	accepted, err := h.coordinator.AcceptRule(GetTenantID(r.Context()), rule)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":   accepted,
		"status": "accepted",
	})
}

// ClearRuntimeRules handles DELETE /rules/runtime.
func (h *Handler) ClearRuntimeRules(w http.ResponseWriter, r *http.Request) {
	h.coordinator.ClearRules(GetTenantID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cleared",
	})
}

// ListEvents handles GET /fraud/events?limit=n, newest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	ctx := r.Context()
	events, err := h.store.List(ctx, GetTenantID(ctx), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
		"count": len(events),
	})
}

// GetEvent handles GET /fraud/events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ev, err := h.store.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// LabelRequest is the body of POST /fraud/events/{id}/label.
type LabelRequest struct {
	Label string `json:"label"`
}

// LabelEvent handles POST /fraud/events/{id}/label.
func (h *Handler) LabelEvent(w http.ResponseWriter, r *http.Request) {
	var req LabelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	label, err := domain.ParseLabel(req.Label)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	eventID := chi.URLParam(r, "id")
	if err := h.coordinator.ApplyLabel(ctx, GetTenantID(ctx), eventID, label); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"event_id": eventID,
		"label":    string(label),
		"status":   "labeled",
	})
}

// AnalystQueue handles GET /analyst/queue?limit=n&suggestions=m.
func (h *Handler) AnalystQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	suggestions, ok := queryInt(w, r, "suggestions")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queueTimeout)
	defer cancel()

	q, err := h.coordinator.Refresh(ctx, GetTenantID(ctx), analyst.RefreshOptions{
		EventLimit:      limit,
		SuggestionLimit: suggestions,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// KPIs handles GET /analytics/kpis.
func (h *Handler) KPIs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kpis, err := h.coordinator.KPIs(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}

	if h.store != nil {
		check("store", h.store.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic. The event
// store is the only collaborator scoring depends on.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return false
	}
	return true
}

// queryInt parses an optional non-negative integer query parameter.
// Absent parameters yield 0.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, domain.NewValidationError(name, "must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":      verr.Error(),
			"field":      verr.Field,
			"constraint": verr.Constraint,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrRuleConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "request timed out"})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
