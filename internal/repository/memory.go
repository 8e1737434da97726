package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultMemoryCapacity is the per-tenant ring size of MemoryStore.
const DefaultMemoryCapacity = 5000

// MemoryStore keeps the most recent events per tenant in a bounded ring.
// Older events are dropped once capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	tenants  map[string]*ring
}

// ring is a circular buffer that grows up to its capacity and then
// overwrites the oldest slot. buf[head] is the oldest event.
type ring struct {
	buf  []*domain.Event
	head int
}

func (r *ring) push(ev *domain.Event, capacity int) {
	if len(r.buf) < capacity {
		r.buf = append(r.buf, ev)
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) size() int {
	return len(r.buf)
}

// at returns the i-th oldest event.
func (r *ring) at(i int) *domain.Event {
	return r.buf[(r.head+i)%len(r.buf)]
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		tenants:  make(map[string]*ring),
	}
}

// Append stores an event, evicting the oldest when full.
func (m *MemoryStore) Append(ctx context.Context, tenantID string, tx domain.TransactionRequest, result domain.FraudDecisionResult, processMs int64) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	ev := &domain.Event{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Transaction:  tx,
		RiskBand:     result.RiskBand,
		AlertScore:   result.AlertScore,
		Decision:     result.Decision,
		Explanations: append([]string{}, result.Explanations...),
		CreatedAt:    time.Now().UTC(),
		ProcessMs:    processMs,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.tenants[tenantID]
	if !ok {
		r = &ring{}
		m.tenants[tenantID] = r
	}
	r.push(ev, m.capacity)

	return ev.ID, nil
}

// List returns the newest events first.
func (m *MemoryStore) List(ctx context.Context, tenantID string, limit int) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.tenants[tenantID]
	if !ok {
		return []*domain.Event{}, nil
	}
	if limit > r.size() {
		limit = r.size()
	}

	out := make([]*domain.Event, 0, limit)
	for i := r.size() - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyEvent(r.at(i)))
	}
	return out, nil
}

// Get retrieves an event by ID.
func (m *MemoryStore) Get(ctx context.Context, tenantID string, eventID string) (*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ev := m.find(tenantID, eventID); ev != nil {
		return copyEvent(ev), nil
	}
	return nil, &domain.NotFoundError{Kind: "event", ID: eventID}
}

// Label records an analyst label.
func (m *MemoryStore) Label(ctx context.Context, tenantID string, eventID string, label domain.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := m.find(tenantID, eventID)
	if ev == nil {
		return &domain.NotFoundError{Kind: "event", ID: eventID}
	}

	now := time.Now().UTC()
	ev.Label = &label
	ev.LabeledAt = &now
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops all events.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants = make(map[string]*ring)
	return nil
}

// find must be called with mu held. Recent events are searched first.
func (m *MemoryStore) find(tenantID, eventID string) *domain.Event {
	r, ok := m.tenants[tenantID]
	if !ok {
		return nil
	}
	for i := r.size() - 1; i >= 0; i-- {
		if ev := r.at(i); ev.ID == eventID {
			return ev
		}
	}
	return nil
}

func copyEvent(ev *domain.Event) *domain.Event {
	cp := *ev
	cp.Explanations = append([]string{}, ev.Explanations...)
	if ev.Label != nil {
		l := *ev.Label
		cp.Label = &l
	}
	if ev.LabeledAt != nil {
		t := *ev.LabeledAt
		cp.LabeledAt = &t
	}
	return &cp
}
