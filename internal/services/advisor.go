package services

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/metrics"
)

// Escalation is a user currently bridged to the human operator.
type Escalation struct {
	Phone               string    `json:"phone"`
	StartTime           time.Time `json:"start_time"`
	LastOperatorMessage time.Time `json:"last_operator_message,omitempty"`
	InitialQuery        string    `json:"initial_query"`
}

// AdvisorRegistry tracks escalations. Entries older than maxAge are expired
// lazily when next looked at; nothing sweeps them.
type AdvisorRegistry struct {
	clock   clock.Clock
	maxAge  time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*Escalation
}

func NewAdvisorRegistry(clk clock.Clock, maxAge time.Duration, m *metrics.Metrics, logger *zap.Logger) *AdvisorRegistry {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &AdvisorRegistry{
		clock:   clk,
		maxAge:  maxAge,
		metrics: m,
		logger:  logger,
		entries: make(map[string]*Escalation),
	}
}

// Start opens (or restarts) an escalation for phone.
func (r *AdvisorRegistry) Start(phone, query string) Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Escalation{Phone: phone, StartTime: r.clock.Now(), InitialQuery: query}
	r.entries[phone] = e
	r.updateGaugeLocked()
	r.logger.Info("escalation started", zap.String("phone", phone))
	return *e
}

// IsEscalated reports whether phone has a live escalation, expiring a stale one.
func (r *AdvisorRegistry) IsEscalated(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[phone]
	if !ok {
		return false
	}
	if r.staleLocked(e) {
		r.expireLocked(phone)
		return false
	}
	return true
}

// ExpireStale removes the escalation for phone if it outlived maxAge and
// reports whether it did.
func (r *AdvisorRegistry) ExpireStale(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[phone]
	if !ok || !r.staleLocked(e) {
		return false
	}
	r.expireLocked(phone)
	return true
}

// Stop closes the escalation and reports whether one existed.
func (r *AdvisorRegistry) Stop(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[phone]; !ok {
		return false
	}
	delete(r.entries, phone)
	r.updateGaugeLocked()
	r.logger.Info("escalation closed", zap.String("phone", phone))
	return true
}

// Get returns a copy of the live escalation for phone.
func (r *AdvisorRegistry) Get(phone string) (Escalation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[phone]
	if !ok {
		return Escalation{}, false
	}
	if r.staleLocked(e) {
		r.expireLocked(phone)
		return Escalation{}, false
	}
	return *e, true
}

// TouchOperator records that the operator just wrote to phone.
func (r *AdvisorRegistry) TouchOperator(phone string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[phone]
	if !ok {
		return false
	}
	e.LastOperatorMessage = r.clock.Now()
	return true
}

// ListActive returns live escalations, oldest first.
func (r *AdvisorRegistry) ListActive() []Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Escalation, 0, len(r.entries))
	for phone, e := range r.entries {
		if r.staleLocked(e) {
			r.expireLocked(phone)
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].Phone < out[j].Phone
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (r *AdvisorRegistry) staleLocked(e *Escalation) bool {
	return r.clock.Now().Sub(e.StartTime) > r.maxAge
}

func (r *AdvisorRegistry) expireLocked(phone string) {
	delete(r.entries, phone)
	r.updateGaugeLocked()
	r.logger.Info("escalation expired", zap.String("phone", phone))
}

func (r *AdvisorRegistry) updateGaugeLocked() {
	if r.metrics != nil {
		r.metrics.ActiveEscalations.Set(float64(len(r.entries)))
	}
}
