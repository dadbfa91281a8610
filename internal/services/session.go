package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/catalog"
	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/models"
)

// FlowContext is the transient per-state data of a session. Fields are only
// meaningful in the states that set them; a reset clears all of them.
type FlowContext struct {
	// catalog browsing
	CategoryID    int
	CategoryName  string
	SubcategoryID int
	Page          int
	HasMore       bool

	// options shown in the current list state, in display order; for the
	// operator's finalize menu the ids are finalize:<phone>
	Options []models.ListRow

	// quote wizard
	Quote catalog.QuoteFilters

	// orders found for the email given in WAITING_EMAIL_FOR_ORDERS
	Email  string
	Orders []catalog.Order
}

// Session is the per-phone flow record.
type Session struct {
	Phone        string
	State        State
	Context      FlowContext
	LastActivity time.Time
	CreatedAt    time.Time
}

// IsExpired reports whether the session has been idle for longer than timeout.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivity) > timeout
}

// reset moves the session back to the main menu and drops its context.
func (s *Session) reset(now time.Time) {
	s.State = StateMainMenu
	s.Context = FlowContext{}
	s.LastActivity = now
}

// SessionManager owns every session. Callers mutate a session only while
// holding that phone's lock in the flow engine.
type SessionManager struct {
	clock  clock.Clock
	logger *zap.Logger
	// lockKey takes the engine's per-phone lock; a no-op until an engine
	// adopts the manager.
	lockKey func(phone string) func()

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager(clk clock.Clock, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		clock:    clk,
		logger:   logger,
		lockKey:  func(string) func() { return func() {} },
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for phone if one exists.
func (sm *SessionManager) Get(phone string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[phone]
	return s, ok
}

// GetOrCreate returns the existing session or a fresh MAIN_MENU one. The
// boolean reports whether the session was created.
func (sm *SessionManager) GetOrCreate(phone string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[phone]; ok {
		return s, false
	}
	now := sm.clock.Now()
	s := &Session{
		Phone:        phone,
		State:        StateMainMenu,
		LastActivity: now,
		CreatedAt:    now,
	}
	sm.sessions[phone] = s
	return s, true
}

// Reset forces the session for phone to MAIN_MENU.
func (sm *SessionManager) Reset(phone string) {
	s, _ := sm.GetOrCreate(phone)
	s.reset(sm.clock.Now())
}

// Touch refreshes the activity timestamp.
func (sm *SessionManager) Touch(phone string) {
	if s, ok := sm.Get(phone); ok {
		s.LastActivity = sm.clock.Now()
	}
}

// PruneStale drops sessions idle for longer than maxIdle. Sessions bridged to
// an operator are kept; the escalation registry expires those.
func (sm *SessionManager) PruneStale(maxIdle time.Duration) int {
	sm.mu.RLock()
	phones := make([]string, 0, len(sm.sessions))
	for phone := range sm.sessions {
		phones = append(phones, phone)
	}
	sm.mu.RUnlock()

	pruned := 0
	for _, phone := range phones {
		if sm.pruneOne(phone, maxIdle) {
			pruned++
		}
	}
	if pruned > 0 {
		sm.logger.Info("pruned idle sessions", zap.Int("pruned", pruned), zap.Int("remaining", sm.Len()))
	}
	return pruned
}

func (sm *SessionManager) pruneOne(phone string, maxIdle time.Duration) bool {
	unlock := sm.lockKey(phone)
	defer unlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[phone]
	if !ok || s.State == StateWithAdvisor || sm.clock.Now().Sub(s.LastActivity) <= maxIdle {
		return false
	}
	delete(sm.sessions, phone)
	return true
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
