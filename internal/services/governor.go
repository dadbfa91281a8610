package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ananth-NQI/wabot/internal/clock"
	"github.com/Ananth-NQI/wabot/internal/metrics"
)

// GovernorConfig holds the quota and the deferral step function.
type GovernorConfig struct {
	HourlyQuota    int
	Window         time.Duration
	SoftThreshold  float64
	SoftDelay      time.Duration
	HardThreshold  float64
	HardDelay      time.Duration
	PauseThreshold float64
}

// DefaultGovernorConfig is the canonical policy: 70% → 2m, 80% → 5m, pause at 85%.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		HourlyQuota:    5000,
		Window:         time.Hour,
		SoftThreshold:  70,
		SoftDelay:      2 * time.Minute,
		HardThreshold:  80,
		HardDelay:      5 * time.Minute,
		PauseThreshold: 85,
	}
}

// Governor tracks outbound calls in a sliding window and decides whether new
// sends go out now, later, or not at all.
type Governor struct {
	cfg      GovernorConfig
	clock    clock.Clock
	logger   *zap.Logger
	notifier Notifier
	metrics  *metrics.Metrics

	mu        sync.Mutex
	calls     []time.Time // ascending
	byCat     map[string]int
	lastLevel int
}

// NewGovernor creates a governor. notifier and m may be nil.
func NewGovernor(cfg GovernorConfig, clk clock.Clock, notifier Notifier, m *metrics.Metrics, logger *zap.Logger) *Governor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.HourlyQuota <= 0 {
		cfg.HourlyQuota = DefaultGovernorConfig().HourlyQuota
	}
	return &Governor{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		notifier: notifier,
		metrics:  m,
		byCat:    make(map[string]int),
	}
}

// TrackCall records one outbound call at the current time.
func (g *Governor) TrackCall(category string) {
	now := g.clock.Now()

	g.mu.Lock()
	// keep ascending order even if the clock is adjusted backwards
	i := sort.Search(len(g.calls), func(i int) bool { return g.calls[i].After(now) })
	g.calls = append(g.calls, time.Time{})
	copy(g.calls[i+1:], g.calls[i:])
	g.calls[i] = now
	g.byCat[category]++
	usage := g.usageLocked(now)
	crossed := g.levelChangedLocked(usage)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.OutboundCalls.WithLabelValues(category).Inc()
		g.metrics.GovernorUsage.Set(usage)
	}
	if crossed {
		g.alert(usage)
	}
}

// UsagePercent is the trailing-window call count over the hourly quota, ×100.
func (g *Governor) UsagePercent() float64 {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usageLocked(now)
}

func (g *Governor) usageLocked(now time.Time) float64 {
	cutoff := now.Add(-g.cfg.Window)
	first := sort.Search(len(g.calls), func(i int) bool { return g.calls[i].After(cutoff) })
	last := sort.Search(len(g.calls), func(i int) bool { return g.calls[i].After(now) })
	return float64(last-first) / float64(g.cfg.HourlyQuota) * 100
}

// ShouldDefer reports whether new sends should be queued for later.
func (g *Governor) ShouldDefer() bool {
	return g.UsagePercent() >= g.cfg.SoftThreshold
}

// DeferralDelay is how far into the future a deferred send is scheduled.
func (g *Governor) DeferralDelay() time.Duration {
	return g.delayFor(g.UsagePercent())
}

func (g *Governor) delayFor(usage float64) time.Duration {
	switch {
	case usage >= g.cfg.HardThreshold:
		return g.cfg.HardDelay
	case usage >= g.cfg.SoftThreshold:
		return g.cfg.SoftDelay
	default:
		return 0
	}
}

// ShouldPause reports whether the dispatcher must skip sending entirely.
func (g *Governor) ShouldPause() bool {
	return g.UsagePercent() >= g.cfg.PauseThreshold
}

// Sweep drops timestamps that left the window and returns how many.
func (g *Governor) Sweep() int {
	now := g.clock.Now()
	cutoff := now.Add(-g.cfg.Window)

	g.mu.Lock()
	n := sort.Search(len(g.calls), func(i int) bool { return g.calls[i].After(cutoff) })
	if n > 0 {
		g.calls = append([]time.Time(nil), g.calls[n:]...)
	}
	usage := g.usageLocked(now)
	g.levelChangedLocked(usage)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.GovernorUsage.Set(usage)
	}
	if n > 0 {
		g.logger.Debug("governor sweep", zap.Int("dropped", n), zap.Float64("usage_percent", usage))
	}
	return n
}

// GovernorStats is a snapshot for the operator API.
type GovernorStats struct {
	UsagePercent  float64        `json:"usage_percent"`
	CallsInWindow int            `json:"calls_in_window"`
	HourlyQuota   int            `json:"hourly_quota"`
	Deferring     bool           `json:"deferring"`
	DeferralDelay string         `json:"deferral_delay"`
	Paused        bool           `json:"paused"`
	ByCategory    map[string]int `json:"by_category"`
}

func (g *Governor) Stats() GovernorStats {
	now := g.clock.Now()
	g.mu.Lock()
	usage := g.usageLocked(now)
	cats := make(map[string]int, len(g.byCat))
	for k, v := range g.byCat {
		cats[k] = v
	}
	g.mu.Unlock()

	return GovernorStats{
		UsagePercent:  usage,
		CallsInWindow: int(usage * float64(g.cfg.HourlyQuota) / 100),
		HourlyQuota:   g.cfg.HourlyQuota,
		Deferring:     usage >= g.cfg.SoftThreshold,
		DeferralDelay: g.delayFor(usage).String(),
		Paused:        usage >= g.cfg.PauseThreshold,
		ByCategory:    cats,
	}
}

// level: 0 normal, 1 soft, 2 hard, 3 paused.
func (g *Governor) level(usage float64) int {
	switch {
	case usage >= g.cfg.PauseThreshold:
		return 3
	case usage >= g.cfg.HardThreshold:
		return 2
	case usage >= g.cfg.SoftThreshold:
		return 1
	default:
		return 0
	}
}

// levelChangedLocked records the current level and reports an upward change.
func (g *Governor) levelChangedLocked(usage float64) bool {
	lvl := g.level(usage)
	up := lvl > g.lastLevel
	g.lastLevel = lvl
	return up
}

func (g *Governor) alert(usage float64) {
	g.logger.Warn("messaging quota threshold crossed",
		zap.Float64("usage_percent", usage),
		zap.Int("hourly_quota", g.cfg.HourlyQuota))
	if g.notifier == nil {
		return
	}
	g.notifier.Notify(context.Background(), Event{
		Type: EventRateLimitAlert,
		Payload: map[string]interface{}{
			"usage_percent": usage,
			"hourly_quota":  g.cfg.HourlyQuota,
			"paused":        usage >= g.cfg.PauseThreshold,
		},
	})
}
