package service

import (
	"sync"

	"github.com/copyarena-server/internal/config"
	"github.com/copyarena-server/internal/events"
)

// marginLevelCap bounds the recomputed level when margin is positive but
// near zero, so an effectively unbounded ratio never leaves this package.
const marginLevelCap = 100000

type marginTier int

const (
	tierNone marginTier = iota
	tierWarning
	tierHigh
	tierCritical
)

// MarginStatus is the outcome of one risk evaluation
type MarginStatus struct {
	// Level is the margin level in percent, recomputed from equity and
	// margin. Meaningless when Defined is false.
	Level   float64
	Defined bool
	// Crossed is true only on the cycle where the level first enters a
	// deeper tier; it stays false while the level remains there.
	Crossed   bool
	Severity  events.MarginSeverity
	Threshold float64
}

// MarginMonitor recomputes account margin risk from snapshot numbers and
// fires edge-triggered tier crossings. It never mutates account state.
type MarginMonitor struct {
	cfg config.RiskConfig

	mu       sync.Mutex
	lastTier map[uint]marginTier
}

// NewMarginMonitor creates a new MarginMonitor
func NewMarginMonitor(cfg config.RiskConfig) *MarginMonitor {
	return &MarginMonitor{
		cfg:      cfg,
		lastTier: make(map[uint]marginTier),
	}
}

// Evaluate assesses one account's margin risk for the current cycle.
//
// A margin of zero or less means no meaningful level exists: risk is
// undefined and no threshold is evaluated, ever. With positive margin the
// level is always recomputed as (equity/margin)*100. The feed-reported
// value is ignored entirely, so there is never ambiguity between the two
// sources of the same number.
func (m *MarginMonitor) Evaluate(accountID uint, equity, margin float64) MarginStatus {
	if margin <= 0 {
		m.mu.Lock()
		m.lastTier[accountID] = tierNone
		m.mu.Unlock()
		return MarginStatus{Defined: false}
	}

	level := (equity / margin) * 100
	if level > marginLevelCap {
		level = marginLevelCap
	}

	tier, severity, threshold := m.classify(level)

	m.mu.Lock()
	previous := m.lastTier[accountID]
	m.lastTier[accountID] = tier
	m.mu.Unlock()

	return MarginStatus{
		Level:     level,
		Defined:   true,
		Crossed:   tier > previous,
		Severity:  severity,
		Threshold: threshold,
	}
}

func (m *MarginMonitor) classify(level float64) (marginTier, events.MarginSeverity, float64) {
	switch {
	case level <= m.cfg.CriticalLevel:
		return tierCritical, events.SeverityCritical, m.cfg.CriticalLevel
	case level <= m.cfg.HighLevel:
		return tierHigh, events.SeverityHigh, m.cfg.HighLevel
	case level <= m.cfg.WarningLevel:
		return tierWarning, events.SeverityWarning, m.cfg.WarningLevel
	default:
		return tierNone, "", 0
	}
}

// Forget drops the per-account edge state, re-arming all tiers. Used when an
// account's bridge disconnects.
func (m *MarginMonitor) Forget(accountID uint) {
	m.mu.Lock()
	delete(m.lastTier, accountID)
	m.mu.Unlock()
}
