package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/copyarena-server/internal/config"
	"github.com/copyarena-server/internal/events"
)

func newMonitor() *MarginMonitor {
	return NewMarginMonitor(config.RiskConfig{
		WarningLevel:  150,
		HighLevel:     100,
		CriticalLevel: 50,
	})
}

func TestEvaluateZeroMarginIsUndefined(t *testing.T) {
	m := newMonitor()

	status := m.Evaluate(1, 1000, 0)
	assert.False(t, status.Defined)
	assert.False(t, status.Crossed)

	status = m.Evaluate(1, -500, -10)
	assert.False(t, status.Defined)
	assert.False(t, status.Crossed)
}

func TestEvaluateRecomputesLevel(t *testing.T) {
	m := newMonitor()

	// equity 1400 / margin 1000 = 140%
	status := m.Evaluate(1, 1400, 1000)
	assert.True(t, status.Defined)
	assert.InDelta(t, 140.0, status.Level, 1e-9)
	assert.Equal(t, events.SeverityWarning, status.Severity)
	assert.Equal(t, 150.0, status.Threshold)
}

func TestEvaluateClampsNearZeroMargin(t *testing.T) {
	m := newMonitor()

	status := m.Evaluate(1, 1000000, 0.0001)
	assert.True(t, status.Defined)
	assert.Equal(t, float64(marginLevelCap), status.Level)
	assert.False(t, status.Crossed)
}

func TestEvaluateEdgeTriggered(t *testing.T) {
	m := newMonitor()

	// above all thresholds: silent
	status := m.Evaluate(1, 1600, 1000)
	assert.False(t, status.Crossed)

	// drop into warning: fires once
	status = m.Evaluate(1, 1400, 1000)
	assert.True(t, status.Crossed)
	assert.Equal(t, events.SeverityWarning, status.Severity)

	// still in warning: silent
	status = m.Evaluate(1, 1350, 1000)
	assert.False(t, status.Crossed)
	assert.Equal(t, events.SeverityWarning, status.Severity)

	// deeper into high: fires once
	status = m.Evaluate(1, 900, 1000)
	assert.True(t, status.Crossed)
	assert.Equal(t, events.SeverityHigh, status.Severity)

	// down to critical: fires once
	status = m.Evaluate(1, 400, 1000)
	assert.True(t, status.Crossed)
	assert.Equal(t, events.SeverityCritical, status.Severity)

	// recovery never fires
	status = m.Evaluate(1, 1400, 1000)
	assert.False(t, status.Crossed)

	// re-entering a deeper tier fires again
	status = m.Evaluate(1, 900, 1000)
	assert.True(t, status.Crossed)
	assert.Equal(t, events.SeverityHigh, status.Severity)
}

func TestEvaluateUndefinedResetsEdgeState(t *testing.T) {
	m := newMonitor()

	status := m.Evaluate(1, 1400, 1000)
	assert.True(t, status.Crossed)

	// margin collapses to zero: undefined, edge state re-arms
	status = m.Evaluate(1, 1400, 0)
	assert.False(t, status.Defined)

	// same warning tier as before fires again after the reset
	status = m.Evaluate(1, 1400, 1000)
	assert.True(t, status.Crossed)
}

func TestEvaluateAccountsIndependent(t *testing.T) {
	m := newMonitor()

	assert.True(t, m.Evaluate(1, 1400, 1000).Crossed)
	assert.True(t, m.Evaluate(2, 1400, 1000).Crossed)
	assert.False(t, m.Evaluate(1, 1400, 1000).Crossed)
}

func TestForgetReArmsAccount(t *testing.T) {
	m := newMonitor()

	assert.True(t, m.Evaluate(1, 1400, 1000).Crossed)
	assert.False(t, m.Evaluate(1, 1400, 1000).Crossed)

	m.Forget(1)
	assert.True(t, m.Evaluate(1, 1400, 1000).Crossed)
}
