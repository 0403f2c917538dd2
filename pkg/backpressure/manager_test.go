package backpressure

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestNewManager_FillsDefaults(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	assert.Equal(t, LevelNone, m.GetLevel())
	assert.Equal(t, 1.0, m.GetFactor())
	assert.False(t, m.IsActive())
}

func TestUpdateMetrics_TransitionsToCritical(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 1.0, MemoryUtilization: 1.0, CPUUtilization: 1.0, IOUtilization: 1.0, ErrorRate: 1.0})
	assert.Equal(t, LevelCritical, m.GetLevel())
	assert.True(t, m.IsActive())
	assert.True(t, m.ShouldThrottle())
	assert.True(t, m.ShouldReject())
	assert.True(t, m.ShouldDegrade())
}

func TestUpdateMetrics_StaysNoneUnderThreshold(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 0.1})
	assert.Equal(t, LevelNone, m.GetLevel())
	assert.False(t, m.ShouldThrottle())
}

func TestForceLevel_BypassesCooldown(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	m.ForceLevel(LevelHigh)
	assert.Equal(t, LevelHigh, m.GetLevel())
	assert.True(t, m.ShouldDegrade())

	m.ForceLevel(LevelNone)
	assert.Equal(t, LevelNone, m.GetLevel())
}

func TestReset_ReturnsToNone(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	m.ForceLevel(LevelCritical)
	m.Reset()
	assert.Equal(t, LevelNone, m.GetLevel())
}

func TestSetLevelChangeCallback_FiresOnTransition(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	var gotOld, gotNew Level
	m.SetLevelChangeCallback(func(old, new_ Level, factor float64) {
		gotOld, gotNew = old, new_
	})
	m.ForceLevel(LevelMedium)
	assert.Equal(t, LevelNone, gotOld)
	assert.Equal(t, LevelMedium, gotNew)
}

func TestGetStats_ReflectsCurrentState(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	m.ForceLevel(LevelLow)
	stats := m.GetStats()
	assert.Equal(t, "low", stats["current_level"])
	assert.Equal(t, true, stats["is_active"])
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "none", LevelNone.String())
	assert.Equal(t, "low", LevelLow.String())
	assert.Equal(t, "medium", LevelMedium.String())
	assert.Equal(t, "high", LevelHigh.String())
	assert.Equal(t, "critical", LevelCritical.String())
}

func TestGetMetrics_ReturnsLastSample(t *testing.T) {
	m := NewManager(Config{}, testLogger())
	sample := Metrics{QueueUtilization: 0.5}
	m.UpdateMetrics(sample)
	assert.Equal(t, sample, m.GetMetrics())
}
