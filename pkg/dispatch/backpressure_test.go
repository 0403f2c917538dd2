package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nadorp/logpipe/pkg/backpressure"
)

func TestNewBackpressureMonitor_FillsDefaultInterval(t *testing.T) {
	m := NewBackpressureMonitor(BackpressureConfig{}, testLogger())
	assert.Equal(t, 5*time.Second, m.cfg.CheckInterval)
	assert.False(t, m.UnderPressure())
	assert.Equal(t, backpressure.LevelNone, m.Level())
}

func TestBackpressureMonitor_LevelDelegatesToManager(t *testing.T) {
	m := NewBackpressureMonitor(BackpressureConfig{}, testLogger())
	m.manager.ForceLevel(backpressure.LevelHigh)
	assert.True(t, m.UnderPressure())
	assert.Equal(t, backpressure.LevelHigh, m.Level())
}

func TestBackpressureMonitor_StartStopIsClean(t *testing.T) {
	m := NewBackpressureMonitor(BackpressureConfig{CheckInterval: 10 * time.Millisecond}, testLogger())
	m.Start()
	time.Sleep(30 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestBackpressureMonitor_PollUpdatesManagerMetrics(t *testing.T) {
	m := NewBackpressureMonitor(BackpressureConfig{}, testLogger())
	m.poll()
	metrics := m.manager.GetMetrics()
	assert.GreaterOrEqual(t, metrics.MemoryUtilization, 0.0)
	assert.LessOrEqual(t, metrics.MemoryUtilization, 1.0)
}
