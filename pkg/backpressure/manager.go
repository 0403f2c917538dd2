// Package backpressure scores host- and queue-level utilization into a
// discrete backpressure Level, used by the dispatch runtime (C4) to
// decide when to force flow_control_requested absent an explicit
// hard-flow-control pipe flag.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a discrete backpressure severity.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config holds the thresholds and timing that drive level transitions.
type Config struct {
	LowThreshold      float64 `yaml:"low_threshold"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`

	CheckInterval time.Duration `yaml:"check_interval"`
	StabilizeTime time.Duration `yaml:"stabilize_time"`
	CooldownTime  time.Duration `yaml:"cooldown_time"`

	// Reduction factors are not consumed by the dispatch runtime
	// directly (it only asks IsActive via UnderPressure) but are kept
	// for drivers that want to throttle their own read rate smoothly
	// rather than react to a binary signal.
	LowReduction      float64 `yaml:"low_reduction"`
	MediumReduction   float64 `yaml:"medium_reduction"`
	HighReduction     float64 `yaml:"high_reduction"`
	CriticalReduction float64 `yaml:"critical_reduction"`
}

// Metrics is one sample of system/queue utilization, each in [0,1].
type Metrics struct {
	QueueUtilization  float64
	MemoryUtilization float64
	CPUUtilization    float64
	IOUtilization     float64
	ErrorRate         float64
}

// Manager turns a stream of Metrics samples into a debounced Level.
type Manager struct {
	config Config
	logger *logrus.Logger

	currentLevel    Level
	currentFactor   float64
	lastLevelChange time.Time
	lastCheck       time.Time
	stabilizeUntil  time.Time

	onLevelChange func(Level, Level, float64)

	metrics Metrics

	mu sync.RWMutex
}

// NewManager constructs a Manager, filling unset thresholds with
// sensible defaults.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	if config.LowThreshold == 0 {
		config.LowThreshold = 0.6
	}
	if config.MediumThreshold == 0 {
		config.MediumThreshold = 0.75
	}
	if config.HighThreshold == 0 {
		config.HighThreshold = 0.9
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = 0.95
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.StabilizeTime == 0 {
		config.StabilizeTime = 30 * time.Second
	}
	if config.CooldownTime == 0 {
		config.CooldownTime = 10 * time.Second
	}
	if config.LowReduction == 0 {
		config.LowReduction = 0.9
	}
	if config.MediumReduction == 0 {
		config.MediumReduction = 0.7
	}
	if config.HighReduction == 0 {
		config.HighReduction = 0.5
	}
	if config.CriticalReduction == 0 {
		config.CriticalReduction = 0.2
	}

	return &Manager{
		config:        config,
		logger:        logger,
		currentLevel:  LevelNone,
		currentFactor: 1.0,
	}
}

// UpdateMetrics records a new sample and re-evaluates the level.
func (m *Manager) UpdateMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = metrics
	m.lastCheck = time.Now()
	m.evaluateLevel()
}

func (m *Manager) evaluateLevel() {
	overallScore := (m.metrics.QueueUtilization * 0.3) +
		(m.metrics.MemoryUtilization * 0.25) +
		(m.metrics.CPUUtilization * 0.2) +
		(m.metrics.IOUtilization * 0.15) +
		(m.metrics.ErrorRate * 0.1)

	newLevel := m.calculateLevel(overallScore)

	if time.Since(m.lastLevelChange) < m.config.CooldownTime {
		return
	}
	if time.Now().Before(m.stabilizeUntil) && newLevel != m.currentLevel {
		return
	}
	if newLevel != m.currentLevel {
		m.changeLevel(newLevel)
	}
}

func (m *Manager) calculateLevel(score float64) Level {
	switch {
	case score >= m.config.CriticalThreshold:
		return LevelCritical
	case score >= m.config.HighThreshold:
		return LevelHigh
	case score >= m.config.MediumThreshold:
		return LevelMedium
	case score >= m.config.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

func (m *Manager) changeLevel(newLevel Level) {
	oldLevel := m.currentLevel
	m.currentLevel = newLevel
	m.lastLevelChange = time.Now()
	m.stabilizeUntil = time.Now().Add(m.config.StabilizeTime)

	switch newLevel {
	case LevelNone:
		m.currentFactor = 1.0
	case LevelLow:
		m.currentFactor = m.config.LowReduction
	case LevelMedium:
		m.currentFactor = m.config.MediumReduction
	case LevelHigh:
		m.currentFactor = m.config.HighReduction
	case LevelCritical:
		m.currentFactor = m.config.CriticalReduction
	}

	m.logger.WithFields(logrus.Fields{
		"old_level":   oldLevel.String(),
		"new_level":   newLevel.String(),
		"factor":      m.currentFactor,
		"queue_util":  m.metrics.QueueUtilization,
		"memory_util": m.metrics.MemoryUtilization,
		"cpu_util":    m.metrics.CPUUtilization,
		"io_util":     m.metrics.IOUtilization,
		"error_rate":  m.metrics.ErrorRate,
	}).Info("backpressure level changed")

	if m.onLevelChange != nil {
		m.onLevelChange(oldLevel, newLevel, m.currentFactor)
	}
}

// GetLevel returns the current backpressure level.
func (m *Manager) GetLevel() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel
}

// GetFactor returns the current capacity reduction factor.
func (m *Manager) GetFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentFactor
}

// IsActive reports whether the level is above none.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel != LevelNone
}

// ShouldThrottle reports whether the level is medium or above.
func (m *Manager) ShouldThrottle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelMedium
}

// ShouldReject reports whether the level is critical.
func (m *Manager) ShouldReject() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelCritical
}

// ShouldDegrade reports whether the level is high or above.
func (m *Manager) ShouldDegrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelHigh
}

// GetMetrics returns the most recently recorded sample.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// SetLevelChangeCallback registers a callback invoked on every level
// transition with (old, new, factor).
func (m *Manager) SetLevelChangeCallback(fn func(Level, Level, float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Start runs a periodic re-evaluation loop against the last recorded
// sample, for callers that only push metrics sporadically. Callers
// that poll gopsutil on their own ticker (as pkg/dispatch does) don't
// need this — UpdateMetrics already re-evaluates on every call.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("starting backpressure manager")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("stopping backpressure manager")
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			if time.Since(m.lastCheck) > m.config.CheckInterval {
				m.evaluateLevel()
			}
			m.mu.Unlock()
		}
	}
}

// ForceLevel overrides the current level, bypassing cooldown/stabilize.
func (m *Manager) ForceLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(level)
}

// Reset forces the level back to none.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(LevelNone)
}

// GetStats returns a snapshot suitable for a diagnostics endpoint.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"current_level":     m.currentLevel.String(),
		"current_factor":    m.currentFactor,
		"last_level_change": m.lastLevelChange,
		"last_check":        m.lastCheck,
		"stabilize_until":   m.stabilizeUntil,
		"is_active":         m.currentLevel != LevelNone,
		"should_throttle":   m.currentLevel >= LevelMedium,
		"should_reject":     m.currentLevel >= LevelCritical,
		"should_degrade":    m.currentLevel >= LevelHigh,
		"metrics":           m.metrics,
	}
}
