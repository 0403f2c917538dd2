// Package logging configures the structured logger shared across the
// daemon and provides the "log once per (component, error-kind) per
// second" rate limit required by the error handling design.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// New builds a *logrus.Logger per cfg. Unknown levels fall back to info;
// format defaults to json, matching production daemon behaviour.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// RateLimiter suppresses repeated log entries for the same key within a
// window, implementing the error-handling design's "log once per
// (driver, error) pair per second" and "log once per source" rules.
type RateLimiter struct {
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

// NewRateLimiter creates a limiter with the given suppression window.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether a log entry for key should be emitted now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.last[key] = now
	return true
}

// Reset clears suppression state for key, useful in tests.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, key)
}
