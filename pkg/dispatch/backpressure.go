package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/backpressure"
)

// BackpressureConfig controls the resource poller feeding the dispatch
// runtime's coarse backpressure signal (§AS "Resource/backpressure
// telemetry"): memory/CPU pressure can force flow_control_requested
// even absent an explicit hard-flow-control pipe flag.
type BackpressureConfig struct {
	CheckInterval time.Duration
	Manager       backpressure.Config
}

// BackpressureMonitor polls host memory and CPU utilisation and feeds
// them into a backpressure.Manager, grounded on
// pkg/monitoring/resource_monitor.go's ticker/context-cancel shape.
type BackpressureMonitor struct {
	cfg     BackpressureConfig
	manager *backpressure.Manager
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackpressureMonitor constructs a monitor around a fresh
// backpressure.Manager.
func NewBackpressureMonitor(cfg BackpressureConfig, logger *logrus.Logger) *BackpressureMonitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &BackpressureMonitor{
		cfg:     cfg,
		manager: backpressure.NewManager(cfg.Manager, logger),
		logger:  logger,
	}
}

// Start launches the polling goroutine.
func (b *BackpressureMonitor) Start() {
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.run()
}

// Stop cancels the polling goroutine and waits for it to exit.
func (b *BackpressureMonitor) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *BackpressureMonitor) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *BackpressureMonitor) poll() {
	var memUtil, cpuUtil float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memUtil = vm.UsedPercent / 100.0
	} else {
		b.logger.WithError(err).Warn("backpressure: memory sample failed")
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuUtil = pct[0] / 100.0
	} else if err != nil {
		b.logger.WithError(err).Warn("backpressure: cpu sample failed")
	}
	b.manager.UpdateMetrics(backpressure.Metrics{
		MemoryUtilization: memUtil,
		CPUUtilization:    cpuUtil,
	})
	metrics.BackpressureLevel.Set(float64(b.Level()))
}

// UnderPressure reports whether the backpressure manager is at or
// above its "low" level — the dispatch runtime's trigger for forcing
// flow_control_requested absent an explicit pipe flag.
func (b *BackpressureMonitor) UnderPressure() bool {
	return b.manager.IsActive()
}

// Level exposes the manager's current backpressure level for metrics.
func (b *BackpressureMonitor) Level() backpressure.Level {
	return b.manager.GetLevel()
}
