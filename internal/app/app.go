// Package app wires the loaded configuration into a running daemon:
// it builds the message registry, the configuration tree and its
// compiled pipe arena (C2/C3), the dispatch runtime (C4), one QDisk
// per destination that asked for durable fallback (C5), the source
// and destination drivers, and the metrics/control/tracing ambient
// stack, then owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/drivers/control"
	"github.com/nadorp/logpipe/drivers/destination/kafka"
	containersrc "github.com/nadorp/logpipe/drivers/source/container"
	filesrc "github.com/nadorp/logpipe/drivers/source/file"

	"github.com/nadorp/logpipe/internal/config"
	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/backpressure"
	"github.com/nadorp/logpipe/pkg/cfgtree"
	"github.com/nadorp/logpipe/pkg/dispatch"
	"github.com/nadorp/logpipe/pkg/logging"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
	"github.com/nadorp/logpipe/pkg/qdisk"
	"github.com/nadorp/logpipe/pkg/tracing"
)

// App is the assembled daemon.
type App struct {
	cfg    *config.Daemon
	logger *logrus.Logger

	registry        *message.Registry
	runtime         *dispatch.Runtime
	backpressureMon *dispatch.BackpressureMonitor

	tracingManager *tracing.TracingManager

	qdisks map[string]*qdisk.QDisk

	destinationPipes map[string]*pipe.DestinationPipe
	kafkaDests       []*kafka.Destination

	fileSources  []*filesrc.Source
	discoveries  []*filesrc.Discovery
	containerSrc *containersrc.Source

	metricsServer *metrics.Server
	controlServer *control.Server

	qdiskStatsWG sync.WaitGroup

	configFile string
	ctx        context.Context
	cancel     context.CancelFunc
}

// qdiskStatsInterval is how often each destination's QDisk snapshot is
// pushed to the metrics registry.
const qdiskStatsInterval = 5 * time.Second

// New loads configFile, builds every component, and compiles the
// initial pipe graph, but does not yet start any driver.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{Level: cfg.App.LogLevel, Format: "json"})

	tm, err := tracing.NewTracingManager(cfg.Tracing, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:              cfg,
		logger:           logger,
		registry:         message.NewRegistry(),
		tracingManager:   tm,
		qdisks:           make(map[string]*qdisk.QDisk),
		destinationPipes: make(map[string]*pipe.DestinationPipe),
		configFile:       configFile,
		ctx:              ctx,
		cancel:           cancel,
	}

	if err := a.initDestinations(); err != nil {
		cancel()
		return nil, err
	}

	tree, err := a.buildCfgTree(cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	arena, err := cfgtree.Compile(tree)
	if err != nil {
		cancel()
		return nil, err
	}

	if cfg.Backpressure != (backpressure.Config{}) {
		a.backpressureMon = dispatch.NewBackpressureMonitor(dispatch.BackpressureConfig{Manager: cfg.Backpressure}, logger)
	}
	a.runtime = dispatch.NewRuntime(arena, dispatch.Config{
		Workers:      cfg.Workers.Count,
		QueueDepth:   cfg.Workers.QueueDepth,
		Backpressure: a.backpressureMon,
		Tracer:       tm.GetTracer(),
	}, logger)

	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(cfg.Metrics.Addr, logger)
	}
	if cfg.Control.Enabled {
		a.controlServer = control.New(cfg.Control.Addr, a.reload, a.runtime, logger)
	}

	return a, nil
}

// initDestinations constructs every configured destination's driver
// and, where requested, its durable QDisk fallback, populating
// a.destinationPipes for buildCfgTree.
func (a *App) initDestinations() error {
	for _, dest := range a.cfg.Destinations {
		var fallback *qdisk.QDisk
		if dest.QDiskFallback {
			qcfg := config.ResolveQDiskConfig(a.cfg, dest.Name)
			qcfg.Registry = a.registry
			qcfg.Tracer = a.tracingManager.GetTracer()
			q, err := qdisk.Open(qcfg, a.logger)
			if err != nil {
				return err
			}
			a.qdisks[dest.Name] = q
			fallback = q
		}

		switch dest.Kind {
		case "kafka":
			d, err := kafka.New(kafka.Config{
				Name:            dest.Name,
				Brokers:         dest.Kafka.Brokers,
				Topic:           dest.Kafka.Topic,
				Compression:     dest.Kafka.Compression,
				RequiredAcks:    dest.Kafka.RequiredAcks,
				MaxMessageBytes: dest.Kafka.MaxMessageBytes,
				RetryMax:        dest.Kafka.RetryMax,
				Auth: kafka.AuthConfig{
					Enabled:   dest.Kafka.Auth.Enabled,
					Username:  dest.Kafka.Auth.Username,
					Password:  dest.Kafka.Auth.Password,
					Mechanism: dest.Kafka.Auth.Mechanism,
				},
				Fallback: fallback,
			}, a.logger)
			if err != nil {
				return err
			}
			a.kafkaDests = append(a.kafkaDests, d)
			a.destinationPipes[dest.Name] = d.Pipe()
		default:
			return fmt.Errorf("unknown destination kind: %s", dest.Kind)
		}
	}
	return nil
}

// reload re-reads the on-disk configuration and rebuilds a
// *cfgtree.CfgTree from it; it does not reopen destinations or QDisks,
// matching §4.3's reload scope of "the pipe graph", not process-wide
// resources. It's passed to control.New as a control.Reloader.
func (a *App) reload() (*cfgtree.CfgTree, error) {
	cfg, err := config.LoadConfig(a.configFile)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return a.buildCfgTree(cfg)
}

// Start launches every driver and ambient-stack server.
func (a *App) Start() error {
	if a.backpressureMon != nil {
		a.backpressureMon.Start()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return err
		}
	}
	if a.controlServer != nil {
		if err := a.controlServer.Start(); err != nil {
			return err
		}
	}

	for _, s := range a.cfg.Sources {
		if err := a.startSource(s); err != nil {
			return err
		}
	}

	if len(a.qdisks) > 0 {
		a.qdiskStatsWG.Add(1)
		go a.reportQDiskStats()
	}

	return nil
}

// reportQDiskStats periodically snapshots every destination's QDisk
// (length, backlog, file size, free space, front-cache size) into the
// metrics registry under that destination's name, until a.ctx is
// cancelled.
func (a *App) reportQDiskStats() {
	defer a.qdiskStatsWG.Done()

	ticker := time.NewTicker(qdiskStatsInterval)
	defer ticker.Stop()

	report := func() {
		for name, q := range a.qdisks {
			stats := q.Stats()
			metrics.ReportQDiskStats(name, stats.Length, stats.BacklogCount, stats.FileSize, stats.FreeBytes, stats.FrontCacheLen)
		}
	}

	report()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}

func (a *App) startSource(s config.SourceConfig) error {
	switch s.Kind {
	case "container":
		src, err := containersrc.New(a.ctx, containersrc.Config{SourceName: s.Name, AckNeeded: s.AckNeeded}, a.runtime, a.runtime.LoadArena(), a.registry, a.logger)
		if err != nil {
			return err
		}
		a.containerSrc = src
	case "file":
		if s.File.Dir != "" {
			disc, err := filesrc.NewDiscovery(a.ctx, filesrc.Discovery{
				Dir:        s.File.Dir,
				Pattern:    s.File.Pattern,
				SourceName: s.Name,
				AckNeeded:  s.AckNeeded,
			}, a.runtime, a.runtime.LoadArena(), a.registry, a.logger)
			if err != nil {
				return err
			}
			a.discoveries = append(a.discoveries, disc)
			return nil
		}
		src, err := filesrc.New(a.ctx, filesrc.Config{
			Path:         s.File.Path,
			SourceName:   s.Name,
			Seek:         seekStrategy(s.File.Seek),
			RecentBytes:  s.File.RecentBytes,
			AckNeeded:    s.AckNeeded,
			PollFallback: s.File.PollFallback,
		}, a.runtime, a.runtime.LoadArena(), a.registry, a.logger)
		if err != nil {
			return err
		}
		a.fileSources = append(a.fileSources, src)
	default:
		return fmt.Errorf("unknown source kind: %s", s.Kind)
	}
	return nil
}

func seekStrategy(s string) filesrc.SeekStrategy {
	switch s {
	case "beginning":
		return filesrc.SeekBeginning
	case "recent":
		return filesrc.SeekRecent
	default:
		return filesrc.SeekEnd
	}
}

// Stop drains and closes every component in reverse startup order.
func (a *App) Stop(ctx context.Context) error {
	a.cancel()
	a.qdiskStatsWG.Wait()

	for _, s := range a.fileSources {
		s.Stop()
	}
	if a.containerSrc != nil {
		_ = a.containerSrc.Close()
	}

	if a.runtime != nil {
		if err := a.runtime.Stop(ctx); err != nil {
			a.logger.WithError(err).Warn("app: dispatch runtime did not drain cleanly")
		}
	}

	for _, d := range a.kafkaDests {
		_ = d.Close()
	}
	for name, q := range a.qdisks {
		if err := q.Stop(); err != nil {
			a.logger.WithError(err).WithField("qdisk", name).Warn("app: qdisk did not stop cleanly")
		}
	}

	if a.backpressureMon != nil {
		a.backpressureMon.Stop()
	}
	if a.controlServer != nil {
		_ = a.controlServer.Stop()
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Stop()
	}
	if a.tracingManager != nil {
		_ = a.tracingManager.Shutdown(ctx)
	}
	return nil
}

// Run starts the app and blocks until ctx is done, then stops it with
// a bounded shutdown deadline.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(stopCtx)
}
