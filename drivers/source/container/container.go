// Package container implements a container log source driver: it
// discovers running containers via the Docker API and streams their
// combined stdout/stderr into Messages submitted to a named source
// pipe's entry point.
package container

import (
	"bufio"
	"context"
	"io"
	"sync"

	dockerTypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/dispatch"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
)

// Config describes one container source.
type Config struct {
	SourceName string // persistent name of the compiled SourcePipe this feeds
	AckNeeded  bool
}

// Source watches the Docker daemon's event stream and tails every
// running (and subsequently started) container's combined log stream.
type Source struct {
	cfg    Config
	cli    *client.Client
	rt     *dispatch.Runtime
	arena  *pipe.Arena
	reg    *message.Registry
	logger *logrus.Logger
	sourceH message.Handle

	mu       sync.Mutex
	cancelFn map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New connects to the local Docker daemon and begins collecting logs
// from every currently running container, then follows start/stop
// events to track new and removed containers.
func New(ctx context.Context, cfg Config, rt *dispatch.Runtime, arena *pipe.Arena, reg *message.Registry, logger *logrus.Logger) (*Source, error) {
	if _, ok := arena.Resolve(cfg.SourceName); !ok {
		return nil, apperr.Config("container.New", "no compiled source pipe named "+cfg.SourceName)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.IO("container.New", "failed to create docker client").Wrap(err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, apperr.IO("container.New", "failed to reach docker daemon").Wrap(err)
	}

	s := &Source{
		cfg:      cfg,
		cli:      cli,
		rt:       rt,
		arena:    arena,
		reg:      reg,
		logger:   logger,
		sourceH:  reg.Intern("SOURCE"),
		cancelFn: make(map[string]context.CancelFunc),
	}

	containers, err := cli.ContainerList(ctx, dockerTypes.ContainerListOptions{})
	if err != nil {
		return nil, apperr.IO("container.New", "failed to list containers").Wrap(err)
	}
	for _, c := range containers {
		s.start(ctx, c.ID)
	}

	go s.watchEvents(ctx)
	return s, nil
}

func (s *Source) watchEvents(ctx context.Context) {
	msgs, errs := s.cli.Events(ctx, dockerTypes.EventsOptions{})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-msgs:
			if !ok {
				return
			}
			metrics.ContainerSourceEventsTotal.WithLabelValues(string(ev.Action)).Inc()
			switch ev.Action {
			case "start":
				s.start(ctx, ev.Actor.ID)
			case "die", "stop", "kill":
				s.stop(ev.Actor.ID)
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("container source: docker event stream error")
			return
		}
	}
}

func (s *Source) start(ctx context.Context, containerID string) {
	s.mu.Lock()
	if _, exists := s.cancelFn[containerID]; exists {
		s.mu.Unlock()
		return
	}
	collectCtx, cancel := context.WithCancel(ctx)
	s.cancelFn[containerID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.collect(collectCtx, containerID)
}

func (s *Source) stop(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancelFn[containerID]; ok {
		cancel()
		delete(s.cancelFn, containerID)
	}
}

func (s *Source) collect(ctx context.Context, containerID string) {
	defer s.wg.Done()

	stream, err := s.cli.ContainerLogs(ctx, containerID, dockerTypes.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WithError(err).WithField("container", containerID).Warn("container source: failed to open log stream")
		}
		return
	}
	defer stream.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go s.scanLines(containerID, stdoutR)
	go s.scanLines(containerID, stderrR)

	_, _ = stdcopy.StdCopy(stdoutW, stderrW, stream)
	_ = stdoutW.Close()
	_ = stderrW.Close()
}

func (s *Source) scanLines(containerID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.submit(containerID, scanner.Text())
	}
}

func (s *Source) submit(containerID, text string) {
	msg := message.New([]byte(text), message.ParseOptions{}, s.reg)
	_ = msg.SetValue(s.sourceH, message.Value{Kind: message.KindString, Bytes: []byte(containerID)})

	ref, _ := s.arena.Resolve(s.cfg.SourceName)
	path := pipe.RootPathOptions(s.cfg.AckNeeded)
	s.rt.Submit(ref, msg, path)

	metrics.MessagesCreatedTotal.Inc()
}

// Close stops all active collectors and the docker client.
func (s *Source) Close() error {
	s.mu.Lock()
	for _, cancel := range s.cancelFn {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.cli.Close()
}
