// Package file implements a tailing file source driver: it follows
// one or more files, turning each line into a Message and submitting
// it into the dispatch runtime at a named source pipe's entry point.
package file

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/dispatch"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
)

// SeekStrategy controls where a newly opened tailer starts reading.
type SeekStrategy string

const (
	SeekBeginning SeekStrategy = "beginning"
	SeekEnd       SeekStrategy = "end"
	SeekRecent    SeekStrategy = "recent"
)

// Config describes one file source.
type Config struct {
	Path         string
	SourceName   string // persistent name of the compiled SourcePipe this feeds
	Seek         SeekStrategy
	RecentBytes  int64
	AckNeeded    bool
	PollFallback bool // use polling instead of inotify/kqueue (NFS, some container filesystems)
}

// Source tails one file and submits each line as a Message.
type Source struct {
	cfg     Config
	rt      *dispatch.Runtime
	arena   *pipe.Arena
	reg     *message.Registry
	logger  *logrus.Logger
	tailer  *tail.Tail
	wg      sync.WaitGroup
	sourceH message.Handle
}

// New starts tailing cfg.Path and returns a Source, or an error if the
// named source pipe cannot be resolved in the current arena.
func New(ctx context.Context, cfg Config, rt *dispatch.Runtime, arena *pipe.Arena, reg *message.Registry, logger *logrus.Logger) (*Source, error) {
	if _, ok := arena.Resolve(cfg.SourceName); !ok {
		return nil, apperr.Config("file.New", fmt.Sprintf("no compiled source pipe named %q", cfg.SourceName))
	}

	tailCfg := tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     cfg.PollFallback,
		Location: seekInfo(cfg),
	}
	t, err := tail.TailFile(cfg.Path, tailCfg)
	if err != nil {
		return nil, apperr.IO("file.New", "failed to tail file").Wrap(err)
	}

	s := &Source{
		cfg:     cfg,
		rt:      rt,
		arena:   arena,
		reg:     reg,
		logger:  logger,
		tailer:  t,
		sourceH: reg.Intern("SOURCE"),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

func seekInfo(cfg Config) *tail.SeekInfo {
	switch cfg.Seek {
	case SeekEnd:
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	case SeekRecent:
		offset := cfg.RecentBytes
		if offset == 0 {
			offset = 1 << 20
		}
		return &tail.SeekInfo{Offset: -offset, Whence: io.SeekEnd}
	default:
		return &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}
}

func (s *Source) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.tailer.Cleanup()

	for {
		select {
		case <-ctx.Done():
			if err := s.tailer.Stop(); err != nil {
				s.logger.WithError(err).Warn("file source: error stopping tailer")
			}
			return
		case line, ok := <-s.tailer.Lines:
			if !ok {
				if err := s.tailer.Err(); err != nil {
					s.logger.WithError(err).Warn("file source: tailer error")
				}
				return
			}
			if line.Err != nil {
				s.logger.WithError(line.Err).Warn("file source: line read error")
				continue
			}
			s.submit(line.Text, line.Time)
		}
	}
}

func (s *Source) submit(text string, t time.Time) {
	msg := message.New([]byte(text), message.ParseOptions{}, s.reg)
	_ = msg.SetValue(s.sourceH, message.Value{Kind: message.KindString, Bytes: []byte(s.cfg.Path)})
	if !t.IsZero() {
		_ = msg.SetStamp(message.FromTime(t))
	}

	ref, _ := s.arena.Resolve(s.cfg.SourceName)
	path := pipe.RootPathOptions(s.cfg.AckNeeded)
	s.rt.Submit(ref, msg, path)

	metrics.MessagesCreatedTotal.Inc()
	metrics.FileSourceLinesTotal.WithLabelValues(s.cfg.Path).Inc()
}

// Stop waits for the tailing goroutine to exit after ctx is cancelled.
func (s *Source) Stop() {
	s.wg.Wait()
}
