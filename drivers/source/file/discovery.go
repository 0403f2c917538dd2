package file

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/dispatch"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
)

// Discovery watches a directory for files matching Pattern, starting a
// new tailing Source for each match as it appears.
type Discovery struct {
	Dir        string
	Pattern    string
	SourceName string
	AckNeeded  bool

	rt     *dispatch.Runtime
	arena  *pipe.Arena
	reg    *message.Registry
	logger *logrus.Logger

	mu      sync.Mutex
	sources map[string]*Source
	watcher *fsnotify.Watcher
}

// NewDiscovery starts watching d.Dir for new files matching d.Pattern.
func NewDiscovery(ctx context.Context, d Discovery, rt *dispatch.Runtime, arena *pipe.Arena, reg *message.Registry, logger *logrus.Logger) (*Discovery, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.IO("NewDiscovery", "failed to create fsnotify watcher").Wrap(err)
	}
	if err := w.Add(d.Dir); err != nil {
		_ = w.Close()
		return nil, apperr.IO("NewDiscovery", "failed to watch directory").Wrap(err)
	}

	d.rt, d.arena, d.reg, d.logger = rt, arena, reg, logger
	d.watcher = w
	d.sources = make(map[string]*Source)

	go d.run(ctx)
	return &d, nil
}

func (d *Discovery) run(ctx context.Context) {
	defer d.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			d.maybeTail(ctx, ev.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.WithError(err).Warn("file source discovery: watcher error")
		}
	}
}

func (d *Discovery) maybeTail(ctx context.Context, path string) {
	matched, err := filepath.Match(d.Pattern, filepath.Base(path))
	if err != nil || !matched {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.sources[path]; exists {
		return
	}

	src, err := New(ctx, Config{
		Path:       path,
		SourceName: d.SourceName,
		Seek:       SeekEnd,
		AckNeeded:  d.AckNeeded,
	}, d.rt, d.arena, d.reg, d.logger)
	if err != nil {
		d.logger.WithError(err).WithField("path", path).Warn("file source discovery: failed to start tailer")
		return
	}
	d.sources[path] = src
}
