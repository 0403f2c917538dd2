// Package dispatch implements the per-message dispatch runtime (C4): a
// fixed-size worker pool driving pipe.Queue calls to completion on one
// goroutine per message, with fastpath/slowpath branching, match
// propagation, and cooperative shutdown.
package dispatch

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
	"github.com/nadorp/logpipe/pkg/tracing"
)

// task is one unit of work submitted to a worker: the ref to start at,
// plus the message and path options to run it with.
type task struct {
	ref  pipe.Ref
	msg  *message.Message
	path *pipe.PathOptions
}

// Runtime is the dispatch runtime, grounded on pkg/workerpool's
// Worker/WorkerPool/Task shape generalized from HTTP-ish tasks to
// pipe.Queue calls, with round-robin assignment and graceful shutdown.
type Runtime struct {
	arena        atomic.Pointer[pipe.Arena]
	logger       *logrus.Logger
	backpressure *BackpressureMonitor
	tracer       oteltrace.Tracer

	workers []*worker
	next    uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Swap atomically replaces the runtime's live arena, implementing
// control.ArenaSwapper. In-flight dispatch chains already holding a
// *pipe.Arena reference (taken once per run() call below) finish on
// the old graph; every Submit/Dispatch call after Swap returns sees
// the new one.
func (rt *Runtime) Swap(arena *pipe.Arena) {
	rt.arena.Store(arena)
}

// LoadArena returns the runtime's current arena, for driver
// constructors that need to resolve a persistent pipe name at startup.
func (rt *Runtime) LoadArena() *pipe.Arena {
	return rt.arena.Load()
}

type worker struct {
	id    int
	tasks chan task
}

// Config controls Runtime construction.
type Config struct {
	Workers      int
	QueueDepth   int
	Backpressure *BackpressureMonitor
	// Tracer, if set, wraps every dispatch chain in a single span,
	// opened when a worker picks the task up and ended when its
	// trampoline run returns. Nil disables tracing.
	Tracer oteltrace.Tracer
}

// NewRuntime constructs a Runtime with cfg.Workers worker goroutines,
// each with a buffered channel of depth cfg.QueueDepth.
func NewRuntime(arena *pipe.Arena, cfg Config, logger *logrus.Logger) *Runtime {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	rt := &Runtime{
		logger:       logger,
		backpressure: cfg.Backpressure,
		tracer:       cfg.Tracer,
		workers:      make([]*worker, cfg.Workers),
	}
	rt.arena.Store(arena)
	for i := range rt.workers {
		w := &worker{id: i, tasks: make(chan task, cfg.QueueDepth)}
		rt.workers[i] = w
		rt.wg.Add(1)
		go rt.drain(w)
	}
	return rt
}

func (rt *Runtime) drain(w *worker) {
	defer rt.wg.Done()
	for t := range w.tasks {
		rt.recordQueueMetrics(w)

		start := time.Now()
		if rt.tracer == nil {
			rt.run(t.ref, t.msg, t.path)
		} else {
			tc := tracing.NewTraceableContext(context.Background(), rt.tracer, "dispatch.chain")
			rt.run(t.ref, t.msg, t.path)
			tc.End()
		}
		metrics.RecordDispatchDuration("dispatch.chain", time.Since(start))
	}
}

// recordQueueMetrics publishes w's current queue depth and the
// runtime-wide average queue utilization, sampled each time a worker
// dequeues a task.
func (rt *Runtime) recordQueueMetrics(w *worker) {
	metrics.WorkerQueueDepth.WithLabelValues(workerLabel(w.id)).Set(float64(len(w.tasks)))

	var total float64
	for _, other := range rt.workers {
		if cap(other.tasks) == 0 {
			continue
		}
		total += float64(len(other.tasks)) / float64(cap(other.tasks))
	}
	if len(rt.workers) > 0 {
		metrics.WorkerQueueUtilization.Set(total / float64(len(rt.workers)))
	}
}

func workerLabel(id int) string {
	return strconv.Itoa(id)
}

// Submit is the top-level entry point drivers use to push a freshly
// ingested message into the graph at ref (typically a source's own
// Ref or its tail multiplexer's Ref). It assigns the message to a
// worker round-robin and returns without waiting for processing to
// finish.
func (rt *Runtime) Submit(ref pipe.Ref, msg *message.Message, path *pipe.PathOptions) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		msg.Ack(message.AckSuspended)
		return
	}
	idx := atomic.AddUint64(&rt.next, 1) % uint64(len(rt.workers))
	rt.workers[idx].tasks <- task{ref: ref, msg: msg, path: path}
}

// Dispatch implements pipe.Dispatcher. It is called by a pipe (chiefly
// a Multiplexer) that is already running inline on a worker goroutine
// and needs to fan a message out to a hop other than the one it tail-
// calls back — per §4.4, "message processing is cooperative within a
// thread", so this runs the hop's trampoline synchronously rather than
// re-enqueuing it onto another worker.
func (rt *Runtime) Dispatch(ref pipe.Ref, msg *message.Message, path *pipe.PathOptions) {
	rt.run(ref, msg, path)
}

// run is the trampoline loop: it walks fastpath tail calls directly,
// and takes the slowpath to apply flag side-effects (§4.4) whenever
// the current pipe needs one.
func (rt *Runtime) run(ref pipe.Ref, msg *message.Message, path *pipe.PathOptions) {
	arena := rt.arena.Load()
	for ref != pipe.NoRef {
		p := arena.Get(ref)
		if p == nil {
			msg.Ack(message.AckAborted)
			return
		}

		rt.mu.RLock()
		closed := rt.closed
		rt.mu.RUnlock()
		if closed {
			msg.Ack(message.AckSuspended)
			return
		}

		flags := p.Flags()
		underPressure := rt.backpressure != nil && rt.backpressure.UnderPressure()
		if flags.NeedsSlowpath() || underPressure {
			path = rt.slowpath(p, flags, underPressure, path)
		}

		if flags.Has(pipe.FlagDropUnmatched) && !path.IsMatched() {
			metrics.DroppedUnmatchedTotal.Inc()
			msg.Ack(message.AckAborted)
			return
		}

		ref, msg, path = p.Queue(rt, msg, path)
	}
}

// slowpath applies the side-effects described in §4.4 for a pipe that
// cannot take the fastpath, then returns the (possibly new) path
// options the pipe's queue should be called with.
func (rt *Runtime) slowpath(p pipe.Pipe, flags pipe.Flags, underPressure bool, path *pipe.PathOptions) *pipe.PathOptions {
	if underPressure && !flags.Has(pipe.FlagHardFlowControl) {
		metrics.FlowControlForcedTotal.Inc()
	}
	if flags.Has(pipe.FlagHardFlowControl) || underPressure {
		path = path.WithFlowControl()
	}
	if flags.Has(pipe.FlagJunctionEnd) || flags.Has(pipe.FlagConditionalMidpoint) {
		if popped := path.PopScope(); popped != nil {
			path = popped
		}
	}
	if flags.Has(pipe.FlagSyncFilterX) {
		// The expression engine's message-assembly hook lives outside
		// this core (§1 Non-goals); a compiled filterx pipe would set
		// its own AssemblyHook on the multiplexer it precedes instead
		// of relying on this no-op.
		_ = p
	}
	return path
}

// ForwardNotify implements pipe.notifyForwarder, letting BasePipe's
// default Notify behaviour forward along next without the caller
// needing a live message.
func (rt *Runtime) ForwardNotify(ref pipe.Ref, code pipe.NotifyCode, data any) {
	if p := rt.arena.Load().Get(ref); p != nil {
		p.Notify(rt, code, data)
	}
}

// Stop declines further Submit calls (they ack suspended immediately)
// and waits for in-flight work already queued on each worker to drain,
// per §4.4's "on deinit... in-flight messages are drained to
// acknowledge". It returns ctx's error if the deadline passes first.
func (rt *Runtime) Stop(ctx context.Context) error {
	rt.mu.Lock()
	rt.closed = true
	for _, w := range rt.workers {
		close(w.tasks)
	}
	rt.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopTimeout is a convenience wrapper around Stop for callers that
// just want a deadline rather than an existing context.
func (rt *Runtime) StopTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return rt.Stop(ctx)
}
