// Package metrics registers the Prometheus collectors for the core
// engine (C1-C5) and its domain drivers, and serves them over HTTP.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// C1: Message
	MessagesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_messages_created_total",
		Help: "Total number of Messages created by sources",
	})

	MessageAckOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_message_ack_outcomes_total",
		Help: "Total terminal ack outcomes by result",
	}, []string{"outcome"}) // processed|aborted|suspended

	MessageCloneTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_message_clones_total",
		Help: "Total number of copy-on-write Message clones",
	})

	// C2: Pipe graph
	PipeQueueCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_pipe_queue_calls_total",
		Help: "Total Queue() calls per pipe kind",
	}, []string{"kind"})

	MultiplexerBranchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_multiplexer_branches_total",
		Help: "Total branch dispatches by a multiplexer, by kind",
	}, []string{"kind"}) // fallback|final|regular

	DroppedUnmatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_dropped_unmatched_total",
		Help: "Total messages dropped for failing to match any branch under flags-drop-unmatched",
	})

	// C3: Configuration tree & compiler
	CompileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "logpipe_compile_duration_seconds",
		Help:    "Time spent compiling a configuration tree into a pipe graph",
		Buckets: prometheus.DefBuckets,
	})

	CompileErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_compile_errors_total",
		Help: "Total configuration compile failures by error code",
	}, []string{"code"})

	ActivePipesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_active_pipes",
		Help: "Number of pipes in the currently active compiled arena",
	})

	// C4: Dispatch runtime
	DispatchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logpipe_dispatch_duration_seconds",
		Help:    "Time spent running one submitted message's dispatch trampoline to completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	WorkerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_worker_queue_depth",
		Help: "Current number of tasks queued per dispatch worker",
	}, []string{"worker"})

	WorkerQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_worker_queue_utilization",
		Help: "Average dispatch worker queue utilization (0.0 to 1.0)",
	})

	BackpressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "logpipe_backpressure_level",
		Help: "Current backpressure level (0=none .. 4=critical)",
	})

	FlowControlForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logpipe_flow_control_forced_total",
		Help: "Total times flow_control_requested was forced by backpressure rather than by pipe flags",
	})

	// C5: Durable queue (QDisk)
	QDiskLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_qdisk_length",
		Help: "Current logical length (unread record count) of a durable queue",
	}, []string{"queue"})

	QDiskBacklogCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_qdisk_backlog_count",
		Help: "Current backlog (popped, unacked) record count of a durable queue",
	}, []string{"queue"})

	QDiskFileSizeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_qdisk_file_size_bytes",
		Help: "Current on-disk size of a durable queue's backing file",
	}, []string{"queue"})

	QDiskFreeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_qdisk_free_bytes",
		Help: "Current free ring space of a durable queue",
	}, []string{"queue"})

	QDiskFrontCacheLen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logpipe_qdisk_front_cache_length",
		Help: "Current in-memory front cache length (non-reliable queues only)",
	}, []string{"queue"})

	QDiskPushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_qdisk_push_total",
		Help: "Total durable queue pushes by result",
	}, []string{"queue", "result"}) // ok|rejected|error

	QDiskPopTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_qdisk_pop_total",
		Help: "Total durable queue pops by result",
	}, []string{"queue", "result"}) // ok|empty|corrupt

	QDiskCompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_qdisk_compactions_total",
		Help: "Total durable queue file truncations on full drain",
	}, []string{"queue"})

	// Domain drivers
	KafkaMessagesProducedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_kafka_messages_produced_total",
		Help: "Total number of messages produced to Kafka",
	}, []string{"topic", "status"})

	KafkaQDiskFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_kafka_qdisk_fallback_total",
		Help: "Total messages routed to the QDisk fallback instead of Kafka under backpressure",
	}, []string{"topic"})

	FileSourceLinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_file_source_lines_total",
		Help: "Total lines tailed by a file source",
	}, []string{"path"})

	ContainerSourceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "logpipe_container_source_events_total",
		Help: "Total container lifecycle events observed by the container source",
	}, []string{"event_type"})
)

var registerOnce sync.Once

// safeRegister registers collector, silently ignoring a duplicate
// registration (harmless on config reload, where drivers re-register
// the same collectors against the process-wide default registry).
func safeRegister(collector prometheus.Collector) {
	defer func() {
		_ = recover()
	}()
	prometheus.MustRegister(collector)
}

// Server serves the /metrics and /health endpoints.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer builds a metrics HTTP server, registering every collector
// exactly once regardless of how many times NewServer is called across
// a process's config reloads.
func NewServer(addr string, logger *logrus.Logger) *Server {
	registerOnce.Do(func() {
		safeRegister(MessagesCreatedTotal)
		safeRegister(MessageAckOutcomesTotal)
		safeRegister(MessageCloneTotal)
		safeRegister(PipeQueueCallsTotal)
		safeRegister(MultiplexerBranchesTotal)
		safeRegister(DroppedUnmatchedTotal)
		safeRegister(CompileDurationSeconds)
		safeRegister(CompileErrorsTotal)
		safeRegister(ActivePipesGauge)
		safeRegister(DispatchDurationSeconds)
		safeRegister(WorkerQueueDepth)
		safeRegister(WorkerQueueUtilization)
		safeRegister(BackpressureLevel)
		safeRegister(FlowControlForcedTotal)
		safeRegister(QDiskLength)
		safeRegister(QDiskBacklogCount)
		safeRegister(QDiskFileSizeBytes)
		safeRegister(QDiskFreeBytes)
		safeRegister(QDiskFrontCacheLen)
		safeRegister(QDiskPushTotal)
		safeRegister(QDiskPopTotal)
		safeRegister(QDiskCompactionsTotal)
		safeRegister(KafkaMessagesProducedTotal)
		safeRegister(KafkaQDiskFallbackTotal)
		safeRegister(FileSourceLinesTotal)
		safeRegister(ContainerSourceEventsTotal)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Stop shuts the metrics server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}

// ReportQDiskStats pushes a durable queue's Stats snapshot into its
// gauges, keyed by a caller-chosen persistent queue name.
func ReportQDiskStats(queue string, length, backlogCount, fileSize, freeBytes uint64, frontCacheLen int) {
	QDiskLength.WithLabelValues(queue).Set(float64(length))
	QDiskBacklogCount.WithLabelValues(queue).Set(float64(backlogCount))
	QDiskFileSizeBytes.WithLabelValues(queue).Set(float64(fileSize))
	QDiskFreeBytes.WithLabelValues(queue).Set(float64(freeBytes))
	QDiskFrontCacheLen.WithLabelValues(queue).Set(float64(frontCacheLen))
}

// RecordDispatchDuration records how long one submitted message's
// trampoline took to run to a terminal outcome.
func RecordDispatchDuration(path string, d time.Duration) {
	DispatchDurationSeconds.WithLabelValues(path).Observe(d.Seconds())
}
