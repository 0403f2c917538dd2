package message

import (
	"sync"
	"sync/atomic"

	"github.com/nadorp/logpipe/internal/metrics"
)

// AckOutcome is the terminal result delivered to a message's ack
// callback once its pending count reaches zero.
type AckOutcome int

const (
	// AckProcessed: at least one destination accepted the message.
	AckProcessed AckOutcome = iota
	// AckAborted: dropped by a filter, parser failure, or queue
	// overflow without flow-control.
	AckAborted
	// AckSuspended: transient back-pressure; sources may retry by
	// regenerating the message.
	AckSuspended
)

func (o AckOutcome) String() string {
	switch o {
	case AckProcessed:
		return "processed"
	case AckAborted:
		return "aborted"
	case AckSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// AckFunc is invoked exactly once, with the combined terminal outcome,
// when a message's ack chain fully drains.
type AckFunc func(AckOutcome)

// AckChain implements the pending-count DAG described in §3/§4.4: each
// fan-out point calls AddAck to record how many branches the message
// will traverse; each branch eventually calls Ack exactly once. The
// final Ack call (pending count reaches zero) invokes the callback with
// a combined outcome: processed if any branch processed, else suspended
// if any branch suspended, else aborted.
type AckChain struct {
	pending    int64
	processed  int64
	aborted    int64
	suspended  int64
	callback   AckFunc
	done       sync.Once
}

// NewAckChain creates a chain rooted at one implicit branch (the
// message's initial delivery path) with the given terminal callback.
// fn may be nil for messages that don't need an ack (path options with
// ack_needed=false).
func NewAckChain(fn AckFunc) *AckChain {
	return &AckChain{pending: 1, callback: fn}
}

// AddAck records that the message is about to fan out into n
// additional concurrent branches beyond the one already pending.
func (c *AckChain) AddAck(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&c.pending, int64(n))
}

// Ack records one branch's terminal outcome. When the pending count
// reaches zero the callback fires exactly once with the combined
// outcome.
func (c *AckChain) Ack(outcome AckOutcome) {
	switch outcome {
	case AckProcessed:
		atomic.AddInt64(&c.processed, 1)
	case AckSuspended:
		atomic.AddInt64(&c.suspended, 1)
	default:
		atomic.AddInt64(&c.aborted, 1)
	}

	if atomic.AddInt64(&c.pending, -1) == 0 {
		c.done.Do(func() {
			combined := c.combine()
			metrics.MessageAckOutcomesTotal.WithLabelValues(combined.String()).Inc()
			if c.callback != nil {
				c.callback(combined)
			}
		})
	}
}

// Pending reports the current outstanding branch count, for tests and
// diagnostics.
func (c *AckChain) Pending() int64 {
	return atomic.LoadInt64(&c.pending)
}

func (c *AckChain) combine() AckOutcome {
	if atomic.LoadInt64(&c.processed) > 0 {
		return AckProcessed
	}
	if atomic.LoadInt64(&c.suspended) > 0 {
		return AckSuspended
	}
	return AckAborted
}
