package qdisk

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/nadorp/logpipe/internal/metrics"
	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/tracing"
)

// Push serialises msg and appends it to the queue, per §4.5's push
// algorithm: non-reliable mode absorbs bursts into an in-memory front
// cache first; once that is full (or in reliable mode), every push is
// persisted immediately, wrap-aware, with the header flushed
// afterward (fdatasync'd in reliable mode).
func (q *QDisk) Push(msg *message.Message) error {
	if q.tracer != nil {
		tc := tracing.NewTraceableContext(context.Background(), q.tracer, "qdisk.push")
		defer tc.End()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateOpen {
		metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return apperr.New(apperr.KindIO, apperr.CodeIOWrite, "qdisk", "Push", "queue not open")
	}

	if !q.cfg.Reliable && q.cfg.FrontCacheMax > 0 && len(q.frontCache) < q.cfg.FrontCacheMax {
		q.frontCache = append(q.frontCache, frontEntry{msg: msg})
		metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "ok").Inc()
		return nil
	}

	payload, err := msg.Serialize()
	if err != nil {
		metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return err
	}
	frame, err := encodeFrame(payload, q.codec)
	if err != nil {
		metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return err
	}

	needed := uint64(len(frame))
	free := q.freeBytesLocked()
	if needed > free {
		if q.header.Length != 0 {
			metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "rejected").Inc()
			return apperr.New(apperr.KindResource, apperr.CodeResourceExhausted, "qdisk", "Push", "queue full")
		}
		// §4.5 invariant: a single oversized record never stalls an
		// otherwise-empty queue. This port grows the backing file
		// permanently to accommodate it, rather than only temporarily.
		if err := q.growForOversized(needed); err != nil {
			metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "error").Inc()
			return err
		}
	}

	if err := q.ringWriteAt(q.header.WriterHead, frame); err != nil {
		q.logger.WithError(err).Warn("qdisk: push write failed, message dropped")
		metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return apperr.New(apperr.KindIO, apperr.CodeIOWrite, "qdisk", "Push", "frame write failed").Wrap(err)
	}
	q.header.WriterHead = (q.header.WriterHead + uint64(len(frame))) % q.ringSize()
	q.header.Length++
	if err := q.flushHeader(); err != nil {
		metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return err
	}
	metrics.QDiskPushTotal.WithLabelValues(q.cfg.Name, "ok").Inc()
	return nil
}

func (q *QDisk) growForOversized(needed uint64) error {
	newMax := HeaderSize + needed
	if newMax <= q.header.MaxSize {
		return nil
	}
	if err := q.file.Truncate(int64(newMax)); err != nil {
		return apperr.IO("growForOversized", "truncate failed").Wrap(err)
	}
	q.header.MaxSize = newMax
	return nil
}

// Pop removes and returns the oldest unread record, per §4.5's pop
// algorithm. It returns (nil, nil) when the queue is empty. In
// reliable mode the record is retained in the on-disk backlog until
// Ack; in non-reliable mode backlog_head tracks reader_head directly.
func (q *QDisk) Pop() (*message.Message, error) {
	if q.tracer != nil {
		tc := tracing.NewTraceableContext(context.Background(), q.tracer, "qdisk.pop")
		defer tc.End()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != StateOpen {
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return nil, apperr.New(apperr.KindIO, apperr.CodeIORead, "qdisk", "Pop", "queue not open")
	}

	if len(q.frontCache) > 0 {
		e := q.frontCache[0]
		q.frontCache = q.frontCache[1:]
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "ok").Inc()
		return e.msg, nil
	}
	if q.header.Length == 0 {
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "empty").Inc()
		return nil, nil
	}

	lenBuf := make([]byte, 4)
	if err := q.ringReadAt(q.header.ReaderHead, lenBuf); err != nil {
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return nil, apperr.New(apperr.KindIO, apperr.CodeIORead, "qdisk", "Pop", "length read failed").Wrap(err)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen == 0 || uint64(frameLen) > q.ringSize() {
		msg, err := q.skipCorruptFrameLocked()
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "corrupt").Inc()
		return msg, err
	}

	body := make([]byte, frameLen)
	if err := q.ringReadAt(q.header.ReaderHead+4, body); err != nil {
		q.logger.WithError(err).Warn("qdisk: pop read failed, rewinding one record")
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return nil, apperr.New(apperr.KindIO, apperr.CodeIORead, "qdisk", "Pop", "frame read failed").Wrap(err)
	}
	payload, err := decodeFrame(body, q.codec)
	if err != nil {
		msg, err := q.skipCorruptFrameLocked()
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "corrupt").Inc()
		return msg, err
	}
	msg, err := message.Deserialize(payload, q.cfg.Registry)
	if err != nil {
		msg, err := q.skipCorruptFrameLocked()
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "corrupt").Inc()
		return msg, err
	}

	q.header.ReaderHead = (q.header.ReaderHead + 4 + uint64(frameLen)) % q.ringSize()
	q.header.Length--
	if q.cfg.Reliable {
		q.header.BacklogCount++
	} else {
		q.header.BacklogHead = q.header.ReaderHead
	}
	if err := q.flushHeader(); err != nil {
		metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "error").Inc()
		return nil, err
	}
	metrics.QDiskPopTotal.WithLabelValues(q.cfg.Name, "ok").Inc()
	return msg, nil
}

// skipCorruptFrameLocked implements the "I/O read error during pop"
// failure semantics (§4.5): log, advance the reader past the bad frame
// when its length prefix is in range, and decrement logical length.
func (q *QDisk) skipCorruptFrameLocked() (*message.Message, error) {
	q.logger.Warn("qdisk: corrupt frame skipped during pop")
	lenBuf := make([]byte, 4)
	if err := q.ringReadAt(q.header.ReaderHead, lenBuf); err == nil {
		frameLen := binary.BigEndian.Uint32(lenBuf)
		if frameLen > 0 && uint64(frameLen) <= q.ringSize() {
			q.header.ReaderHead = (q.header.ReaderHead + 4 + uint64(frameLen)) % q.ringSize()
		}
	}
	if q.header.Length > 0 {
		q.header.Length--
	}
	if !q.cfg.Reliable {
		q.header.BacklogHead = q.header.ReaderHead
	}
	_ = q.flushHeader()
	return nil, apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "Pop", "frame corrupt, skipped")
}

// Ack advances backlog_head by n records, walking forward from its
// current position re-reading frame lengths, per §4.5. When
// backlog_head catches up to writer_head (queue fully drained), the
// file may be truncated if compaction conditions are met.
func (q *QDisk) Ack(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.cfg.Reliable {
		return nil
	}
	pos := q.header.BacklogHead
	for i := 0; i < n; i++ {
		lenBuf := make([]byte, 4)
		if err := q.ringReadAt(pos, lenBuf); err != nil {
			return apperr.New(apperr.KindIO, apperr.CodeIORead, "qdisk", "Ack", "backlog walk failed").Wrap(err)
		}
		frameLen := binary.BigEndian.Uint32(lenBuf)
		pos = (pos + 4 + uint64(frameLen)) % q.ringSize()
	}
	q.header.BacklogHead = pos
	if uint64(n) >= q.header.BacklogCount {
		q.header.BacklogCount = 0
	} else {
		q.header.BacklogCount -= uint64(n)
	}
	if q.header.BacklogHead == q.header.WriterHead {
		q.maybeTruncateLocked()
	}
	return q.flushHeader()
}

// Rewind restores the last n popped-but-unacked records to the read
// side, in original order, per §4.5: it re-increments logical length
// and moves reader_head back to the position n records before its
// current value, found by walking forward from backlog_head.
func (q *QDisk) Rewind(n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if uint64(n) > q.header.BacklogCount {
		n = int(q.header.BacklogCount)
	}
	walk := q.header.BacklogCount - uint64(n)
	pos := q.header.BacklogHead
	for i := uint64(0); i < walk; i++ {
		lenBuf := make([]byte, 4)
		if err := q.ringReadAt(pos, lenBuf); err != nil {
			return apperr.New(apperr.KindIO, apperr.CodeIORead, "qdisk", "Rewind", "backlog walk failed").Wrap(err)
		}
		frameLen := binary.BigEndian.Uint32(lenBuf)
		pos = (pos + 4 + uint64(frameLen)) % q.ringSize()
	}
	q.header.ReaderHead = pos
	q.header.BacklogCount -= uint64(n)
	q.header.Length += uint64(n)
	return q.flushHeader()
}

func (q *QDisk) maybeTruncateLocked() {
	if q.header.Flags&HeaderFlagPreallocated != 0 {
		return
	}
	info, err := q.file.Stat()
	if err != nil {
		return
	}
	threshold := float64(q.header.MaxSize) * q.cfg.TruncateSizeRatio
	if float64(info.Size()) > threshold {
		if err := q.file.Truncate(HeaderSize); err != nil {
			q.logger.WithError(err).Warn("qdisk: truncate-on-drain failed")
			return
		}
		q.header.Flags |= HeaderFlagCompacted
		metrics.QDiskCompactionsTotal.WithLabelValues(q.cfg.Name).Inc()
	}
}

// Stop transitions the queue through draining to stopped, closing the
// underlying file. Push/Pop/Ack/Rewind all take the same mutex Stop
// does, so by the time Stop acquires it every in-flight call has
// already completed (§4.5 "draining until in-flight writers
// complete").
func (q *QDisk) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = StateDraining
	if err := q.file.Close(); err != nil {
		return apperr.New(apperr.KindIO, apperr.CodeIOWrite, "qdisk", "Stop", "close failed").Wrap(err)
	}
	q.state = StateStopped
	return nil
}

// Restart reopens a stopped queue's file. Valid only from Stopped.
func (q *QDisk) Restart() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateStopped {
		return apperr.Invariant("Restart", "restart is only valid from the stopped state")
	}
	f, err := os.OpenFile(q.cfg.Path, os.O_RDWR, 0o644)
	if err != nil {
		return apperr.IO("Restart", "reopen failed").Wrap(err)
	}
	q.file = f
	q.state = StateOpen
	return nil
}
