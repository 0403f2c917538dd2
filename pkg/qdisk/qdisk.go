// Package qdisk implements the durable queue (C5, "QDisk"): a single
// file holding a 4 KiB header and a ring-buffered body of
// length-prefixed, integrity-checked frames, per §4.5.
package qdisk

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/message"
)

// State is one of the durable queue's lifecycle states (§4.5).
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls one QDisk instance.
type Config struct {
	// Name is the owning destination's persistent name, used as the
	// "queue" label on every metric this instance reports.
	Name               string
	Path               string
	Reliable           bool
	MaxSize            uint64 // total file size including the 4 KiB header
	FrontCacheMax      int    // non-reliable mode only
	Preallocate        bool
	TruncateSizeRatio  float64 // truncate when file size exceeds this fraction of MaxSize and backlog is empty
	Codec              CodecName
	Registry           *message.Registry
	// Tracer, if set, wraps each Push/Pop call in its own span. Nil
	// disables tracing.
	Tracer oteltrace.Tracer
}

// QDisk is one durable-queue instance.
type QDisk struct {
	mu     sync.Mutex
	cfg    Config
	file   *os.File
	header Header
	state  State
	logger *logrus.Logger
	codec  Codec
	tracer oteltrace.Tracer

	frontCache []frontEntry
}

type frontEntry struct {
	msg *message.Message
}

const defaultTruncateRatio = 0.5

// Open opens (creating if necessary) the queue file at cfg.Path and
// performs crash recovery per §4.5.
func Open(cfg Config, logger *logrus.Logger) (*QDisk, error) {
	if cfg.MaxSize <= HeaderSize {
		cfg.MaxSize = HeaderSize + 1<<20
	}
	if cfg.TruncateSizeRatio <= 0 {
		cfg.TruncateSizeRatio = defaultTruncateRatio
	}
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	q := &QDisk{cfg: cfg, logger: logger, codec: codec, tracer: cfg.Tracer, state: StateOpening}

	info, statErr := os.Stat(cfg.Path)
	switch {
	case statErr == nil && info.Size() >= HeaderSize:
		if err := q.openExisting(); err != nil {
			q.state = StateClosed
			return nil, err
		}
	default:
		if err := q.createNew(); err != nil {
			q.state = StateClosed
			return nil, err
		}
	}

	q.state = StateOpen
	return q, nil
}

func (q *QDisk) createNew() error {
	f, err := os.OpenFile(q.cfg.Path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return apperr.IO("createNew", "failed to create qdisk file").Wrap(err)
	}
	q.file = f

	magic := MagicNonReliable
	if q.cfg.Reliable {
		magic = MagicReliable
	}
	q.header = Header{
		Magic:   magic,
		Version: CurrentVersion,
		MaxSize: q.cfg.MaxSize,
	}
	if q.cfg.Preallocate {
		q.header.Flags |= HeaderFlagPreallocated
		if err := f.Truncate(int64(q.cfg.MaxSize)); err != nil {
			return apperr.IO("createNew", "preallocate failed").Wrap(err)
		}
	}
	return q.flushHeader()
}

func (q *QDisk) openExisting() error {
	f, err := os.OpenFile(q.cfg.Path, os.O_RDWR, 0o644)
	if err != nil {
		return apperr.IO("openExisting", "failed to open qdisk file").Wrap(err)
	}
	q.file = f

	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return apperr.IO("openExisting", "failed to read header").Wrap(err)
	}
	header, err := UnmarshalHeader(buf)
	if err != nil {
		backup, backupErr := q.readBackupHeader()
		if backupErr != nil {
			return apperr.New(apperr.KindIO, apperr.CodeIOCorrupt, "qdisk", "openExisting",
				"primary and backup headers both invalid").Wrap(err)
		}
		q.logger.WithError(err).Warn("qdisk: primary header invalid, rolled back to backup")
		header = backup
	}
	q.header = *header
	return q.recover()
}

// recover walks forward from reader_head validating frame lengths and
// embedded integrity checks, truncating logical length at the first
// invalid frame (§4.5 "the queue is never discarded wholesale due to a
// partial tail").
func (q *QDisk) recover() error {
	ringSize := q.ringSize()
	pos := q.header.ReaderHead
	validated := uint64(0)
	for validated < q.header.Length {
		lenBuf := make([]byte, 4)
		if err := q.ringReadAt(pos, lenBuf); err != nil {
			break
		}
		frameLen := binary.BigEndian.Uint32(lenBuf)
		if frameLen == 0 || uint64(frameLen) > ringSize {
			break
		}
		body := make([]byte, frameLen)
		if err := q.ringReadAt(pos+4, body); err != nil {
			break
		}
		if _, err := decodeFrame(body, q.codec); err != nil {
			q.logger.WithError(err).Warn("qdisk: corrupt frame found during recovery, truncating tail")
			break
		}
		pos = (pos + 4 + uint64(frameLen)) % ringSize
		validated++
	}
	if validated < q.header.Length {
		q.header.WriterHead = pos
		q.header.Length = validated
		return q.flushHeader()
	}
	return nil
}

func (q *QDisk) backupPath() string { return q.cfg.Path + ".hdr.bak" }

func (q *QDisk) readBackupHeader() (*Header, error) {
	buf, err := os.ReadFile(q.backupPath())
	if err != nil {
		return nil, err
	}
	return UnmarshalHeader(buf)
}

// flushHeader writes the backup copy first, then the primary, so a
// crash mid-commit leaves at least one valid header (§4.5's "backup
// header written immediately before each commit").
func (q *QDisk) flushHeader() error {
	buf := q.header.Marshal()
	if err := os.WriteFile(q.backupPath(), buf, 0o644); err != nil {
		return apperr.IO("flushHeader", "failed to write backup header").Wrap(err)
	}
	if _, err := q.file.WriteAt(buf, 0); err != nil {
		return apperr.New(apperr.KindIO, apperr.CodeIOWrite, "qdisk", "flushHeader", "header write failed").Wrap(err)
	}
	if q.cfg.Reliable {
		if err := q.file.Sync(); err != nil {
			return apperr.New(apperr.KindIO, apperr.CodeIOWrite, "qdisk", "flushHeader", "header fdatasync failed").Wrap(err)
		}
	}
	return nil
}

func (q *QDisk) ringSize() uint64 { return q.header.MaxSize - HeaderSize }

// ringReadAt reads len(p) bytes starting at ring-relative offset pos,
// wrapping around the ring body as needed.
func (q *QDisk) ringReadAt(pos uint64, p []byte) error {
	ringSize := q.ringSize()
	pos %= ringSize
	remaining := ringSize - pos
	if uint64(len(p)) <= remaining {
		_, err := q.file.ReadAt(p, int64(HeaderSize+pos))
		return err
	}
	if _, err := q.file.ReadAt(p[:remaining], int64(HeaderSize+pos)); err != nil {
		return err
	}
	_, err := q.file.ReadAt(p[remaining:], HeaderSize)
	return err
}

// ringWriteAt writes p starting at ring-relative offset pos, wrapping
// around the ring body as needed.
func (q *QDisk) ringWriteAt(pos uint64, p []byte) error {
	ringSize := q.ringSize()
	pos %= ringSize
	remaining := ringSize - pos
	if uint64(len(p)) <= remaining {
		_, err := q.file.WriteAt(p, int64(HeaderSize+pos))
		return err
	}
	if _, err := q.file.WriteAt(p[:remaining], int64(HeaderSize+pos)); err != nil {
		return err
	}
	_, err := q.file.WriteAt(p[remaining:], HeaderSize)
	return err
}

// State returns the queue's current lifecycle state.
func (q *QDisk) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stats is a snapshot for the metrics registry (§4.5 "memory
// accounting").
type Stats struct {
	Length        uint64
	BacklogCount  uint64
	FileSize      uint64
	FreeBytes     uint64
	FrontCacheLen int
}

// Stats returns a snapshot of the queue's current accounting.
func (q *QDisk) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Length:        q.header.Length,
		BacklogCount:  q.header.BacklogCount,
		FileSize:      q.header.MaxSize,
		FreeBytes:     q.freeBytesLocked(),
		FrontCacheLen: len(q.frontCache),
	}
}

func (q *QDisk) freeBytesLocked() uint64 {
	used := wrapDistance(q.header.BacklogHead, q.header.WriterHead, q.ringSize())
	total := q.ringSize()
	if used >= total {
		return 0
	}
	return total - used
}

// wrapDistance returns the wrap-aware forward distance from a to b
// around a ring of the given size.
func wrapDistance(a, b, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	if b >= a {
		return b - a
	}
	return size - a + b
}
