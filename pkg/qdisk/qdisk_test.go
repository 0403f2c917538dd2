package qdisk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadorp/logpipe/pkg/message"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func newTestQDisk(t *testing.T, cfg Config) *QDisk {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "test.qdisk")
	if cfg.MaxSize == 0 {
		cfg.MaxSize = HeaderSize + 64*1024
	}
	q, err := Open(cfg, testLogger())
	require.NoError(t, err)
	return q
}

func newTestMessage(reg *message.Registry, payload string) *message.Message {
	return message.New([]byte(payload), message.ParseOptions{}, reg)
}

func TestOpen_CreatesFreshFile(t *testing.T) {
	q := newTestQDisk(t, Config{Reliable: true})
	assert.Equal(t, StateOpen, q.State())
	stats := q.Stats()
	assert.Equal(t, uint64(0), stats.Length)
}

func TestPushPop_RoundTrip(t *testing.T) {
	reg := message.NewRegistry()
	q := newTestQDisk(t, Config{Reliable: true})

	msg := newTestMessage(reg, "hello world")
	require.NoError(t, q.Push(msg))
	assert.Equal(t, uint64(1), q.Stats().Length)

	got, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, uint64(0), q.Stats().Length)
}

func TestPop_EmptyQueueReturnsNil(t *testing.T) {
	q := newTestQDisk(t, Config{Reliable: true})
	msg, err := q.Pop()
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestAck_AdvancesBacklogAndAllowsCompaction(t *testing.T) {
	reg := message.NewRegistry()
	q := newTestQDisk(t, Config{Reliable: true, TruncateSizeRatio: 0.1})

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(newTestMessage(reg, "record")))
	}
	for i := 0; i < 5; i++ {
		_, err := q.Pop()
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(5), q.Stats().BacklogCount)

	require.NoError(t, q.Ack(5))
	assert.Equal(t, uint64(0), q.Stats().BacklogCount)
}

func TestRewind_RestoresPoppedRecords(t *testing.T) {
	reg := message.NewRegistry()
	q := newTestQDisk(t, Config{Reliable: true})

	require.NoError(t, q.Push(newTestMessage(reg, "a")))
	require.NoError(t, q.Push(newTestMessage(reg, "b")))

	first, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, uint64(0), q.Stats().Length)

	require.NoError(t, q.Rewind(2))
	assert.Equal(t, uint64(2), q.Stats().Length)

	again, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, again)
}

func TestPush_OversizedRecordOnEmptyQueueNeverStalls(t *testing.T) {
	reg := message.NewRegistry()
	q := newTestQDisk(t, Config{Reliable: true, MaxSize: HeaderSize + 256})

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	msg := newTestMessage(reg, string(big))
	require.NoError(t, q.Push(msg))
	assert.Equal(t, uint64(1), q.Stats().Length)

	got, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPush_RejectsWhenFullAndNotEmpty(t *testing.T) {
	reg := message.NewRegistry()
	q := newTestQDisk(t, Config{Reliable: true, MaxSize: HeaderSize + 256})

	filler := make([]byte, 64)
	var lastErr error
	for i := 0; i < 20; i++ {
		lastErr = q.Push(newTestMessage(reg, string(filler)))
		if lastErr != nil {
			break
		}
	}
	assert.Error(t, lastErr)
}

func TestNonReliable_FrontCacheAbsorbsBursts(t *testing.T) {
	reg := message.NewRegistry()
	q := newTestQDisk(t, Config{Reliable: false, FrontCacheMax: 4})

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(newTestMessage(reg, "burst")))
	}
	assert.Equal(t, 3, q.Stats().FrontCacheLen)

	msg, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 2, q.Stats().FrontCacheLen)
}

func TestRecover_TruncatesAtFirstInvalidFrame(t *testing.T) {
	reg := message.NewRegistry()
	path := filepath.Join(t.TempDir(), "recover.qdisk")
	cfg := Config{Path: path, Reliable: true, MaxSize: HeaderSize + 64*1024}

	q, err := Open(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Push(newTestMessage(reg, "one")))
	require.NoError(t, q.Push(newTestMessage(reg, "two")))
	require.NoError(t, q.Stop())

	// Corrupt a byte in the middle of the ring body to simulate a torn write.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF, 0xFF, 0xFF}, HeaderSize+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(cfg, testLogger())
	require.NoError(t, err)
	assert.LessOrEqual(t, reopened.Stats().Length, uint64(2))
}

func TestStopRestart_Lifecycle(t *testing.T) {
	q := newTestQDisk(t, Config{Reliable: true})
	require.NoError(t, q.Stop())
	assert.Equal(t, StateStopped, q.State())

	err := q.Restart()
	require.NoError(t, err)
	assert.Equal(t, StateOpen, q.State())
}

func TestRestart_RejectsUnlessStopped(t *testing.T) {
	q := newTestQDisk(t, Config{Reliable: true})
	err := q.Restart()
	assert.Error(t, err)
}

func TestHeader_MarshalUnmarshalRoundTrip(t *testing.T) {
	h := Header{
		Magic:        MagicReliable,
		Version:      CurrentVersion,
		WriterHead:   128,
		ReaderHead:   64,
		BacklogHead:  32,
		BacklogCount: 2,
		Length:       3,
		MaxSize:      1 << 20,
		Flags:        HeaderFlagPreallocated,
	}
	buf := h.Marshal()
	got, err := UnmarshalHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestHeader_RejectsBadChecksum(t *testing.T) {
	h := Header{Magic: MagicReliable, Version: CurrentVersion, MaxSize: 1 << 20}
	buf := h.Marshal()
	buf[10] ^= 0xFF
	_, err := UnmarshalHeader(buf)
	assert.Error(t, err)
}

func TestCodecs_RoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	for _, name := range []CodecName{CodecSnappy, CodecZstd, CodecLZ4} {
		codec, err := NewCodec(name)
		require.NoError(t, err)
		frame, err := encodeFrame(payload, codec)
		require.NoError(t, err)
		out, err := decodeFrame(frame[4:], codec)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}
}

func TestFrame_RejectsTamperedIntegrity(t *testing.T) {
	frame, err := encodeFrame([]byte("payload"), nil)
	require.NoError(t, err)
	body := frame[4:]
	body[0] ^= 0xFF
	_, err = decodeFrame(body, nil)
	assert.Error(t, err)
}
