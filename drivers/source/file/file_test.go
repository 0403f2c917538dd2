package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadorp/logpipe/pkg/dispatch"
	"github.com/nadorp/logpipe/pkg/message"
	"github.com/nadorp/logpipe/pkg/pipe"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

// newTestGraph builds an arena with one named source feeding a
// recording destination, and a runtime to drive it.
func newTestGraph(t *testing.T, sourceName string) (*pipe.Arena, *dispatch.Runtime, *message.Registry, func() []string) {
	t.Helper()
	arena := pipe.NewArena()
	src := pipe.NewSourcePipe(sourceName)
	srcRef, err := arena.Add(src)
	require.NoError(t, err)

	var mu sync.Mutex
	var lines []string
	dest := pipe.NewDestinationPipe("d1", func(msg *message.Message, _ *pipe.PathOptions) {
		mu.Lock()
		v, _ := msg.GetValue(message.HandleMessage)
		lines = append(lines, string(v.Bytes))
		mu.Unlock()
		msg.Ack(message.AckProcessed)
	})
	destRef, err := arena.Add(dest)
	require.NoError(t, err)
	src.SetNext(destRef)
	_ = srcRef

	reg := message.NewRegistry()
	rt := dispatch.NewRuntime(arena, dispatch.Config{Workers: 1}, testLogger())
	t.Cleanup(func() { _ = rt.StopTimeout(time.Second) })

	return arena, rt, reg, func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(lines))
		copy(out, lines)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestNew_RejectsUnresolvedSourceName(t *testing.T) {
	arena := pipe.NewArena()
	rt := dispatch.NewRuntime(arena, dispatch.Config{Workers: 1}, testLogger())
	defer rt.StopTimeout(time.Second)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	_, err := New(context.Background(), Config{Path: path, SourceName: "ghost"}, rt, arena, message.NewRegistry(), testLogger())
	assert.Error(t, err)
}

func TestSource_TailsNewLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o644))

	arena, rt, reg, collected := newTestGraph(t, "s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, Config{Path: path, SourceName: "s1", Seek: SeekBeginning, AckNeeded: false}, rt, arena, reg, testLogger())
	require.NoError(t, err)

	waitFor(t, func() bool { return len(collected()) >= 1 }, 2*time.Second)
	assert.Contains(t, collected(), "first")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	waitFor(t, func() bool { return len(collected()) >= 2 }, 2*time.Second)
	assert.Contains(t, collected(), "second")

	cancel()
	s.Stop()
}

func TestSeekInfo_Variants(t *testing.T) {
	beg := seekInfo(Config{Seek: SeekBeginning})
	assert.Equal(t, int64(0), beg.Offset)

	end := seekInfo(Config{Seek: SeekEnd})
	assert.Equal(t, int64(0), end.Offset)

	recentDefault := seekInfo(Config{Seek: SeekRecent})
	assert.Equal(t, int64(-(1 << 20)), recentDefault.Offset)

	recentCustom := seekInfo(Config{Seek: SeekRecent, RecentBytes: 512})
	assert.Equal(t, int64(-512), recentCustom.Offset)
}
