package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
rules:
  - name: catch-all
    catch_all: true
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestNew_BuildsAppFromMinimalConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	a, err := New(path)
	require.NoError(t, err)
	require.NotNil(t, a)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	}()

	assert.NotNil(t, a.runtime)
	assert.Nil(t, a.metricsServer)
	assert.Nil(t, a.controlServer)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "rules: []\n")
	_, err := New(path)
	assert.Error(t, err)
}

func TestAppRun_StopsOnContextCancel(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
