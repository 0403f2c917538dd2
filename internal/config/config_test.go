package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalDaemon() *Daemon {
	return &Daemon{
		Rules: []RuleConfig{{Name: "r1", CatchAll: true}},
	}
}

func TestLoadConfig_NoFileFailsValidation(t *testing.T) {
	d, err := LoadConfig("")
	require.Error(t, err) // no rules configured, validation fails
	assert.Nil(t, d)
}

func TestApplyDefaults(t *testing.T) {
	d := &Daemon{}
	applyDefaults(d)

	assert.Equal(t, "logpipe", d.App.Name)
	assert.Equal(t, "dev", d.App.Version)
	assert.Equal(t, "info", d.App.LogLevel)
	assert.Equal(t, 4, d.Workers.Count)
	assert.Equal(t, 1024, d.Workers.QueueDepth)
	assert.Equal(t, ":9090", d.Metrics.Addr)
	assert.Equal(t, ":9091", d.Control.Addr)
	assert.Equal(t, "/var/lib/logpipe/qdisk", d.QDisk.Dir)
	assert.Equal(t, uint64(64<<20), d.QDisk.MaxSize)
	assert.Equal(t, 0.5, d.QDisk.TruncateSizeRatio)
}

func TestApplyDefaults_DoesNotOverrideSetValues(t *testing.T) {
	d := &Daemon{}
	d.App.Name = "custom"
	d.Workers.Count = 16
	applyDefaults(d)

	assert.Equal(t, "custom", d.App.Name)
	assert.Equal(t, 16, d.Workers.Count)
}

func TestApplyDefaults_FileSourceSeekDefaultsToEnd(t *testing.T) {
	d := &Daemon{Sources: []SourceConfig{{Name: "s1", Kind: "file", File: FileSourceConfig{Path: "/var/log/app.log"}}}}
	applyDefaults(d)
	assert.Equal(t, "end", d.Sources[0].File.Seek)
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("LOGPIPE_LOG_LEVEL", "debug")
	t.Setenv("LOGPIPE_WORKERS", "8")
	t.Setenv("LOGPIPE_METRICS_ADDR", ":7000")

	d := &Daemon{}
	applyDefaults(d)
	applyEnvironmentOverrides(d)

	assert.Equal(t, "debug", d.App.LogLevel)
	assert.Equal(t, 8, d.Workers.Count)
	assert.Equal(t, ":7000", d.Metrics.Addr)
}

func TestGetEnvInt_InvalidFallsBackToDefault(t *testing.T) {
	t.Setenv("LOGPIPE_WORKERS", "not-a-number")
	assert.Equal(t, 4, getEnvInt("LOGPIPE_WORKERS", 4))
}

func TestValidateConfig_Valid(t *testing.T) {
	d := minimalDaemon()
	applyDefaults(d)
	assert.NoError(t, ValidateConfig(d))
}

func TestValidateConfig_BadLogLevel(t *testing.T) {
	d := minimalDaemon()
	applyDefaults(d)
	d.App.LogLevel = "deafening"
	assert.Error(t, ValidateConfig(d))
}

func TestValidateConfig_NoRules(t *testing.T) {
	d := &Daemon{}
	applyDefaults(d)
	err := ValidateConfig(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one rule")
}

func TestValidateConfig_RuleWithNoSteps(t *testing.T) {
	d := minimalDaemon()
	d.Rules = []RuleConfig{{Name: "empty"}}
	applyDefaults(d)
	err := ValidateConfig(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no steps")
}

func TestValidateConfig_DuplicateSourceName(t *testing.T) {
	d := minimalDaemon()
	d.Sources = []SourceConfig{
		{Name: "s1", Kind: "container"},
		{Name: "s1", Kind: "container"},
	}
	applyDefaults(d)
	err := ValidateConfig(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate source name")
}

func TestValidateConfig_FileSourceNeedsPathOrDir(t *testing.T) {
	d := minimalDaemon()
	d.Sources = []SourceConfig{{Name: "s1", Kind: "file"}}
	applyDefaults(d)
	err := ValidateConfig(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs either path or dir")
}

func TestValidateConfig_UnknownSourceKind(t *testing.T) {
	d := minimalDaemon()
	d.Sources = []SourceConfig{{Name: "s1", Kind: "carrier-pigeon"}}
	applyDefaults(d)
	err := ValidateConfig(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source kind")
}

func TestValidateConfig_KafkaDestinationNeedsBrokersAndTopic(t *testing.T) {
	d := minimalDaemon()
	d.Destinations = []DestinationConfig{{Name: "d1", Kind: "kafka"}}
	applyDefaults(d)
	err := ValidateConfig(d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs at least one broker")
	assert.Contains(t, err.Error(), "needs a topic")
}

func TestLoadConfig_MissingFileIsNotFatal(t *testing.T) {
	d, err := LoadConfig("/nonexistent/path/config.yaml")
	require.Error(t, err) // falls through to defaults, still fails rule validation
	assert.Nil(t, d)
}

func TestLoadConfig_FromFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
app:
  name: test-daemon
sources:
  - name: s1
    kind: container
rules:
  - name: r1
    catch_all: true
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err := LoadConfig(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "test-daemon", d.App.Name)
	assert.Equal(t, "s1", d.Sources[0].Name)
}

func TestResolveQDiskConfig(t *testing.T) {
	d := minimalDaemon()
	applyDefaults(d)
	d.QDisk.Dir = "/tmp/qdisk"
	d.QDisk.Codec = "snappy"

	qcfg := ResolveQDiskConfig(d, "dest1")
	assert.Equal(t, "/tmp/qdisk/dest1.qdisk", qcfg.Path)
	assert.Equal(t, "snappy", string(qcfg.Codec))
}
