// Package config loads the daemon's configuration from a YAML file,
// layers environment-variable overrides on top, fills defaults, and
// validates the result before anything downstream starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/nadorp/logpipe/pkg/apperr"
	"github.com/nadorp/logpipe/pkg/backpressure"
	"github.com/nadorp/logpipe/pkg/qdisk"
	"github.com/nadorp/logpipe/pkg/tracing"
)

// AppConfig holds process-wide identity and logging settings.
type AppConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level"`
}

// WorkersConfig sizes the dispatch runtime's worker pool (C4).
type WorkersConfig struct {
	Count      int `yaml:"count"`
	QueueDepth int `yaml:"queue_depth"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ControlConfig controls the reload/health/stats HTTP surface.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// QDiskDefaults are the durable-queue settings used by every destination
// that enables qdisk_fallback; there is no per-destination override.
type QDiskDefaults struct {
	Dir               string  `yaml:"dir"`
	MaxSize           uint64  `yaml:"max_size_bytes"`
	Reliable          bool    `yaml:"reliable"`
	FrontCacheMax     int     `yaml:"front_cache_max"`
	Preallocate       bool    `yaml:"preallocate"`
	TruncateSizeRatio float64 `yaml:"truncate_size_ratio"`
	Codec             string  `yaml:"codec"` // "", "snappy", "zstd", "lz4"
}

// FileSourceConfig tails a single file or a glob of files in a watched
// directory.
type FileSourceConfig struct {
	Path         string `yaml:"path"`
	Dir          string `yaml:"dir"`
	Pattern      string `yaml:"pattern"`
	Seek         string `yaml:"seek"` // "beginning", "end", "recent"
	RecentBytes  int64  `yaml:"recent_bytes"`
	PollFallback bool   `yaml:"poll_fallback"`
}

// ContainerSourceConfig collects logs from the local Docker daemon.
type ContainerSourceConfig struct{}

// SourceConfig is one configured source block.
type SourceConfig struct {
	Name      string                `yaml:"name"`
	Kind      string                `yaml:"kind"` // "file", "container"
	AckNeeded bool                  `yaml:"ack_needed"`
	File      FileSourceConfig      `yaml:"file"`
	Container ContainerSourceConfig `yaml:"container"`
}

// KafkaAuthConfig configures SASL on a Kafka destination.
type KafkaAuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Mechanism string `yaml:"mechanism"`
}

// KafkaDestinationConfig configures one Kafka producer destination.
type KafkaDestinationConfig struct {
	Brokers         []string        `yaml:"brokers"`
	Topic           string          `yaml:"topic"`
	Compression     string          `yaml:"compression"`
	RequiredAcks    int16           `yaml:"required_acks"`
	MaxMessageBytes int             `yaml:"max_message_bytes"`
	RetryMax        int             `yaml:"retry_max"`
	Auth            KafkaAuthConfig `yaml:"auth"`
}

// DestinationConfig is one configured destination block.
type DestinationConfig struct {
	Name          string                 `yaml:"name"`
	Kind          string                 `yaml:"kind"` // "kafka"
	Kafka         KafkaDestinationConfig `yaml:"kafka"`
	QDiskFallback bool                   `yaml:"qdisk_fallback"`
}

// FilterConfig is one named filter block: it drops a message unless
// Field equals Match (or, if Match is empty, unless Field is set).
type FilterConfig struct {
	Name  string `yaml:"name"`
	Field string `yaml:"field"`
	Match string `yaml:"match"`
	Negate bool  `yaml:"negate"`
}

// ParserConfig is one named parser block.
type ParserConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // "json", "kv"
}

// RewriteConfig is one named rewrite block: it sets Field to Value.
// Value is stored as a literal string; "${...}" references in it are
// not expanded.
type RewriteConfig struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"` // "set", "unset"
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// RuleRef names one step of a rule's pipeline, by content kind and
// name (or "catch_all" on the rule itself, handled separately).
type RuleRef struct {
	Kind string `yaml:"kind"` // "source", "filter", "parser", "rewrite", "destination"
	Name string `yaml:"name"`
}

// RuleConfig is one top-level log statement: an ordered list of steps,
// optionally flagged final/fallback/flow_control/drop_unmatched, or
// marked catch_all to receive every source not already named.
type RuleConfig struct {
	Name            string    `yaml:"name"`
	Steps           []RuleRef `yaml:"steps"`
	Final           bool      `yaml:"final"`
	Fallback        bool      `yaml:"fallback"`
	FlowControl     bool      `yaml:"flow_control"`
	DropUnmatched   bool      `yaml:"drop_unmatched"`
	CatchAll        bool      `yaml:"catch_all"`
}

// Daemon is the whole parsed and validated configuration.
type Daemon struct {
	App          AppConfig           `yaml:"app"`
	Workers      WorkersConfig       `yaml:"workers"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	Control      ControlConfig       `yaml:"control"`
	Tracing      tracing.TracingConfig `yaml:"tracing"`
	Backpressure backpressure.Config `yaml:"backpressure"`
	QDisk        QDiskDefaults       `yaml:"qdisk"`
	Sources      []SourceConfig      `yaml:"sources"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Filters      []FilterConfig      `yaml:"filters"`
	Parsers      []ParserConfig      `yaml:"parsers"`
	Rewrites     []RewriteConfig     `yaml:"rewrites"`
	Rules        []RuleConfig        `yaml:"rules"`

	loadedFrom string
}

// LoadConfig reads configFile (if non-empty), applies defaults, then
// layers environment-variable overrides on top, and validates the
// result. A missing or unreadable file is not fatal by itself — the
// daemon can run on defaults plus env vars alone — but a validation
// failure is.
func LoadConfig(configFile string) (*Daemon, error) {
	d := &Daemon{}

	if configFile != "" {
		if err := loadConfigFile(configFile, d); err != nil {
			fmt.Printf("Warning: failed to load config file %s: %v\n", configFile, err)
		} else {
			d.loadedFrom = configFile
		}
	}

	applyDefaults(d)
	applyEnvironmentOverrides(d)

	if err := ValidateConfig(d); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return d, nil
}

func loadConfigFile(filename string, d *Daemon) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, d)
}

func applyDefaults(d *Daemon) {
	if d.App.Name == "" {
		d.App.Name = "logpipe"
	}
	if d.App.Version == "" {
		d.App.Version = "dev"
	}
	if d.App.LogLevel == "" {
		d.App.LogLevel = "info"
	}
	if d.Workers.Count <= 0 {
		d.Workers.Count = 4
	}
	if d.Workers.QueueDepth <= 0 {
		d.Workers.QueueDepth = 1024
	}
	if d.Metrics.Addr == "" {
		d.Metrics.Addr = ":9090"
	}
	if d.Control.Addr == "" {
		d.Control.Addr = ":9091"
	}
	if d.Tracing.ServiceName == "" {
		def := tracing.DefaultTracingConfig()
		def.Enabled = d.Tracing.Enabled
		if d.Tracing.Exporter != "" {
			def.Exporter = d.Tracing.Exporter
		}
		if d.Tracing.Endpoint != "" {
			def.Endpoint = d.Tracing.Endpoint
		}
		d.Tracing = def
	}
	if d.QDisk.Dir == "" {
		d.QDisk.Dir = "/var/lib/logpipe/qdisk"
	}
	if d.QDisk.MaxSize == 0 {
		d.QDisk.MaxSize = 64 << 20
	}
	if d.QDisk.TruncateSizeRatio == 0 {
		d.QDisk.TruncateSizeRatio = 0.5
	}
	for i := range d.Sources {
		if d.Sources[i].File.Seek == "" {
			d.Sources[i].File.Seek = "end"
		}
	}
}

func applyEnvironmentOverrides(d *Daemon) {
	d.App.LogLevel = getEnvString("LOGPIPE_LOG_LEVEL", d.App.LogLevel)
	d.Workers.Count = getEnvInt("LOGPIPE_WORKERS", d.Workers.Count)
	d.Workers.QueueDepth = getEnvInt("LOGPIPE_QUEUE_DEPTH", d.Workers.QueueDepth)
	d.Metrics.Addr = getEnvString("LOGPIPE_METRICS_ADDR", d.Metrics.Addr)
	d.Control.Addr = getEnvString("LOGPIPE_CONTROL_ADDR", d.Control.Addr)
	d.QDisk.Dir = getEnvString("LOGPIPE_QDISK_DIR", d.QDisk.Dir)
	d.Tracing.Enabled = getEnvBool("LOGPIPE_TRACING_ENABLED", d.Tracing.Enabled)
	d.Tracing.Endpoint = getEnvString("LOGPIPE_TRACING_ENDPOINT", d.Tracing.Endpoint)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			return dur
		}
	}
	return defaultValue
}

// ValidateConfig runs every section's checks and joins the failures.
func ValidateConfig(d *Daemon) error {
	v := &ConfigValidator{config: d}
	return v.Validate()
}

// ConfigValidator accumulates every validation failure instead of
// stopping at the first one, so a misconfigured daemon reports all of
// its problems in a single pass.
type ConfigValidator struct {
	config *Daemon
	errors []error
}

func (v *ConfigValidator) addError(component, operation, message string) {
	v.errors = append(v.errors, apperr.Config(operation, message).WithMetadata("component", component))
}

// Validate runs every section check and returns a joined error.
func (v *ConfigValidator) Validate() error {
	v.validateApp()
	v.validateWorkers()
	v.validateSources()
	v.validateDestinations()
	v.validateRules()

	if len(v.errors) > 0 {
		return v.buildValidationError()
	}
	return nil
}

func (v *ConfigValidator) validateApp() {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[strings.ToLower(v.config.App.LogLevel)] {
		v.addError("app", "validate_log_level", "log level must be one of trace/debug/info/warn/error/fatal/panic")
	}
}

func (v *ConfigValidator) validateWorkers() {
	if v.config.Workers.Count <= 0 {
		v.addError("workers", "validate_count", "worker count must be positive")
	}
	if v.config.Workers.QueueDepth <= 0 {
		v.addError("workers", "validate_queue_depth", "queue depth must be positive")
	}
}

func (v *ConfigValidator) validateSources() {
	seen := make(map[string]bool)
	for _, s := range v.config.Sources {
		if s.Name == "" {
			v.addError("sources", "validate_name", "source name cannot be empty")
			continue
		}
		if seen[s.Name] {
			v.addError("sources", "validate_name", "duplicate source name: "+s.Name)
		}
		seen[s.Name] = true
		switch s.Kind {
		case "file":
			if s.File.Path == "" && s.File.Dir == "" {
				v.addError("sources", "validate_file", "file source "+s.Name+" needs either path or dir")
			}
		case "container":
			// no required fields
		default:
			v.addError("sources", "validate_kind", "unknown source kind for "+s.Name+": "+s.Kind)
		}
	}
}

func (v *ConfigValidator) validateDestinations() {
	seen := make(map[string]bool)
	for _, dest := range v.config.Destinations {
		if dest.Name == "" {
			v.addError("destinations", "validate_name", "destination name cannot be empty")
			continue
		}
		if seen[dest.Name] {
			v.addError("destinations", "validate_name", "duplicate destination name: "+dest.Name)
		}
		seen[dest.Name] = true
		switch dest.Kind {
		case "kafka":
			if len(dest.Kafka.Brokers) == 0 {
				v.addError("destinations", "validate_kafka", "kafka destination "+dest.Name+" needs at least one broker")
			}
			if dest.Kafka.Topic == "" {
				v.addError("destinations", "validate_kafka", "kafka destination "+dest.Name+" needs a topic")
			}
		default:
			v.addError("destinations", "validate_kind", "unknown destination kind for "+dest.Name+": "+dest.Kind)
		}
	}
}

func (v *ConfigValidator) validateRules() {
	if len(v.config.Rules) == 0 {
		v.addError("rules", "validate_rules", "at least one rule is required")
	}
	for _, r := range v.config.Rules {
		if len(r.Steps) == 0 && !r.CatchAll {
			v.addError("rules", "validate_steps", "rule "+r.Name+" has no steps")
		}
	}
}

func (v *ConfigValidator) buildValidationError() error {
	msgs := make([]string, len(v.errors))
	for i, e := range v.errors {
		msgs[i] = e.Error()
	}
	return apperr.Config("Validate", strings.Join(msgs, "; "))
}

// ResolveQDiskConfig builds a qdisk.Config for name, layering per-
// destination overrides (none yet exposed) on top of the daemon-wide
// QDiskDefaults.
func ResolveQDiskConfig(d *Daemon, name string) qdisk.Config {
	return qdisk.Config{
		Name:              name,
		Path:              d.QDisk.Dir + "/" + name + ".qdisk",
		Reliable:          d.QDisk.Reliable,
		MaxSize:           d.QDisk.MaxSize,
		FrontCacheMax:     d.QDisk.FrontCacheMax,
		Preallocate:       d.QDisk.Preallocate,
		TruncateSizeRatio: d.QDisk.TruncateSizeRatio,
		Codec:             qdisk.CodecName(d.QDisk.Codec),
	}
}
