// Package config loads phasectl settings from YAML and turns them into
// engine, worker and transport options.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/engine"
	"github.com/goliatone/go-phase/recovery"
	"github.com/goliatone/go-phase/worker"
)

const (
	WorkerSimulated = "simulated"
	WorkerHTTP      = "http"
)

// Config is the root of the YAML document.
type Config struct {
	Engine    EngineConfig            `json:"engine" yaml:"engine"`
	Worker    WorkerConfig            `json:"worker" yaml:"worker"`
	Server    ServerConfig            `json:"server" yaml:"server"`
	NATS      NATSConfig              `json:"nats" yaml:"nats"`
	Log       LogConfig               `json:"log" yaml:"log"`
	Retention RetentionConfig         `json:"retention" yaml:"retention"`
	Catalog   []phase.PhaseDefinition `json:"catalog,omitempty" yaml:"catalog,omitempty"`
}

type EngineConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	PollInterval  time.Duration `json:"poll_interval" yaml:"poll_interval"`
	BackoffBase   time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax    time.Duration `json:"backoff_max" yaml:"backoff_max"`
	RateLimitWait time.Duration `json:"rate_limit_wait" yaml:"rate_limit_wait"`
	QueueDelay    time.Duration `json:"queue_delay" yaml:"queue_delay"`
	// AutoAdvance is a pointer so an explicit false survives defaulting.
	AutoAdvance *bool `json:"auto_advance,omitempty" yaml:"auto_advance,omitempty"`
}

type WorkerConfig struct {
	Kind              string            `json:"kind" yaml:"kind"`
	BaseURL           string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout           time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Headers           map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RequestsPerSecond float64           `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	Burst             int               `json:"burst,omitempty" yaml:"burst,omitempty"`
	Providers         []string          `json:"providers,omitempty" yaml:"providers,omitempty"`
	Options           map[string]any    `json:"options,omitempty" yaml:"options,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type NATSConfig struct {
	URL           string `json:"url,omitempty" yaml:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Enabled reports whether a NATS URL is configured.
func (n NATSConfig) Enabled() bool {
	return strings.TrimSpace(n.URL) != ""
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type RetentionConfig struct {
	Schedule string        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	MaxAge   time.Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
	// Timezone is an IANA name the schedule is evaluated in. Empty means local time.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Location resolves Timezone.
func (r RetentionConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(r.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, phase.NewError(phase.ErrInvalidConfiguration, "retention.timezone is not a known location", err, map[string]any{
			"value": r.Timezone,
		})
	}
	return loc, nil
}

// Default returns a config with every default applied.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, phase.NewError(phase.ErrInvalidConfiguration, "read config file", err, map[string]any{
			"path": path,
		})
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON), applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, phase.NewError(phase.ErrInvalidConfiguration, "parse config", err, nil)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	policy := recovery.DefaultPolicy()
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = engine.DefaultMaxAttempts
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = engine.DefaultPollInterval
	}
	if c.Engine.BackoffBase == 0 {
		c.Engine.BackoffBase = policy.BackoffBase
	}
	if c.Engine.BackoffMax == 0 {
		c.Engine.BackoffMax = policy.BackoffMax
	}
	if c.Engine.RateLimitWait == 0 {
		c.Engine.RateLimitWait = policy.RateLimitWait
	}
	if c.Engine.QueueDelay == 0 {
		c.Engine.QueueDelay = policy.QueueDelay
	}
	if c.Engine.AutoAdvance == nil {
		enabled := true
		c.Engine.AutoAdvance = &enabled
	}

	c.Worker.Kind = strings.ToLower(strings.TrimSpace(c.Worker.Kind))
	if c.Worker.Kind == "" {
		c.Worker.Kind = WorkerSimulated
	}
	if c.Worker.Timeout == 0 {
		c.Worker.Timeout = 30 * time.Second
	}
	if c.Worker.RequestsPerSecond > 0 && c.Worker.Burst == 0 {
		c.Worker.Burst = 1
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "phase"
	}
	if c.NATS.Name == "" {
		c.NATS.Name = "phasectl"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Retention.Schedule != "" && c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 24 * time.Hour
	}
}

// Validate checks values that defaults cannot repair.
func (c Config) Validate() error {
	switch {
	case c.Engine.MaxAttempts < 1:
		return invalid("engine.max_attempts must be at least 1", c.Engine.MaxAttempts)
	case c.Engine.PollInterval < 0:
		return invalid("engine.poll_interval must be positive", c.Engine.PollInterval.String())
	case c.Engine.BackoffMax < c.Engine.BackoffBase:
		return invalid("engine.backoff_max must not be below backoff_base", c.Engine.BackoffMax.String())
	case c.Worker.RequestsPerSecond < 0:
		return invalid("worker.requests_per_second must not be negative", c.Worker.RequestsPerSecond)
	case c.Retention.MaxAge < 0:
		return invalid("retention.max_age must not be negative", c.Retention.MaxAge.String())
	}

	if _, err := c.Retention.Location(); err != nil {
		return err
	}

	switch c.Worker.Kind {
	case WorkerSimulated:
	case WorkerHTTP:
		if strings.TrimSpace(c.Worker.BaseURL) == "" {
			return invalid("worker.base_url is required for the http worker", c.Worker.BaseURL)
		}
	default:
		return invalid("worker.kind must be simulated or http", c.Worker.Kind)
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json", "text":
	default:
		return invalid("log.format must be console, json or text", c.Log.Format)
	}
	if _, ok := phase.ParseLevel(c.Log.Level); !ok {
		return invalid("log.level must be trace, debug, info, warn, error or fatal", c.Log.Level)
	}

	if len(c.Catalog) > 0 {
		if _, err := phase.NewCatalog(c.Catalog...); err != nil {
			return phase.NewError(phase.ErrInvalidConfiguration, "invalid catalog", err, nil)
		}
	}
	return nil
}

// BuildCatalog returns the configured catalog, or the default one.
func (c Config) BuildCatalog() (phase.Catalog, error) {
	if len(c.Catalog) == 0 {
		return phase.DefaultCatalog(), nil
	}
	catalog, err := phase.NewCatalog(c.Catalog...)
	if err != nil {
		return phase.Catalog{}, phase.NewError(phase.ErrInvalidConfiguration, "invalid catalog", err, nil)
	}
	return catalog, nil
}

// Policy returns the default decision table with the configured timings.
func (c Config) Policy() recovery.Policy {
	p := recovery.DefaultPolicy()
	p.BackoffBase = c.Engine.BackoffBase
	p.BackoffMax = c.Engine.BackoffMax
	p.RateLimitWait = c.Engine.RateLimitWait
	p.QueueDelay = c.Engine.QueueDelay
	return p
}

// EngineOptions converts the engine and worker sections to engine options.
func (c Config) EngineOptions() ([]engine.Option, error) {
	catalog, err := c.BuildCatalog()
	if err != nil {
		return nil, err
	}
	autoAdvance := true
	if c.Engine.AutoAdvance != nil {
		autoAdvance = *c.Engine.AutoAdvance
	}
	opts := []engine.Option{
		engine.WithCatalog(catalog),
		engine.WithMaxAttempts(c.Engine.MaxAttempts),
		engine.WithPollInterval(c.Engine.PollInterval),
		engine.WithPolicy(c.Policy()),
		engine.WithAutoAdvance(autoAdvance),
	}
	if len(c.Worker.Options) > 0 {
		opts = append(opts, engine.WithConfig(worker.Config(c.Worker.Options).Clone()))
	}
	if len(c.Worker.Providers) > 0 {
		opts = append(opts, engine.WithProviders(c.Worker.Providers...))
	}
	return opts, nil
}

// BuildWorker returns the configured worker client. Execution is rate
// limited when requests_per_second is set.
func (c Config) BuildWorker() (worker.Client, error) {
	var client worker.Client
	switch c.Worker.Kind {
	case WorkerSimulated:
		client = worker.NewSimulated()
	case WorkerHTTP:
		var opts []worker.HTTPOption
		for k, v := range c.Worker.Headers {
			opts = append(opts, worker.WithHeader(k, v))
		}
		client = worker.NewHTTPClient(c.Worker.BaseURL, c.Worker.Timeout, opts...)
	default:
		return nil, invalid("worker.kind must be simulated or http", c.Worker.Kind)
	}
	if c.Worker.RequestsPerSecond > 0 {
		client = worker.NewRateLimited(client, c.Worker.RequestsPerSecond, c.Worker.Burst)
	}
	return client, nil
}

// Logger builds the logger described by the log section: go-logger for the
// console and json formats, the plain FmtLogger for text.
func (c Config) Logger(out io.Writer) phase.Logger {
	if strings.EqualFold(c.Log.Format, "text") {
		level, _ := phase.ParseLevel(c.Log.Level)
		return phase.NewFmtLogger(out).WithLevel(level)
	}
	return phase.NewGlogLogger(out, c.Log.Level, c.Log.Format)
}

// Marshal renders the config back to YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(msg string, value any) error {
	return phase.NewError(phase.ErrInvalidConfiguration, msg, nil, map[string]any{
		"value": fmt.Sprint(value),
	})
}
