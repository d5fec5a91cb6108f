package taskrouter

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskrouter/state"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables read by ApplyEnv.
const EnvPrefix = "TASKROUTER_"

// RetryConfig is the retry section of the configuration.
type RetryConfig struct {
	MaxRetries int             `yaml:"max_retries"`
	Backoff    []time.Duration `yaml:"backoff"`
}

// Config holds the process configuration.
type Config struct {
	StateDir       string        `yaml:"state_dir"`
	MaxStateAge    time.Duration `yaml:"max_state_age"`
	MessageLogSize int           `yaml:"message_log_size"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
	PatternsFile   string        `yaml:"patterns_file"`
	FallbackWorker string        `yaml:"fallback_worker"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	ProgressLogDir string        `yaml:"progress_log_dir"`
	MetricsAddr    string        `yaml:"metrics_addr"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	policy := state.DefaultRetryPolicy()
	stateDir := ".taskrouter/state"
	if home, err := os.UserHomeDir(); err == nil {
		stateDir = filepath.Join(home, ".taskrouter", "state")
	}
	return &Config{
		StateDir:       stateDir,
		MaxStateAge:    7 * 24 * time.Hour,
		MessageLogSize: 1000,
		DefaultTimeout: 30 * time.Second,
		StepTimeout:    30 * time.Second,
		Retry: RetryConfig{
			MaxRetries: policy.MaxRetries,
			Backoff:    policy.Backoff,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig reads a YAML file over the defaults and then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TASKROUTER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	env := envLoader{prefix: EnvPrefix, lookup: lookup}
	env.setString("STATE_DIR", &c.StateDir)
	env.setString("PATTERNS_FILE", &c.PatternsFile)
	env.setString("FALLBACK_WORKER", &c.FallbackWorker)
	env.setString("POSTGRES_DSN", &c.PostgresDSN)
	env.setString("LOG_LEVEL", &c.LogLevel)
	env.setString("LOG_FORMAT", &c.LogFormat)
	env.setString("PROGRESS_LOG_DIR", &c.ProgressLogDir)
	env.setString("METRICS_ADDR", &c.MetricsAddr)
	env.setInt("MESSAGE_LOG_SIZE", &c.MessageLogSize)
	env.setInt("MAX_RETRIES", &c.Retry.MaxRetries)
	env.setDuration("MAX_STATE_AGE", &c.MaxStateAge)
	env.setDuration("DEFAULT_TIMEOUT", &c.DefaultTimeout)
	env.setDuration("STEP_TIMEOUT", &c.StepTimeout)
	env.setDurations("BACKOFF", &c.Retry.Backoff)
	return env.err
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxStateAge <= 0 {
		return fmt.Errorf("max_state_age must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	for _, d := range c.Retry.Backoff {
		if d < 0 {
			return fmt.Errorf("retry.backoff cannot contain negative durations")
		}
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// RetryPolicy returns the retry section as a workflow retry policy.
func (c *Config) RetryPolicy() state.RetryPolicy {
	return state.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		Backoff:    append([]time.Duration(nil), c.Retry.Backoff...),
	}
}

// envLoader reads prefixed environment variables. The first parse error is
// kept and later variables are still applied.
type envLoader struct {
	prefix string
	lookup func(string) (string, bool)
	err    error
}

func (l *envLoader) value(key string) (string, bool) {
	val, ok := l.lookup(l.prefix + key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (l *envLoader) fail(key string, err error) {
	if l.err == nil {
		l.err = fmt.Errorf("invalid %s%s: %w", l.prefix, key, err)
	}
}

func (l *envLoader) setString(key string, dst *string) {
	if val, ok := l.value(key); ok {
		*dst = val
	}
}

func (l *envLoader) setInt(key string, dst *int) {
	val, ok := l.value(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = parsed
}

func (l *envLoader) setDuration(key string, dst *time.Duration) {
	val, ok := l.value(key)
	if !ok {
		return
	}
	parsed, err := parseDuration(val)
	if err != nil {
		l.fail(key, err)
		return
	}
	*dst = parsed
}

func (l *envLoader) setDurations(key string, dst *[]time.Duration) {
	val, ok := l.value(key)
	if !ok {
		return
	}
	var out []time.Duration
	for _, part := range strings.Split(val, ",") {
		parsed, err := parseDuration(strings.TrimSpace(part))
		if err != nil {
			l.fail(key, err)
			return
		}
		out = append(out, parsed)
	}
	*dst = out
}

// parseDuration accepts Go duration strings and plain numbers of seconds.
func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
