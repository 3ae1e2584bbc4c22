// Package config loads server settings. Later sources override earlier
// ones: built-in defaults, an optional YAML file, RUNSTREAM_* environment
// variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"runstream/internal/logger"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "RUNSTREAM_"

// Config holds server configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Binary       string        `yaml:"binary"`
	AllowedTools []string      `yaml:"allowed_tools"`
	ExtraArgs    []string      `yaml:"extra_args"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Rows         int           `yaml:"rows"`
	Cols         int           `yaml:"cols"`
	ReplayBytes  int           `yaml:"replay_bytes"`

	HistorySize   int           `yaml:"history_size"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	WatchWorkspace     bool          `yaml:"watch_workspace"`
	WatchDebounce      time.Duration `yaml:"watch_debounce"`
	CheckpointPatterns []string      `yaml:"checkpoint_patterns"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:          ":8420",
		Binary:          "claude",
		AllowedTools:    []string{"Bash", "Read", "Write", "Edit", "MultiEdit", "Glob", "Grep", "Task"},
		RunTimeout:      30 * time.Minute,
		PollInterval:    100 * time.Millisecond,
		Rows:            40,
		Cols:            120,
		ReplayBytes:     64 * 1024,
		HistorySize:     1000,
		PingInterval:    30 * time.Second,
		IdleTimeout:     30 * time.Minute,
		SweepInterval:   time.Minute,
		WatchDebounce:   500 * time.Millisecond,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from args (without the program name) and
// the environment looked up through getenv. It returns pflag.ErrHelp when
// help was requested.
func Load(args []string, getenv func(string) string) (Config, error) {
	// First pass only finds --config; the flag values are applied last.
	var path string
	scratch := Default()
	if err := newFlagSet(&scratch, &path).Parse(args); err != nil {
		return Config{}, err
	}
	if path == "" {
		path = getenv(EnvPrefix + "CONFIG")
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := newFlagSet(&cfg, &path).Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Usage returns the flag help text.
func Usage() string {
	var path string
	cfg := Default()
	return newFlagSet(&cfg, &path).FlagUsages()
}

func newFlagSet(cfg *Config, path *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("runstream", pflag.ContinueOnError)
	fs.StringVarP(path, "config", "c", *path, "YAML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.Binary, "binary", cfg.Binary, "CLI binary to run")
	fs.StringSliceVar(&cfg.AllowedTools, "allowed-tools", cfg.AllowedTools, "tools the CLI may use")
	fs.StringSliceVar(&cfg.ExtraArgs, "extra-args", cfg.ExtraArgs, "additional CLI arguments")
	fs.DurationVar(&cfg.RunTimeout, "run-timeout", cfg.RunTimeout, "maximum duration of one run")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "output liveness poll interval")
	fs.IntVar(&cfg.Rows, "rows", cfg.Rows, "initial terminal rows")
	fs.IntVar(&cfg.Cols, "cols", cfg.Cols, "initial terminal columns")
	fs.IntVar(&cfg.ReplayBytes, "replay-bytes", cfg.ReplayBytes, "raw output kept per process")
	fs.IntVar(&cfg.HistorySize, "history-size", cfg.HistorySize, "envelopes kept per stream")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "client idle time before a ping")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "idle time before a session is reaped")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "idle session sweep interval")
	fs.BoolVar(&cfg.WatchWorkspace, "watch-workspace", cfg.WatchWorkspace, "report on-disk file changes during runs")
	fs.DurationVar(&cfg.WatchDebounce, "watch-debounce", cfg.WatchDebounce, "file change coalescing window")
	fs.StringArrayVar(&cfg.CheckpointPatterns, "checkpoint-pattern", cfg.CheckpointPatterns, "extra checkpoint regexp (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file (default stderr)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for runs on shutdown")
	return fs
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from RUNSTREAM_* variables. PORT is honoured
// when RUNSTREAM_LISTEN is unset.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}

	var errs []error
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = splitList(v)
		}
	}
	integer := func(name string, dst *int) {
		if v := getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := getenv(EnvPrefix + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN", &c.Listen)
	str("BINARY", &c.Binary)
	list("ALLOWED_TOOLS", &c.AllowedTools)
	list("EXTRA_ARGS", &c.ExtraArgs)
	duration("RUN_TIMEOUT", &c.RunTimeout)
	duration("POLL_INTERVAL", &c.PollInterval)
	integer("ROWS", &c.Rows)
	integer("COLS", &c.Cols)
	integer("REPLAY_BYTES", &c.ReplayBytes)
	integer("HISTORY_SIZE", &c.HistorySize)
	duration("PING_INTERVAL", &c.PingInterval)
	duration("IDLE_TIMEOUT", &c.IdleTimeout)
	duration("SWEEP_INTERVAL", &c.SweepInterval)
	boolean("WATCH_WORKSPACE", &c.WatchWorkspace)
	duration("WATCH_DEBOUNCE", &c.WatchDebounce)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.Binary == "" {
		errs = append(errs, errors.New("binary must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"run_timeout":      c.RunTimeout,
		"poll_interval":    c.PollInterval,
		"ping_interval":    c.PingInterval,
		"idle_timeout":     c.IdleTimeout,
		"sweep_interval":   c.SweepInterval,
		"watch_debounce":   c.WatchDebounce,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.PollInterval >= c.RunTimeout {
		errs = append(errs, fmt.Errorf("poll_interval %s must be shorter than run_timeout %s", c.PollInterval, c.RunTimeout))
	}
	if c.Rows <= 0 || c.Rows > 0xFFFF || c.Cols <= 0 || c.Cols > 0xFFFF {
		errs = append(errs, fmt.Errorf("rows and cols must be in 1..65535, got %dx%d", c.Rows, c.Cols))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.ReplayBytes <= 0 {
		errs = append(errs, fmt.Errorf("replay_bytes must be positive, got %d", c.ReplayBytes))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
