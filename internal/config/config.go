// Package config provides configuration types, defaults and validation for swserver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/serviceworker/tracing"
)

// Config holds all configuration options for swserver.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Tracing  tracing.Config `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig sizes the coordinator's queues.
type ServerConfig struct {
	CommandQueueCapacity int           `mapstructure:"command_queue_capacity"`
	TaskQueueCapacity    int           `mapstructure:"task_queue_capacity"`
	ReplyQueueCapacity   int           `mapstructure:"reply_queue_capacity"`
	TrustedHosts         []string      `mapstructure:"trusted_hosts"` // treated as potentially trustworthy besides localhost
	SlowCommandThreshold time.Duration `mapstructure:"slow_command_threshold"`
}

// WatchdogConfig holds the per-stage job timeouts. Zero disables a watchdog.
type WatchdogConfig struct {
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	ContextStartTimeout time.Duration `mapstructure:"context_start_timeout"`
	InstallTimeout      time.Duration `mapstructure:"install_timeout"`
}

// FetchConfig configures the script fetcher.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     uint          `mapstructure:"max_retries"`
	MaxScriptBytes int64         `mapstructure:"max_script_bytes"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DaemonConfig configures the HTTP API.
type DaemonConfig struct {
	Addr string `mapstructure:"addr"`
}

// JournalConfig configures the sqlite job journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Default: ~/.swserver/journal.db
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	Path  string `mapstructure:"path"`  // empty logs to stderr
}

// DefaultJournalPath returns ~/.swserver/journal.db or an empty string if the
// home directory is unavailable.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".swserver", "journal.db")
}

// DefaultTracesFilePath returns ~/.config/swserver/traces/traces.jsonl or an
// empty string if the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "swserver", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			CommandQueueCapacity: 1000,
			TaskQueueCapacity:    256,
			ReplyQueueCapacity:   256,
			TrustedHosts:         []string{},
			SlowCommandThreshold: 100 * time.Millisecond,
		},
		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			MaxRetries:     3,
			MaxScriptBytes: 4 << 20,
			CacheTTL:       10 * time.Minute,
			UserAgent:      "swserver",
		},
		Daemon: DaemonConfig{
			Addr: "localhost:19998",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    DefaultJournalPath(),
		},
		Tracing: tracing.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks every section and returns the first problem found.
func Validate(cfg Config) error {
	if err := ValidateServer(cfg.Server); err != nil {
		return err
	}
	if err := ValidateWatchdog(cfg.Watchdog); err != nil {
		return err
	}
	if err := ValidateFetch(cfg.Fetch); err != nil {
		return err
	}
	if err := ValidateJournal(cfg.Journal); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return ValidateLog(cfg.Log)
}

// ValidateServer checks queue sizing.
func ValidateServer(s ServerConfig) error {
	if s.CommandQueueCapacity <= 0 {
		return fmt.Errorf("server.command_queue_capacity must be positive, got %d", s.CommandQueueCapacity)
	}
	if s.TaskQueueCapacity <= 0 {
		return fmt.Errorf("server.task_queue_capacity must be positive, got %d", s.TaskQueueCapacity)
	}
	if s.ReplyQueueCapacity <= 0 {
		return fmt.Errorf("server.reply_queue_capacity must be positive, got %d", s.ReplyQueueCapacity)
	}
	if s.SlowCommandThreshold < 0 {
		return fmt.Errorf("server.slow_command_threshold must not be negative, got %s", s.SlowCommandThreshold)
	}
	return nil
}

// ValidateWatchdog rejects negative timeouts.
func ValidateWatchdog(w WatchdogConfig) error {
	for name, d := range map[string]time.Duration{
		"watchdog.fetch_timeout":         w.FetchTimeout,
		"watchdog.context_start_timeout": w.ContextStartTimeout,
		"watchdog.install_timeout":       w.InstallTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}

// ValidateFetch checks the fetcher limits.
func ValidateFetch(f FetchConfig) error {
	if f.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive, got %s", f.Timeout)
	}
	if f.MaxScriptBytes <= 0 {
		return fmt.Errorf("fetch.max_script_bytes must be positive, got %d", f.MaxScriptBytes)
	}
	if f.CacheTTL < 0 {
		return fmt.Errorf("fetch.cache_ttl must not be negative, got %s", f.CacheTTL)
	}
	return nil
}

// ValidateJournal requires a path when the journal is enabled.
func ValidateJournal(j JournalConfig) error {
	if j.Enabled && j.Path == "" {
		return fmt.Errorf("journal.path is required when journal.enabled is true")
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	switch t.Exporter {
	case "", "none", "file", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// ValidateLog checks the log level name.
func ValidateLog(l LogConfig) error {
	if l.Level == "" {
		return nil
	}
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# swserver configuration

# Coordinator queues
server:
  command_queue_capacity: 1000   # control goroutine queue size
  task_queue_capacity: 256       # background task queue size
  reply_queue_capacity: 256      # task reply queue size
  slow_command_threshold: 100ms  # warn when a command handler runs longer
  # Hosts treated as potentially trustworthy in addition to localhost
  # trusted_hosts:
  #   - dev.internal

# Job watchdogs (0 disables)
watchdog:
  fetch_timeout: 0s
  context_start_timeout: 0s
  install_timeout: 0s

# Script fetcher
fetch:
  timeout: 30s
  max_retries: 3
  max_script_bytes: 4194304
  cache_ttl: 10m                 # used when update_via_cache is "all"
  user_agent: swserver

# HTTP API
daemon:
  addr: localhost:19998

# Job journal (sqlite)
journal:
  enabled: true
  # path: ~/.swserver/journal.db

# Distributed tracing
# tracing:
#   enabled: false                 # default: false
#   exporter: file                 # none, file, stdout, otlp
#   file_path: ~/.config/swserver/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

# Logging
log:
  level: info                    # debug, info, warn, error
  # path: /tmp/swserver.log      # default: stderr
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
