package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/swserver/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
	// cfgErr is the config load failure reported by commands that need cfg.
	cfgErr error
)

var rootCmd = &cobra.Command{
	Use:   "swserver",
	Short: "A service worker registration coordinator",
	Long: `swserver coordinates service worker registrations: it serializes
register, update and unregister jobs per scope, drives worker lifecycles
through an execution host, and exposes the result over an HTTP API.

Run 'swserver serve' to start the daemon, then use the other commands to
talk to it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/swserver/config.yaml)")
	rootCmd.PersistentFlags().String("addr", "",
		"daemon address (overrides daemon.addr)")

	_ = viper.BindPFlag("daemon.addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func initConfig() {
	setDefaults(viper.GetViper(), config.Defaults())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .swserver/config.yaml (current directory)
		// 2. ~/.config/swserver/config.yaml (user config)
		if _, err := os.Stat(".swserver/config.yaml"); err == nil {
			viper.SetConfigFile(".swserver/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "swserver"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .swserver/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".swserver/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		} else {
			cfgErr = fmt.Errorf("reading config: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil && cfgErr == nil {
		cfgErr = fmt.Errorf("decoding config: %w", err)
	}
}

// setDefaults registers every key of defaults so viper can unmarshal and
// override each one individually.
func setDefaults(v *viper.Viper, defaults config.Config) {
	v.SetDefault("server.command_queue_capacity", defaults.Server.CommandQueueCapacity)
	v.SetDefault("server.task_queue_capacity", defaults.Server.TaskQueueCapacity)
	v.SetDefault("server.reply_queue_capacity", defaults.Server.ReplyQueueCapacity)
	v.SetDefault("server.trusted_hosts", defaults.Server.TrustedHosts)
	v.SetDefault("server.slow_command_threshold", defaults.Server.SlowCommandThreshold)

	v.SetDefault("watchdog.fetch_timeout", defaults.Watchdog.FetchTimeout)
	v.SetDefault("watchdog.context_start_timeout", defaults.Watchdog.ContextStartTimeout)
	v.SetDefault("watchdog.install_timeout", defaults.Watchdog.InstallTimeout)

	v.SetDefault("fetch.timeout", defaults.Fetch.Timeout)
	v.SetDefault("fetch.max_retries", defaults.Fetch.MaxRetries)
	v.SetDefault("fetch.max_script_bytes", defaults.Fetch.MaxScriptBytes)
	v.SetDefault("fetch.cache_ttl", defaults.Fetch.CacheTTL)
	v.SetDefault("fetch.user_agent", defaults.Fetch.UserAgent)

	v.SetDefault("daemon.addr", defaults.Daemon.Addr)

	v.SetDefault("journal.enabled", defaults.Journal.Enabled)
	v.SetDefault("journal.path", defaults.Journal.Path)

	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.path", defaults.Log.Path)
}

// loadedConfig returns the validated configuration.
func loadedConfig() (config.Config, error) {
	if cfgErr != nil {
		return cfg, cfgErr
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
