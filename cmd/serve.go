package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/swserver/internal/config"
	"github.com/zjrosen/swserver/internal/log"
	"github.com/zjrosen/swserver/internal/pubsub"
	"github.com/zjrosen/swserver/internal/serviceworker/api"
	"github.com/zjrosen/swserver/internal/serviceworker/client"
	"github.com/zjrosen/swserver/internal/serviceworker/contextmanager"
	"github.com/zjrosen/swserver/internal/serviceworker/fetch"
	"github.com/zjrosen/swserver/internal/serviceworker/journal"
	"github.com/zjrosen/swserver/internal/serviceworker/server"
	"github.com/zjrosen/swserver/internal/serviceworker/tracing"
	"github.com/zjrosen/swserver/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long: `Run the service worker coordinator as a daemon that exposes an HTTP API.

The daemon owns one coordinator, one execution host and one client
connection used for jobs submitted over the API. Scripts are fetched over
HTTP(S). The config file is watched; log.level and the watchdog timeouts
are applied without a restart.

Example:
  swserver serve                      # Start on daemon.addr
  swserver serve --addr :8080         # Start on port 8080
  swserver serve --trusted-host dev   # Allow plain-http scripts from "dev"`,
	RunE: runServe,
}

var trustedHosts []string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringSliceVar(&trustedHosts, "trusted-host", nil,
		"host treated as potentially trustworthy (repeatable, adds to server.trusted_hosts)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadedConfig()
	if err != nil {
		return err
	}
	cfg.Server.TrustedHosts = append(cfg.Server.TrustedHosts, trustedHosts...)

	cleanup, err := log.Init(cfg.Log.Path)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	applyLogLevel(cfg.Log)

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.start(ctx); err != nil {
		d.close(ctx)
		return err
	}

	if path := viper.ConfigFileUsed(); path != "" {
		stopWatch, err := d.watchConfig(path)
		if err != nil {
			log.Warn(log.CatWatcher, "Config hot reload disabled", "path", path, "error", err)
		} else {
			defer stopWatch()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.api.Start()
	}()

	fmt.Printf("swserver daemon started on port %d\n", d.api.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.close(ctx)
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	d.close(shutdownCtx)

	fmt.Println("Daemon stopped")
	return nil
}

// daemon is every long-lived component of a running coordinator.
type daemon struct {
	cfg      config.Config
	bus      *pubsub.Broker[any]
	registry *prometheus.Registry
	tracing  *tracing.Provider
	journal  *journal.Journal
	srv      *server.Server
	host     *contextmanager.Manager
	conn     *client.Connection
	api      *api.Server
}

func newDaemon(cfg config.Config) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		bus:      pubsub.NewBroker[any](),
		registry: prometheus.NewRegistry(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	d.tracing, err = tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	opts := []server.Option{
		server.WithEventBus(d.bus),
		server.WithRegisterer(d.registry),
		server.WithTracer(d.tracing.Tracer()),
	}
	if cfg.Journal.Enabled {
		d.journal, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			_ = d.tracing.Shutdown(context.Background())
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		opts = append(opts, server.WithJournal(d.journal))
	}
	d.srv = server.New(serverConfig(cfg), opts...)
	return d, nil
}

// start runs the coordinator, attaches the execution host and the API
// client connection, and binds the HTTP listener.
func (d *daemon) start(ctx context.Context) error {
	if err := d.srv.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	d.host = contextmanager.New(1, d.srv)
	if err := d.srv.RegisterContextConnection(d.host); err != nil {
		return fmt.Errorf("attaching execution host: %w", err)
	}

	conn, err := client.New(1, d.srv, fetch.New(fetchConfig(d.cfg.Fetch)))
	if err != nil {
		return fmt.Errorf("creating client connection: %w", err)
	}
	d.conn = conn

	var history api.History
	if d.journal != nil {
		history = d.journal
	}
	d.api, err = api.NewServer(api.ServerConfig{
		Addr: d.cfg.Daemon.Addr,
		HandlerConfig: api.HandlerConfig{
			Coordinator: d.srv,
			Jobs:        d.conn,
			History:     history,
			Events:      d.bus,
			Workers:     d.host,
			Controllers: d.conn,
			Gatherer:    d.registry,
		},
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	return nil
}

// close stops components in reverse start order. Safe on a partially
// started daemon.
func (d *daemon) close(ctx context.Context) {
	if d.api != nil {
		if err := d.api.Stop(ctx); err != nil {
			log.Error(log.CatAPI, "Error stopping API server", "error", err)
		}
	}
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Warn(log.CatClient, "Error closing client connection", "error", err)
		}
	}
	if d.host != nil {
		_ = d.srv.UnregisterContextConnection(d.host.Identifier())
		d.host.Close()
	}
	if err := d.srv.Flush(ctx); err != nil && !errors.Is(err, server.ErrServerStopped) {
		log.Warn(log.CatServer, "Coordinator did not settle before shutdown", "error", err)
	}
	d.srv.Stop()
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			log.Error(log.CatDB, "Error closing journal", "error", err)
		}
	}
	if err := d.tracing.Shutdown(ctx); err != nil {
		log.Warn(log.CatServer, "Error flushing traces", "error", err)
	}
	d.bus.Close()
}

// watchConfig re-reads path on change and applies the hot-reloadable keys.
func (d *daemon) watchConfig(path string) (func(), error) {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	done := make(chan struct{})
	log.SafeGo("config-reload", func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				d.reload(path)
			}
		}
	})
	log.Info(log.CatWatcher, "Watching config", "path", path)

	return func() {
		close(done)
		_ = w.Stop()
	}, nil
}

func (d *daemon) reload(path string) {
	v := viper.New()
	setDefaults(v, config.Defaults())
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn(log.CatConfig, "Ignoring unreadable config change", "path", path, "error", err)
		return
	}
	var next config.Config
	if err := v.Unmarshal(&next); err != nil {
		log.Warn(log.CatConfig, "Ignoring undecodable config change", "path", path, "error", err)
		return
	}
	if err := config.Validate(next); err != nil {
		log.Warn(log.CatConfig, "Ignoring invalid config change", "path", path, "error", err)
		return
	}

	applyLogLevel(next.Log)
	if err := d.srv.UpdateTimeouts(timeouts(next.Watchdog)); err != nil {
		log.Warn(log.CatConfig, "Failed to apply watchdog timeouts", "error", err)
		return
	}
	log.Info(log.CatConfig, "Config reloaded", "path", path, "log_level", next.Log.Level)
}

func applyLogLevel(l config.LogConfig) {
	if l.Level == "" {
		return
	}
	if level, err := log.ParseLevel(l.Level); err == nil {
		log.SetMinLevel(level)
	}
}

func serverConfig(cfg config.Config) server.Config {
	return server.Config{
		CommandQueueCapacity: cfg.Server.CommandQueueCapacity,
		TaskQueueCapacity:    cfg.Server.TaskQueueCapacity,
		ReplyQueueCapacity:   cfg.Server.ReplyQueueCapacity,
		TrustedHosts:         cfg.Server.TrustedHosts,
		SlowCommandThreshold: cfg.Server.SlowCommandThreshold,
		Timeouts:             timeouts(cfg.Watchdog),
	}
}

func timeouts(w config.WatchdogConfig) server.Timeouts {
	return server.Timeouts{
		Fetch:        w.FetchTimeout,
		ContextStart: w.ContextStartTimeout,
		Install:      w.InstallTimeout,
	}
}

func fetchConfig(f config.FetchConfig) fetch.Config {
	return fetch.Config{
		Timeout:        f.Timeout,
		MaxRetries:     f.MaxRetries,
		MaxScriptBytes: f.MaxScriptBytes,
		CacheTTL:       f.CacheTTL,
		UserAgent:      f.UserAgent,
	}
}
