package cmd

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/appdir"
	"github.com/inercia/edgeguard/internal/background"
	"github.com/inercia/edgeguard/internal/config"
	"github.com/inercia/edgeguard/internal/defense"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/shutdown"
	"github.com/inercia/edgeguard/internal/sink"
	"github.com/inercia/edgeguard/internal/store"
	"github.com/inercia/edgeguard/internal/web"
)

var (
	serveListen      string
	serveUpstream    string
	serveAccessLog   string
	serveFlaggedOnly bool
	serveNoWatch     bool
	serveDrain       time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the protecting reverse proxy",
	Long: `Run an HTTP reverse proxy that evaluates every request before
forwarding it to the upstream application.

The proxy also serves /healthz and /metrics. The config file is watched and
reloaded on change; an invalid edit is logged and the running config is kept.

Examples:
  edgeguard serve --upstream http://127.0.0.1:3000
  SECURITY_MODE=LIVE REDIS_URL=redis://localhost:6379 edgeguard serve -c security.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "Upstream URL (overrides server.upstream)")
	serveCmd.Flags().StringVar(&serveAccessLog, "access-log", "", "Access log file path (rotated)")
	serveCmd.Flags().BoolVar(&serveFlaggedOnly, "access-log-flagged", false, "Only log denied and would-block requests")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the config file on change")
	serveCmd.Flags().DurationVar(&serveDrain, "drain-timeout", 5*time.Second, "How long to wait for background work on shutdown")
}

// instance is everything built from one config. A reload builds a new
// engine against the same store, sink and metrics.
type instance struct {
	store   *store.Guarded
	runner  *background.Runner
	metrics *metrics.Recorder
	sink    *sink.Sink
	geo     *sink.MaxMindLocator
}

func (in *instance) engine(c *config.Config) (*defense.Engine, error) {
	return defense.New(c, in.store,
		defense.WithLogger(logging.Engine()),
		defense.WithObserver(in.sink),
		defense.WithMetrics(in.metrics),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Web()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	if serveUpstream != "" {
		cfg.Server.Upstream = serveUpstream
	}
	var upstream *url.URL
	if cfg.Server.Upstream != "" {
		u, err := url.Parse(cfg.Server.Upstream)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid upstream %q", cfg.Server.Upstream)
		}
		upstream = u
	}

	if err := appdir.EnsureDir(); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	in := &instance{
		store:   st,
		metrics: rec,
		runner:  background.NewRunner(logging.Sink(), background.WithDropHook(rec.TaskDropped)),
	}

	sinkOpts := []sink.Option{sink.WithMetrics(rec)}
	if cfg.GeoIP.Database != "" {
		geo, err := sink.OpenMaxMind(cfg.GeoIP.Database)
		if err != nil {
			logger.Warn("geoip_unavailable", "path", cfg.GeoIP.Database, "error", err)
		} else {
			in.geo = geo
			sinkOpts = append(sinkOpts, sink.WithLocator(geo))
		}
	}

	// abort releases what was opened so far when startup fails.
	abort := func() {
		if in.geo != nil {
			in.geo.Close()
		}
		closeStore(st, logger)
	}

	in.sink = sink.New(cfg.Logging, st, logging.Sink(), sinkOpts...)

	engine, err := in.engine(cfg)
	if err != nil {
		abort()
		return err
	}

	guard := web.NewGuard(engine, in.runner.Go, logging.Web())
	access := web.NewAccessLogger(web.AccessLogConfig{Path: serveAccessLog, FlaggedOnly: serveFlaggedOnly})
	guard.SetAccessLog(access)

	srv, err := web.NewServer(web.Config{
		Upstream:    upstream,
		Guard:       guard,
		StoreHealth: st.Ping,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:      logger,
	})
	if err != nil {
		abort()
		return err
	}

	summarizer, err := newSummarizer(cfg, st)
	if err != nil {
		abort()
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		abort()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	sm := shutdown.NewManager()
	sm.AddCleanup("server", func(string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server_shutdown_error", "error", err)
		}
	})

	if summarizer != nil {
		summarizer.Start()
		sm.AddCleanup("summary", func(string) { summarizer.Stop() })
	}

	if cfgSource != "" && !serveNoWatch {
		watcher, err := config.NewWatcher(cfgSource, nil, func(next *config.Config) {
			reload(in, guard, next)
		}, logging.ConfigLoader())
		if err != nil {
			logger.Warn("config_watch_unavailable", "path", cfgSource, "error", err)
		} else {
			watcher.Start()
			sm.AddCleanup("watcher", func(string) { watcher.Close() })
		}
	}

	sm.AddCleanup("background", func(string) {
		if !in.runner.Drain(serveDrain) {
			logger.Warn("background_work_abandoned", "dropped", in.runner.Dropped())
		}
	})
	sm.AddCleanup("access-log", func(string) { access.Close() })
	if in.geo != nil {
		sm.AddCleanup("geoip", func(string) { in.geo.Close() })
	}
	sm.AddCleanup("store", func(string) { closeStore(st, logging.Store()) })
	sm.Start()

	fmt.Printf("edgeguard %s on %s -> %s (store: %s, config: %s)\n",
		cfg.Mode, listener.Addr(), upstreamOrNone(upstream), describeStore(cfg), sourceName())

	if err := srv.Serve(listener); err != nil && !srv.IsShutdown() {
		sm.Shutdown("serve_error")
		return fmt.Errorf("server error: %w", err)
	}
	sm.Shutdown("server_stopped")
	return nil
}

// newSummarizer builds the periodic summary job, or returns nil when no
// schedule is configured.
func newSummarizer(c *config.Config, events store.EventStore) (*sink.Summarizer, error) {
	if c.Logging.Summary == "" {
		return nil, nil
	}
	var notifier *sink.Notifier
	if c.Logging.Slack != nil {
		notifier = sink.NewNotifier(*c.Logging.Slack, nil)
	}
	return sink.NewSummarizer(c.Logging.Summary, events, notifier, c.Mode, logging.Sink())
}

// reload swaps in an engine built from next. Store, server and logging
// settings are fixed for the life of the process; changes to them need a
// restart.
func reload(in *instance, guard *web.Guard, next *config.Config) {
	logger := logging.ConfigLoader()
	engine, err := in.engine(next)
	if err != nil {
		logger.Warn("config_reload_rejected", "error", err)
		return
	}
	prev := guard.Engine().Config()
	guard.SetEngine(engine)
	logger.Info("engine_swapped",
		"mode", next.Mode,
		"previous_mode", prev.Mode,
	)
	if next.Store != prev.Store {
		logger.Warn("config_reload_partial", "reason", "store changes need a restart")
	}
}

func upstreamOrNone(u *url.URL) string {
	if u == nil {
		return "(no upstream)"
	}
	return u.String()
}
