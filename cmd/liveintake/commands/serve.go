package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/argushq/liveintake/internal/config"
	"github.com/argushq/liveintake/internal/health"
	"github.com/argushq/liveintake/internal/intake"
	"github.com/argushq/liveintake/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session HTTP API for the report UI",
	Long: `Serve the session API, health probes and Prometheus metrics. The report
UI starts and stops sessions over HTTP and follows them on the events
websocket. Changes to the log level, persona and session options in the
config file apply without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, level, err := loadConfig()
		if err != nil {
			return err
		}
		log := slog.Default()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Registerer:     registry,
			SampleRatio:    cfg.Telemetry.TraceSampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				log.Warn("telemetry shutdown", "err", err)
			}
		}()

		st, err := buildStack(ctx, cfg, tel.Metrics, log)
		if err != nil {
			return err
		}
		defer st.close()
		svc, err := st.service(log)
		if err != nil {
			return err
		}

		watcher, err := config.NewWatcher(configPath, reloader(svc, level, log), config.WithWatcherLogger(log))
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
		go reloadOnHangup(ctx, watcher, log)

		printSummary(cmd.OutOrStdout(), cfg, "serve")
		return serve(ctx, cfg.Server.ListenAddr, newHandler(st, svc, registry, cfg.Server.AllowedOrigins), svc, log)
	},
}

// newHandler assembles the HTTP routes. Every route except /metrics goes
// through the observability middleware.
func newHandler(st *stack, svc *intake.Service, gatherer prometheus.Gatherer, origins []string) http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{
		health.TransportConfigured(st.transport),
		health.CaptureAvailable(st.capture),
	}
	if st.store != nil {
		checks = append(checks, health.Ping("archive", st.store.Ping))
	}
	health.New(checks...).Register(mux)
	intake.NewAPI(svc, origins).Register(mux)

	root := http.NewServeMux()
	root.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	root.Handle("/", observe.Middleware(st.metrics)(mux))
	return root
}

// reloader returns the watcher callback. It applies log level changes at once
// and hands new session options to the service for the next session.
func reloader(svc *intake.Service, level *slog.LevelVar, log *slog.Logger) config.ChangeFunc {
	return func(_, next *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			log.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PersonaChanged || d.SessionChanged {
			session, err := next.SessionConfig()
			if err != nil {
				log.Warn("config reload: keeping previous session options", "err", err)
			} else {
				svc.SetOptions(session, next.PipelineConfig())
				log.Info("session options reloaded", "persona_changed", d.PersonaChanged)
			}
		}
		if d.RestartRequired {
			log.Warn("config change requires a restart to take effect")
		}
	}
}

// reloadOnHangup re-reads the config file on SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload(true)
			if err != nil {
				log.Warn("reload on SIGHUP failed", "err", err)
				continue
			}
			log.Info("reload on SIGHUP", "changed", changed)
		}
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains it and
// stops the running session.
func serve(ctx context.Context, addr string, handler http.Handler, svc *intake.Service, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := svc.Close(sctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	})
	return g.Wait()
}
