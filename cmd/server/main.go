package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/classifyd/internal/config"
	"github.com/dontdude/classifyd/internal/domain"
	"github.com/dontdude/classifyd/internal/engine"
	"github.com/dontdude/classifyd/internal/logging"
	"github.com/dontdude/classifyd/internal/platform/docker"
	"github.com/dontdude/classifyd/internal/platform/process"
	"github.com/dontdude/classifyd/internal/platform/queue"
	"github.com/dontdude/classifyd/internal/platform/web"
	"github.com/dontdude/classifyd/internal/supervisor"
	"github.com/dontdude/classifyd/internal/worker"
)

// newFlagSet declares the server flags. Their defaults mirror the config defaults
// so --help describes what an unconfigured server does.
func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("classifyd", pflag.ExitOnError)
	flags.StringP("config", "c", "", "Config file (default: ./classifyd.yaml if present)")
	flags.String("host", "0.0.0.0", "Listen host")
	flags.Int("port", 8124, "Listen port")
	flags.String("classifier", "shopping", "Default classifier id")
	flags.String("store", "data/classifiers", "Directory holding classifier models")
	flags.Duration("timeout", supervisor.DefaultTimeout, "Per-request prediction timeout (0 disables it)")
	flags.String("isolation", config.IsolationProcess, "Worker isolation (process or docker)")
	flags.String("redis-addr", "", "Redis address for the result feed (empty disables it)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text or json)")
	return flags
}

func main() {
	flags := newFlagSet()
	_ = flags.Parse(os.Args[1:])
	configPath, _ := flags.GetString("config")

	if err := run(configPath, flags); err != nil {
		slog.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet) error {
	// 1. Configuration and logger
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	// 2. The model store must exist before any worker is launched
	store, err := filepath.Abs(cfg.Classifier.Store)
	if err != nil {
		return fmt.Errorf("invalid classifier store: %w", err)
	}
	if err := engine.New(store).Check(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Worker launcher
	launcher, closeLauncher, err := newLauncher(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeLauncher()

	supOpts := []supervisor.Option{
		supervisor.WithTimeout(cfg.Supervisor.Timeout),
		supervisor.WithHeartbeat(cfg.Supervisor.Heartbeat),
		supervisor.WithKillGrace(cfg.Supervisor.KillGrace),
		supervisor.WithLogger(logger),
	}
	webOpts := []web.Option{
		web.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		web.WithMaxMessageBytes(cfg.Server.MaxMessageBytes),
		web.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		web.WithLogger(logger),
	}

	// 4. Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		supOpts = append(supOpts, supervisor.WithMetricsCollector(supervisor.NewPrometheusMetrics(cfg.Metrics.Namespace, reg)))
		webOpts = append(webOpts, web.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	g, gctx := errgroup.WithContext(ctx)

	// 5. Optional result feed
	if cfg.Redis.Enabled() {
		feed, err := queue.NewRedisFeed(ctx, cfg.Redis.Addr, cfg.Redis.Stream, cfg.Redis.Channel, cfg.Redis.MaxLen)
		if err != nil {
			return err
		}
		defer feed.Close()
		supOpts = append(supOpts, supervisor.WithFeed(feed))

		if cfg.Redis.Retention > 0 {
			g.Go(func() error {
				feed.StartRetentionRoutine(gctx, cfg.Redis.RetentionInterval, cfg.Redis.Retention)
				return nil
			})
		}
		logger.Info("Result feed enabled", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
	}

	// 6. Supervisor and pool
	sup := supervisor.New(launcher, supOpts...)
	pool := worker.NewPool(cfg.Supervisor.MaxConcurrent, sup)
	pool.Start()
	defer pool.Stop()

	// 7. Admission limit
	if cfg.Server.RateLimit.PerSecond > 0 {
		trusted, err := web.ParseTrustedProxies(cfg.Server.RateLimit.TrustedProxies)
		if err != nil {
			return err
		}
		limiter := web.NewRateLimiter(cfg.Server.RateLimit.PerSecond, cfg.Server.RateLimit.Burst,
			web.WithTrustedProxies(trusted...),
		)
		defer limiter.Close()
		webOpts = append(webOpts, web.WithRateLimiter(limiter))
	}

	// 8. Serve until SIGINT/SIGTERM
	srv := web.NewServer(cfg.Server.Addr(), cfg.Classifier.ID, pool, webOpts...)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	logger.Info("classifyd starting",
		"addr", cfg.Server.Addr(),
		"classifier", cfg.Classifier.ID,
		"isolation", cfg.Worker.Isolation,
		"timeout", cfg.Supervisor.Timeout,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("classifyd stopped")
	return nil
}

// newLauncher builds the configured launcher and a func releasing it.
func newLauncher(ctx context.Context, cfg *config.Config, store string) (domain.Launcher, func(), error) {
	switch cfg.Worker.Isolation {
	case config.IsolationDocker:
		dc, err := docker.NewClient(ctx, docker.Config{
			Image:       cfg.Worker.Docker.Image,
			ModelStore:  store,
			MemoryBytes: cfg.Worker.Docker.MemoryMB << 20,
			NanoCPUs:    int64(cfg.Worker.Docker.CPUs * 1e9),
			Pull:        cfg.Worker.Docker.Pull,
		})
		if err != nil {
			return nil, nil, err
		}
		return dc, func() { dc.Close() }, nil
	default:
		pl, err := process.NewLauncher(cfg.Worker.Command,
			process.WithEnv("CLASSIFYD_CLASSIFIER_STORE="+store),
		)
		if err != nil {
			return nil, nil, err
		}
		return pl, func() {}, nil
	}
}
