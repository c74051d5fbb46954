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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/schedopt/pkg/algorithms"
	"github.com/psantana5/schedopt/pkg/api"
	"github.com/psantana5/schedopt/pkg/artifacts"
	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/broadcast"
	"github.com/psantana5/schedopt/pkg/cleanup"
	"github.com/psantana5/schedopt/pkg/config"
	"github.com/psantana5/schedopt/pkg/constraints"
	"github.com/psantana5/schedopt/pkg/executor"
	"github.com/psantana5/schedopt/pkg/jobs"
	"github.com/psantana5/schedopt/pkg/logging"
	"github.com/psantana5/schedopt/pkg/metrics"
	"github.com/psantana5/schedopt/pkg/profiles"
	"github.com/psantana5/schedopt/pkg/ratelimit"
	"github.com/psantana5/schedopt/pkg/resources"
	"github.com/psantana5/schedopt/pkg/retry"
	"github.com/psantana5/schedopt/pkg/shutdown"
	"github.com/psantana5/schedopt/pkg/store"
	"github.com/psantana5/schedopt/pkg/tracing"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the optimization API server",
	Long: `Start the HTTP API, the optimization worker pool and the retention loop.

Example:
  optimizer serve
  optimizer serve --config /etc/schedopt/schedopt.yaml
  SCHEDOPT_ENV=development SCHEDOPT_STORE_TYPE=memory optimizer serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("store", "", "store type: memory, sqlite or postgres (overrides store.type)")
	serveCmd.Flags().String("dsn", "", "store DSN (overrides store.dsn)")
	serveCmd.Flags().Int("workers", 0, "optimization workers (overrides executor.workers)")
	serveCmd.Flags().String("log-level", "", "log level: debug, info, warn, error (overrides log.level)")

	bind := map[string]string{
		"server.addr":      "addr",
		"store.type":       "store",
		"store.dsn":        "dsn",
		"executor.workers": "workers",
		"log.level":        "log-level",
	}
	for key, flag := range bind {
		if err := v.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log, "optimizer")
	defer logger.Close()

	logger.Info("Starting schedule optimizer", logging.Fields{
		"version": Version,
		"env":     cfg.Env,
		"addr":    cfg.Server.Addr,
		"store":   cfg.Store.Type,
		"workers": cfg.Executor.Workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Error("Startup failed", logging.Fields{"error": err.Error()})
		if svc != nil {
			_ = svc.shutdown.Shutdown()
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", logging.Fields{"addr": cfg.Server.Addr, "tls": svc.server.TLSConfig != nil})
		var err error
		if svc.server.TLSConfig != nil {
			err = svc.server.ListenAndServeTLS("", "")
		} else {
			err = svc.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", nil)
		return svc.shutdown.Shutdown()
	})

	if err := g.Wait(); err != nil {
		logger.Error("Optimizer stopped with error", logging.Fields{"error": err.Error()})
		return err
	}
	logger.Info("Optimizer stopped", nil)
	return nil
}

type service struct {
	server   *http.Server
	shutdown *shutdown.Manager
}

// buildService wires every component. Shutdown hooks are registered as
// each component comes up, so a partial startup still unwinds cleanly.
func buildService(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*service, error) {
	sd := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	svc := &service{shutdown: sd}

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return svc, err
	}
	sd.Register("tracer", tp.Shutdown)

	var st store.Store
	err = retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		s, err := store.NewStore(cfg.Store)
		if err != nil {
			logger.Warn("Store not ready", logging.Fields{"type": cfg.Store.Type, "error": err.Error()})
			return err
		}
		st = s
		return nil
	})
	if err != nil {
		return svc, fmt.Errorf("failed to open store: %w", err)
	}
	sd.Register("store", shutdown.CloseResource(st))
	if cfg.Store.Type == "memory" {
		logger.Warn("Using in-memory store, jobs will not survive a restart", nil)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.RegisterStore(st)
	}

	broker := broadcast.NewBroker()
	tracker := jobs.NewTracker(st, broker, logger)
	if m != nil {
		broker.OnChange = m.SetSubscribers
		tracker.OnTransition(m.ObserveTransition)
	}
	sd.Register("broadcast", func(context.Context) error {
		broker.Shutdown()
		return nil
	})

	registry := algorithms.DefaultRegistry()
	rules, err := constraints.NewEvaluator()
	if err != nil {
		return svc, err
	}
	catalog := profiles.Builtin()
	if cfg.Profiles.File != "" {
		if catalog, err = profiles.Load(cfg.Profiles.File); err != nil {
			return svc, err
		}
		logger.Info("Loaded optimization profiles", logging.Fields{"file": cfg.Profiles.File, "count": len(catalog.List())})
	}
	if err := catalog.Validate(rules, func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	}); err != nil {
		return svc, fmt.Errorf("invalid profiles: %w", err)
	}

	var writer *artifacts.Writer
	sink, err := artifacts.NewSink(ctx, cfg.Artifacts)
	if err != nil {
		return svc, fmt.Errorf("failed to configure artifacts: %w", err)
	}
	if sink != nil {
		writer = artifacts.NewWriter(sink, retry.DefaultConfig(), logger)
		logger.Info("Exporting run artifacts", logging.Fields{"type": cfg.Artifacts.Type})
	}

	exec := executor.New(cfg.Executor.Config, executor.Deps{
		Tracker:   tracker,
		Registry:  registry,
		Profiles:  catalog,
		Rules:     rules,
		Guard:     resources.NewGuard(cfg.Executor.Memory),
		Artifacts: writer,
		Logger:    logger,
	})
	exec.Start()
	sd.Register("executor", exec.Stop)
	if err := exec.Recover(ctx); err != nil {
		return svc, fmt.Errorf("failed to recover jobs: %w", err)
	}
	if m != nil {
		m.RegisterPool(exec)
	}

	authn, keys, err := buildAuth(cfg, logger)
	if err != nil {
		return svc, err
	}
	policy := auth.Policy{DevMode: cfg.DevMode()}
	if policy.DevMode {
		logger.Warn("Development mode: permission checks are relaxed, authentication is still required", nil)
	}

	submissions, sweep, err := buildWindow(ctx, cfg.RateLimit, sd, logger)
	if err != nil {
		return svc, err
	}
	clientIP, err := ratelimit.NewClientIP(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return svc, err
	}
	var reads *ratelimit.Limiter
	if cfg.RateLimit.ReadRPS > 0 {
		reads = ratelimit.NewLimiter(cfg.RateLimit.ReadRPS, cfg.RateLimit.ReadBurst)
	}

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.Enabled = cfg.Retention.Enabled
	cleanupCfg.MaxAge = cfg.Retention.MaxAge
	cleanupCfg.Interval = cfg.Retention.Interval
	cleanupCfg.VacuumInterval = cfg.Retention.VacuumInterval
	cleanupCfg.BatchSize = cfg.Retention.BatchSize
	janitor := cleanup.NewManager(cleanupCfg, st, tracker, logger)
	if sweep != nil {
		janitor.AddSweep("submission windows", sweep)
	}
	if reads != nil {
		janitor.AddSweep("read limiters", func() int { return reads.CleanupOldLimiters(10 * time.Minute) })
	}
	janitor.AddSweep("expired api keys", keys.CleanupExpired)
	janitor.Start()
	sd.Register("cleanup", func(context.Context) error {
		janitor.Stop()
		return nil
	})

	apiCfg := api.DefaultConfig()
	apiCfg.MaxBodyBytes = cfg.Server.MaxBodyBytes
	apiCfg.Heartbeat = cfg.Server.Heartbeat
	apiCfg.KeyBySubject = cfg.RateLimit.KeyBySubject
	apiCfg.MetricsPath = cfg.Metrics.Path

	srv := api.NewServer(apiCfg, api.Deps{
		Tracker:     tracker,
		Queue:       exec,
		Auth:        authn,
		Policy:      policy,
		Registry:    registry,
		Profiles:    catalog,
		Submissions: submissions,
		Reads:       reads,
		ClientIP:    clientIP,
		Metrics:     m,
		Tracing:     tp,
		Logger:      logger,
	})

	// no WriteTimeout: progress streams stay open for the life of a run
	svc.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	if cfg.Server.TLS.Enabled {
		tlsCfg, err := cfg.Server.TLS.ServerConfig()
		if err != nil {
			return svc, err
		}
		svc.server.TLSConfig = tlsCfg
	} else if !cfg.DevMode() {
		logger.Warn("TLS disabled, terminate TLS in front of the optimizer", nil)
	}
	sd.Register("http server", shutdown.StopHTTPServer(svc.server))
	return svc, nil
}

func buildAuth(cfg *config.Config, logger *logging.Logger) (*auth.Authenticator, *auth.APIKeyStore, error) {
	var tokens *auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		var err error
		tokens, err = auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, nil, err
		}
	}
	keys := auth.NewAPIKeyStore()
	if err := keys.Load(cfg.Auth.APIKeys); err != nil {
		return nil, nil, err
	}
	logger.Info("Authentication configured", logging.Fields{
		"jwt":      tokens != nil,
		"api_keys": len(cfg.Auth.APIKeys),
	})
	return auth.NewAuthenticator(tokens, keys), keys, nil
}

// buildWindow creates the submission limiter. The in-memory backend
// returns a sweep for the cleanup loop; Redis expires its own keys.
func buildWindow(ctx context.Context, cfg config.RateLimitConfig, sd *shutdown.Manager, logger *logging.Logger) (ratelimit.WindowLimiter, func() int, error) {
	if cfg.Backend != "redis" {
		w := ratelimit.NewMemoryWindow(cfg.Submissions, cfg.Window)
		return w, w.Sweep, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	sd.Register("redis", shutdown.CloseResource(client))
	logger.Info("Sharing submission limits through redis", logging.Fields{"addrs": cfg.Redis.Addrs})
	return ratelimit.NewRedisWindow(client, cfg.Redis.Prefix, cfg.Submissions, cfg.Window), nil, nil
}
