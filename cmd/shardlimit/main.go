package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/ShardLimit/internal/api"
	"github.com/AlexKimmel/ShardLimit/internal/config"
	"github.com/AlexKimmel/ShardLimit/internal/gateway"
	"github.com/AlexKimmel/ShardLimit/internal/gc"
	"github.com/AlexKimmel/ShardLimit/internal/obs"
	"github.com/AlexKimmel/ShardLimit/internal/proxy"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/memory"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/mongo"
	"github.com/AlexKimmel/ShardLimit/internal/ratelimit/redis"
	"github.com/AlexKimmel/ShardLimit/internal/routing"
)

const version = "v0.1.0"

func main() {
	path := flag.String("config", "./config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Str("path", *path).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("shardlimit stopped")
	}
	logger.Info().Msg("bye")
}

func run(cfg *config.Root, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := openStore(openCtx, cfg.Storage)
	cancel()
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info().Str("backend", cfg.Storage.Backend).Msg("storage ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	coord := ratelimit.New(store,
		ratelimit.WithLimits(cfg.Limits),
		ratelimit.WithLogger(logger.With().Str("component", "ratelimit").Logger()),
		ratelimit.WithObserver(metrics),
	)
	worker := gc.New(coord,
		gc.WithPagesPerSecond(cfg.GC.PagesPerSecond),
		gc.WithSweep(cfg.GC.Interval(), cfg.GC.MaxAge()),
		gc.WithLogger(logger.With().Str("component", "gc").Logger()),
	)
	coord.SetScheduler(worker)

	handler, err := newHandler(cfg, coord, metrics, reg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})
	return g.Wait()
}

// newHandler assembles the gateway: ops endpoints and the limiter API are
// served locally, routes with an upstream are proxied once admitted.
func newHandler(cfg *config.Root, coord *ratelimit.Coordinator, metrics *obs.Metrics, reg *prometheus.Registry, logger zerolog.Logger) (http.Handler, error) {
	router, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.New(coord,
		api.WithTimeout(cfg.Storage.Timeout()),
		api.WithLogger(logger),
	).Register(mux)

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}
	return gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport(), mux),
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		gateway.RouteMatcher(router, skip),
		metrics.Middleware(skip),
		gateway.RateLimit(coord, skip, metrics.OnLimited, metrics.OnLimiterError),
	), nil
}

func openStore(ctx context.Context, cfg config.Storage) (ratelimit.Store, error) {
	switch cfg.Backend {
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		var opts []redis.Option
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redis.WithPrefix(cfg.Redis.Prefix))
		}
		s, err := redis.New(ctx, rdb, opts...)
		if err != nil {
			_ = rdb.Close()
			return nil, err
		}
		return s, nil
	case "mongo":
		s, err := mongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memory.New(), nil
	}
}
