package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_fdx/internal/api"
	"github.com/austindbirch/harbor_fdx/internal/auth"
	"github.com/austindbirch/harbor_fdx/internal/clock"
	"github.com/austindbirch/harbor_fdx/internal/config"
	"github.com/austindbirch/harbor_fdx/internal/db"
	"github.com/austindbirch/harbor_fdx/internal/deadletter"
	"github.com/austindbirch/harbor_fdx/internal/engine"
	"github.com/austindbirch/harbor_fdx/internal/fdx"
	"github.com/austindbirch/harbor_fdx/internal/health"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/metrics"
	"github.com/austindbirch/harbor_fdx/internal/queue"
	"github.com/austindbirch/harbor_fdx/internal/queue/nsqq"
	"github.com/austindbirch/harbor_fdx/internal/queue/redisq"
	"github.com/austindbirch/harbor_fdx/internal/tracing"
)

const serviceName = "harborfdx-server"

func main() {
	cfg := config.FromEnv()
	logger := logging.New(serviceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Error("server exited")
		os.Exit(1)
	}
}

// run wires the server and blocks until ctx ends.
func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName, cfg.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var pool *pgxpool.Pool
	if cfg.NeedsDB() {
		pool, err = db.ConnectWithMaxConns(ctx, cfg.DSN(), int32(cfg.DB.MaxConns))
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	ds, err := openDataset(ctx, cfg, pool)
	if err != nil {
		return err
	}

	q, err := openQueue(cfg, logger)
	if err != nil {
		return err
	}

	sink, producer, err := deadLetterSinks(cfg, pool, logger)
	if err != nil {
		_ = q.Close()
		return err
	}
	if producer != nil {
		defer producer.Stop()
	}

	eng, err := engine.New(engineCfg, q, engine.WithLogger(logger), engine.WithDeadLetters(sink))
	if err != nil {
		_ = q.Close()
		return err
	}
	if err := fdx.Register(eng.Registry(), ds); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Plain().WithQueue(cfg.Queue()).WithFields(map[string]any{
		"backend":     cfg.Engine.Backend,
		"dataset":     cfg.Dataset.Source,
		"concurrency": engineCfg.Worker.Concurrency,
		"faults":      engineCfg.Faults.Enabled,
	}).Info("engine started")

	authMiddleware, err := authenticator(ctx, cfg, logger)
	if err != nil {
		_ = eng.Shutdown(context.Background())
		return err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           newHandler(eng, pinger(pool), reg, authMiddleware, cfg.RequestTimeout, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP server failed")
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		_ = httpSrv.Close()
		_ = eng.Shutdown(context.Background())
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv := grpc.NewServer()
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, hs, pinger(pool), eng, 10*time.Second)
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health server starting")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC server stopped")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	grpcSrv.GracefulStop()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// newHandler mounts health, metrics and the authenticated FDX routes.
func newHandler(eng *engine.Engine, dbPinger health.Pinger, reg *prometheus.Registry, authMiddleware func(http.Handler) http.Handler, timeout time.Duration, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(dbPinger, eng))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	api.New(eng, logger, timeout).Register(mux)
	return authMiddleware(mux)
}

// pinger keeps a nil pool from becoming a non-nil interface.
func pinger(pool *pgxpool.Pool) health.Pinger {
	if pool == nil {
		return nil
	}
	return pool
}

func openDataset(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (fdx.Dataset, error) {
	if cfg.Dataset.Source == config.SourcePostgres {
		ds := fdx.NewPostgresDataset(pool)
		if cfg.Dataset.Seed {
			records, err := fdx.SeedRecords()
			if err != nil {
				return nil, err
			}
			if err := ds.Seed(ctx, records); err != nil {
				return nil, err
			}
		}
		return ds, nil
	}

	if cfg.Dataset.Path == "" {
		return fdx.SeedDataset()
	}
	f, err := os.Open(cfg.Dataset.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return fdx.LoadMemoryDataset(f)
}

func openQueue(cfg config.Config, logger *logging.Logger) (queue.Queue, error) {
	switch cfg.Engine.Backend {
	case config.BackendNSQ:
		return nsqq.New(cfg.NSQConfig(), logger)
	case config.BackendRedis:
		return redisq.New(cfg.Queue(), cfg.RedisConfig(), logger)
	default:
		return queue.NewMemory(cfg.Queue(), clock.Real()), nil
	}
}

// deadLetterSinks returns the configured sinks and, when NSQ is among them,
// the producer to stop at shutdown.
func deadLetterSinks(cfg config.Config, pool *pgxpool.Pool, logger *logging.Logger) (deadletter.Sink, *nsq.Producer, error) {
	var sinks deadletter.Multi
	var producer *nsq.Producer
	if cfg.DLQ.Log {
		sinks = append(sinks, deadletter.LogSink{Logger: logger})
	}
	if cfg.DLQ.NSQ {
		s, p, err := deadletter.NewNSQSink(cfg.NSQ.NsqdTCPAddr, deadletter.TopicFor(cfg.Queue()))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		producer = p
	}
	if cfg.DLQ.Postgres && pool != nil {
		sinks = append(sinks, deadletter.PostgresSink{DB: pool})
	}
	if len(sinks) == 0 {
		return nil, nil, nil
	}
	return sinks, producer, nil
}

// authenticator picks bearer-token validation, or gateway headers alone
// when auth is disabled.
func authenticator(ctx context.Context, cfg config.Config, logger *logging.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.Auth.Enabled {
		logger.Plain().Warn("token validation disabled, trusting " + auth.GatewayHeader)
		return auth.HeaderMiddleware, nil
	}

	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		validator = v
	} else {
		key, err := auth.FetchJWKS(ctx, cfg.Auth.JWKSURL, cfg.Auth.KeyID)
		if err != nil {
			return nil, err
		}
		validator = auth.NewJWTValidatorFromKey(key, cfg.Auth.Issuer, cfg.Auth.Audience)
	}
	validator.TrustGateway = cfg.Auth.TrustGateway
	return validator.HTTPMiddleware, nil
}
