package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/jobharbor/internal/alert"
	"github.com/austindbirch/jobharbor/internal/api"
	"github.com/austindbirch/jobharbor/internal/auth"
	"github.com/austindbirch/jobharbor/internal/config"
	"github.com/austindbirch/jobharbor/internal/db"
	"github.com/austindbirch/jobharbor/internal/engine"
	"github.com/austindbirch/jobharbor/internal/handlers"
	"github.com/austindbirch/jobharbor/internal/health"
	"github.com/austindbirch/jobharbor/internal/logging"
	"github.com/austindbirch/jobharbor/internal/metrics"
	"github.com/austindbirch/jobharbor/internal/store/postgres"
	redisstore "github.com/austindbirch/jobharbor/internal/store/redis"
	"github.com/austindbirch/jobharbor/internal/tracing"
)

const serviceName = "jobharbor-engine"

// backends holds the stores chosen from configuration plus the health
// checks and cleanups that go with them.
type backends struct {
	stores  engine.Stores
	checks  []health.Check
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}
	switch cfg.Engine.StoreBackend {
	case "memory":
		b.stores = engine.MemoryStores()
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.stores = engine.Stores{Jobs: pg.Jobs(), Idempotency: pg.Idempotency(), DeadLetters: pg.DeadLetters()}
		b.checks = append(b.checks, health.Check{Name: "postgres", Pinger: pg})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Engine.StoreBackend)
	}

	if cfg.Redis.Addr != "" {
		client, err := redisstore.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		idem := redisstore.NewIdempotencyStore(client)
		b.stores.Idempotency = idem
		b.stores.Limiter = redisstore.NewLimiter(client)
		b.checks = append(b.checks, health.Check{Name: "redis", Pinger: idem})
	}
	return b, nil
}

func loadEngineFile(cfg config.Engine) (config.EngineFile, error) {
	if cfg.ConfigFile == "" {
		return config.DefaultEngineFile(), nil
	}
	return config.LoadEngineFile(cfg.ConfigFile)
}

// fetchKey waits for the JWKS endpoint, which may start after the engine.
func fetchKey(ctx context.Context, url string, attempts int, wait time.Duration) (*rsa.PublicKey, error) {
	var err error
	for i := 0; i < attempts; i++ {
		var key *rsa.PublicKey
		if key, err = auth.FetchJWKS(ctx, url, ""); err == nil {
			return key, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, err
}

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	file, err := loadEngineFile(cfg.Engine)
	if err != nil {
		logger.Plain().WithError(err).Fatal("engine config")
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store setup failed")
	}
	defer b.close()

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.NSQ.Enabled {
		prod, err := alert.DialNSQ(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer")
		}
		defer prod.Stop()
		sink := alert.NewNSQSink(prod, cfg.NSQ.AlertsTopic, cfg.NSQ.DLQTopic)
		opts = append(opts, engine.WithAlertSink(sink), engine.WithEventSink(sink))
		b.checks = append(b.checks, health.Check{Name: "nsqd", Pinger: health.PingFunc(func(context.Context) error { return prod.Ping() })})
	}

	eng, err := engine.New(cfg.Engine, file, b.stores, opts...)
	if err != nil {
		logger.Plain().WithError(err).Fatal("engine setup failed")
	}
	bound, err := handlers.Bind(eng, file.Queues, handlers.NewForwarder(cfg.Handler, logger), cfg.Handler.FallbackURL)
	if err != nil {
		logger.Plain().WithError(err).Fatal("handler binding failed")
	}
	logger.Plain().WithField("queues", bound).Info("handlers bound")

	var validator *auth.JWTValidator
	if !cfg.Auth.Disabled {
		key, err := fetchKey(ctx, cfg.Auth.JWKSURL, 10, 2*time.Second)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwks fetch failed")
		}
		validator = auth.NewJWTValidatorFromKey(key, cfg.Auth.Issuer, cfg.Auth.Audience)
	} else {
		logger.Plain().Warn("authentication disabled")
	}

	if err := eng.Start(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("engine start failed")
	}

	// gRPC: health only, behind the same token check as HTTP
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve")
		}
	}()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv, err := api.New(eng, api.Options{
		Validator: validator,
		Health:    b.checks,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    logger,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("api setup failed")
	}
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("shutting down")

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := eng.Stop(); err != nil {
		logger.Plain().WithError(err).Error("engine stop")
	}
	logger.Plain().Info("engine stopped")
}
