package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/ridedispatch/internal/config"
	"github.com/example/ridedispatch/internal/dispatch"
	"github.com/example/ridedispatch/internal/dispatch/grpcstream"
	"github.com/example/ridedispatch/internal/fare"
	ratelimit "github.com/example/ridedispatch/internal/http/middleware"
	outboxworker "github.com/example/ridedispatch/internal/outbox"
	"github.com/example/ridedispatch/internal/routing"
	"github.com/example/ridedispatch/internal/trip/domain"
	"github.com/example/ridedispatch/internal/trip/handler"
	"github.com/example/ridedispatch/internal/trip/lock"
	"github.com/example/ridedispatch/internal/trip/repository"
	tripservice "github.com/example/ridedispatch/internal/trip/service"
	"github.com/example/ridedispatch/pkg/observability"
	outboxpkg "github.com/example/ridedispatch/pkg/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := observability.SetupLogger("trip-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "trip-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	checks := map[string]observability.Check{}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		if cfg.Migrate {
			if err := repository.Migrate(cfg.PostgresDSN); err != nil {
				logger.Fatal("postgres migrate", zap.Error(err))
			}
		}
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("tripservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	router, err := buildRouter(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("router", zap.Error(err))
	}
	fares, err := fare.NewCalculator(fare.Rates{
		BaseFare:      cfg.Fare.BaseFare,
		PerKmRate:     cfg.Fare.PerKmRate,
		PerMinuteRate: cfg.Fare.PerMinuteRate,
	})
	if err != nil {
		logger.Fatal("fare calculator", zap.Error(err))
	}

	hub := dispatch.NewHub(cfg.SubscriberBuffer, logger.Named("dispatch"))

	opts := []tripservice.Option{
		tripservice.WithLogger(logger.Named("trips")),
		tripservice.WithRouteTimeout(cfg.RouteTimeout),
	}

	var repo domain.Repository
	if db != nil {
		// events reach NATS through the outbox rows written with each trip
		repo = repository.NewPostgresRepository(db, cfg.EventsPrefix)
	} else {
		repo = repository.NewMemoryRepository()
		if natsConn != nil {
			opts = append(opts, tripservice.WithSink(outboxpkg.NewPublisher(natsConn, cfg.EventsPrefix)))
		}
	}

	if redisClient != nil {
		opts = append(opts,
			tripservice.WithLocker(lock.NewRedisLocker(redisClient, logger.Named("lock"), lock.RedisLockerConfig{TTL: cfg.LockTTL})),
			tripservice.WithIdempotency(repository.NewRedisIdempotencyRepo(redisClient, cfg.IdempotencyTTL)),
		)
	} else {
		opts = append(opts, tripservice.WithIdempotency(repository.NewMemoryIdempotencyRepo(cfg.IdempotencyTTL)))
	}

	svc := tripservice.New(repo, router, fares, hub, opts...)

	var limiter *ratelimit.RateLimiter
	if redisClient != nil {
		limiter = ratelimit.NewRateLimiter(redisClient,
			ratelimit.RateConfig{Rate: cfg.ReadRate.Rate, Burst: cfg.ReadRate.Burst},
			ratelimit.RateConfig{Rate: cfg.WriteRate.Rate, Burst: cfg.WriteRate.Burst},
			logger.Named("ratelimit"))
	}
	tripHTTP := handler.NewHTTP(svc, hub, handler.Options{
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		Logger:    logger.Named("http"),
	})

	r := chi.NewRouter()
	r.Mount("/", tripHTTP.Router())
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var bridge *dispatch.Bridge
	if natsConn != nil {
		// transitions committed by other instances reach local sessions
		bridge = dispatch.NewBridge(hub, cfg.EventsPrefix, logger.Named("bridge"))
		if err := bridge.Start(natsConn); err != nil {
			logger.Fatal("dispatch bridge", zap.Error(err))
		}
	} else {
		logger.Warn("nats not configured, sessions only see transitions made by this instance")
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(grpcstream.Codec{}))
	grpcstream.RegisterDispatchServer(grpcServer, grpcstream.NewServer(svc, hub, logger.Named("grpc")))

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			RetryMax:     cfg.Outbox.RetryMax,
			RetryBase:    cfg.Outbox.RetryBase,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("outbox worker disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	go func() {
		logger.Info("trip service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		logger.Info("dispatch grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if bridge != nil {
		_ = bridge.Stop()
	}
	// long-lived streams would hold both servers open; end them first
	hub.Shutdown()
	grpcServer.GracefulStop()
	_ = srv.Shutdown(shutdownCtx)
}

func buildRouter(cfg config.Config, redisClient *redis.Client, logger *zap.Logger) (domain.GeoRouter, error) {
	var router domain.GeoRouter = routing.NewStraightLineRouter()
	if cfg.GoogleMapsKey != "" {
		google, err := routing.NewGoogleRouter(cfg.GoogleMapsKey)
		if err != nil {
			return nil, err
		}
		router = google
	} else {
		logger.Warn("GOOGLE_MAPS_API_KEY not set, using straight-line routing")
	}
	if redisClient != nil && cfg.RouteCacheTTL > 0 {
		router = routing.NewCachedRouter(router, redisClient, cfg.RouteCacheTTL, logger.Named("route_cache"))
	}
	return router, nil
}
