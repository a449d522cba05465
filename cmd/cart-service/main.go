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

	"github.com/fjod/stockcart/internal/cache"
	"github.com/fjod/stockcart/internal/config"
	h "github.com/fjod/stockcart/internal/http"
	"github.com/fjod/stockcart/internal/logger"
	"github.com/fjod/stockcart/internal/notification"
	"github.com/fjod/stockcart/internal/observability"
	"github.com/fjod/stockcart/internal/publisher"
	"github.com/fjod/stockcart/internal/repository"
	"github.com/fjod/stockcart/internal/service"
	"github.com/fjod/stockcart/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	serviceName    = "cart-service"
	serviceVersion = "0.1.0"
)

// backend is everything the services need from storage. Both the postgres repository and
// the in-memory store provide it.
type backend interface {
	repository.Catalog
	repository.CartStore
	repository.SubscriptionStore
	repository.TxManager
	repository.OutboxRepository
	Close() error
}

func main() {
	app := &cli.App{
		Name:   serviceName,
		Usage:  "inventory-aware shopping cart",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, gRPC health endpoint and outbox publisher",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply postgres migrations and exit",
				Action: migrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	repo, err := repository.NewRepository(cfg.Credentials(), cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("failed to create repository: %w", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(cfg.Credentials()); err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("path", cfg.MigrationsPath))
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, serviceName, serviceVersion)
	if err != nil {
		return err
	}

	db, err := openBackend(cfg, log)
	if err != nil {
		return err
	}

	cartCache, closeCache, err := openCache(ctx, cfg, log)
	if err != nil {
		db.Close()
		return err
	}

	dispatcher := notification.NewDispatcher(db, newPusher(cfg, log), log, cfg.NotifyTimeout)
	carts := service.NewCartService(db, db, cartCache, log)
	checkout := service.NewCheckoutService(db, cartCache, dispatcher, log)
	subscriptions := notification.NewSubscriptionService(db)

	router := h.NewRouter(h.RouterConfig{
		Carts:          carts,
		Checkout:       checkout,
		Subscriptions:  subscriptions,
		RequestTimeout: cfg.RequestTimeout,
		Log:            log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCPort, err)
		}
		log.Info("gRPC health server starting", zap.String("port", cfg.GRPCPort))
		return grpcServer.Serve(lis)
	})

	var writer interface{ Close() error }
	if len(cfg.KafkaBrokers) > 0 {
		kafkaWriter := publisher.NewKafkaWriter(cfg.OutboxTopic, cfg.KafkaBrokers...)
		writer = kafkaWriter
		poller := publisher.NewOutboxPoller(db, kafkaWriter, log)
		g.Go(func() error {
			log.Info("outbox poller starting", zap.String("topic", cfg.OutboxTopic))
			poller.Run(gctx)
			return nil
		})
	} else {
		log.Info("KAFKA_BROKERS not set, checkout events stay in the outbox")
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		err := srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		if werr := dispatcher.Wait(shutdownCtx); werr != nil {
			log.Warn("notifications still in flight at shutdown", zap.Error(werr))
		}
		return err
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if writer != nil {
		runErr = errors.Join(runErr, writer.Close())
	}
	runErr = errors.Join(runErr, closeCache(), db.Close(), shutdownTracing(closeCtx))

	log.Info("server exited")
	return runErr
}

func openBackend(cfg *config.Config, log *zap.Logger) (backend, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		mem := store.NewMemoryStore(cfg.LockTimeout)
		if cfg.SeedFile != "" {
			seed, err := store.LoadSeedFile(cfg.SeedFile)
			if err != nil {
				mem.Close()
				return nil, err
			}
			mem.Apply(seed)
		}
		log.Info("using in-memory store", zap.String("seed_file", cfg.SeedFile))
		return mem, nil
	}

	repo, err := repository.NewRepository(cfg.Credentials(), cfg.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}
	if err := repo.RunMigrations(cfg.Credentials()); err != nil {
		repo.Close()
		return nil, err
	}
	log.Info("connected to postgres",
		zap.String("host", cfg.DBHost),
		zap.String("db", cfg.DBName),
		zap.Duration("lock_timeout", cfg.LockTimeout))
	return repo, nil
}

func openCache(ctx context.Context, cfg *config.Config, log *zap.Logger) (cache.CartCache, func() error, error) {
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not set, cart cache disabled")
		return cache.NoopCache{}, func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	return cache.NewRedisCache(rdb), rdb.Close, nil
}

func newPusher(cfg *config.Config, log *zap.Logger) notification.Pusher {
	if !cfg.PushEnabled() {
		log.Warn("VAPID keys not set, push notifications are logged only")
		return notification.NewLogPusher(log)
	}
	return notification.NewWebPusher(notification.WebPushConfig{
		Subscriber:      cfg.VAPIDSubscriber,
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		TTL:             cfg.PushTTL,
	}, &http.Client{Timeout: cfg.NotifyTimeout}, log)
}
