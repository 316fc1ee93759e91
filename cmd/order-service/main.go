package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aminio9/shopstream/internal/config"
	"github.com/aminio9/shopstream/internal/observability"
	"github.com/aminio9/shopstream/internal/order/httpapi"
	"github.com/aminio9/shopstream/internal/order/publisher"
	"github.com/aminio9/shopstream/internal/order/service"
	"github.com/aminio9/shopstream/internal/order/store"
	"github.com/aminio9/shopstream/pkg/idempotency"
	"github.com/aminio9/shopstream/pkg/kafka"
	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
	"github.com/aminio9/shopstream/pkg/outbox"
)

const idempotencyCacheSize = 4096

type orderStore interface {
	service.Repository
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load("order-service")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := observability.Setup(ctx, cfg)
	if err != nil {
		log.Fatalf("telemetry setup error: %v", err)
	}
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	runErr := run(ctx, cfg, tel, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
	_ = logger.Sync()
	if runErr != nil {
		log.Fatalf("order-service: %v", runErr)
	}
}

func run(ctx context.Context, cfg config.Config, tel *observability.Telemetry, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipeline := metrics.NewPipelineMetrics(reg)
	serverMetrics := metrics.NewServerMetrics(reg, "order_service")

	repo, parked, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	client := kafka.NewClient(cfg.KafkaBrokers, cfg.ServiceName, tel.TracerProvider)
	var dial publisher.Dialer
	if client.Enabled() {
		dial = client.NewWriter
	} else {
		logger.Warn("KAFKA_BROKERS not set, events will not be published")
	}
	pubOpts := []publisher.Option{
		publisher.WithTimeout(cfg.PublishTimeout),
		publisher.WithLogger(logger.Named("publisher")),
		publisher.WithMetrics(pipeline),
	}
	if cfg.OutboxEnabled {
		pubOpts = append(pubOpts, publisher.WithOutbox(parked))
	}
	pub := publisher.New(dial, pubOpts...)
	defer pub.Close()

	keys, err := idempotency.NewCache(idempotencyCacheSize)
	if err != nil {
		return err
	}
	svc := service.New(repo, pub,
		service.WithLogger(logger),
		service.WithTracerProvider(tel.TracerProvider),
		service.WithMetrics(pipeline),
		service.WithIdempotencyCache(keys),
	)

	api := httpapi.New(svc,
		httpapi.WithLogger(logger),
		httpapi.WithServiceName(cfg.ServiceName),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithHealth(repo.Ping, pub.State),
		httpapi.WithMetrics(serverMetrics, reg),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(api.Routes(), cfg.ServiceName, otelhttp.WithTracerProvider(tel.TracerProvider)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("order-service listening",
			zap.String("port", cfg.Port), zap.String("db_driver", cfg.DatabaseDriver),
			zap.Bool("kafka", client.Enabled()), zap.Bool("outbox", cfg.OutboxEnabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.OutboxEnabled {
		relay := outbox.NewRelay(parked, pub, cfg.OutboxInterval, cfg.OutboxBatch, logger.Named("outbox"), pipeline)
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore opens the configured database and the outbox table that lives next
// to the orders. The database may still be starting, so attempts are retried.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (orderStore, outbox.Store, error) {
	dbLog := logger.With(zap.String("db_driver", cfg.DatabaseDriver))
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		s, err := store.Connect(ctx, cfg.DBConnectRetries, cfg.DBConnectInterval, dbLog, func(ctx context.Context) (*store.SQLiteStore, error) {
			return store.OpenSQLite(ctx, cfg.SQLitePath, store.WithTimeout(cfg.DBTimeout))
		})
		if err != nil {
			return nil, nil, err
		}
		return s, outbox.NewSQLStore(s.DB()), nil
	default:
		s, err := store.Connect(ctx, cfg.DBConnectRetries, cfg.DBConnectInterval, dbLog, func(ctx context.Context) (*store.PostgresStore, error) {
			return store.OpenPostgres(ctx, cfg.DatabaseURL, store.WithTimeout(cfg.DBTimeout))
		})
		if err != nil {
			return nil, nil, err
		}
		return s, outbox.NewPgStore(s.Pool()), nil
	}
}
