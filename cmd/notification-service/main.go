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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aminio9/shopstream/internal/config"
	"github.com/aminio9/shopstream/internal/notification"
	"github.com/aminio9/shopstream/internal/observability"
	"github.com/aminio9/shopstream/internal/order/store"
	"github.com/aminio9/shopstream/pkg/contracts"
	"github.com/aminio9/shopstream/pkg/kafka"
	"github.com/aminio9/shopstream/pkg/logging"
	"github.com/aminio9/shopstream/pkg/metrics"
)

type inbox interface {
	notification.Sink
	notification.Reader
	EnsureSchema(ctx context.Context) error
}

func main() {
	cfg, err := config.Load("notification-service")
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
		log.Fatalf("notification-service: %v", runErr)
	}
}

func run(ctx context.Context, cfg config.Config, tel *observability.Telemetry, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipeline := metrics.NewPipelineMetrics(reg)
	serverMetrics := metrics.NewServerMetrics(reg, "notification_service")

	sink, ping, closeDB, err := openInbox(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	g, gctx := errgroup.WithContext(ctx)

	client := kafka.NewClient(cfg.KafkaBrokers, cfg.ServiceName, tel.TracerProvider)
	if client.Enabled() {
		reader, err := client.NewReader(contracts.TopicOrderNotifications, cfg.NotifyGroupID)
		if err != nil {
			return err
		}
		defer reader.Close()
		consumer := notification.NewConsumer(reader, sink,
			notification.WithLogger(logger.Named("consumer")),
			notification.WithMetrics(pipeline),
		)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		logger.Warn("KAFKA_BROKERS not set, consumer disabled")
	}

	routes := notification.Routes(sink, ping, metrics.Handler(reg), serverMetrics.Middleware, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(routes, cfg.ServiceName, otelhttp.WithTracerProvider(tel.TracerProvider)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		logger.Info("notification-service listening",
			zap.String("port", cfg.Port), logging.Topic(contracts.TopicOrderNotifications),
			zap.String("group_id", cfg.NotifyGroupID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type openedInbox struct {
	sink    inbox
	ping    func(context.Context) error
	closeDB func()
}

// openInbox connects to the inbox database and creates its table, retrying
// while the database is still starting.
func openInbox(ctx context.Context, cfg config.Config, logger *zap.Logger) (inbox, func(context.Context) error, func(), error) {
	dbLog := logger.With(zap.String("db_driver", cfg.DatabaseDriver))
	db, err := store.Connect(ctx, cfg.DBConnectRetries, cfg.DBConnectInterval, dbLog, func(ctx context.Context) (openedInbox, error) {
		var db openedInbox
		switch cfg.DatabaseDriver {
		case config.DriverSQLite:
			s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
			if err != nil {
				return db, err
			}
			db = openedInbox{notification.NewSQLSink(s.DB()), s.Ping, func() { _ = s.Close() }}
		default:
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return db, err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return db, err
			}
			db = openedInbox{notification.NewPgSink(pool), pool.Ping, pool.Close}
		}
		if err := db.sink.EnsureSchema(ctx); err != nil {
			db.closeDB()
			return openedInbox{}, err
		}
		return db, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return db.sink, db.ping, db.closeDB, nil
}
