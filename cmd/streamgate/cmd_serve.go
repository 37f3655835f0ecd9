package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/streamgate/streamgate/internal/api"
	"github.com/streamgate/streamgate/internal/config"
	"github.com/streamgate/streamgate/internal/db"
	"github.com/streamgate/streamgate/internal/db/migrations"
	"github.com/streamgate/streamgate/internal/dbpool"
	"github.com/streamgate/streamgate/internal/hub"
	"github.com/streamgate/streamgate/internal/ingress"
	"github.com/streamgate/streamgate/internal/redispool"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/replay"
	"github.com/streamgate/streamgate/internal/security"
	"github.com/streamgate/streamgate/internal/service"
	"github.com/streamgate/streamgate/internal/store"
)

const (
	// sseRetry is the reconnect delay advertised to SSE clients.
	sseRetry          = 2 * time.Second
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	retentionInterval = time.Hour
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streamgate server",
		Long:  "Run the HTTP stream server. Configuration is read from the environment (PORT, REDIS_URL, JWT_SECRET, ...).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, newLogger(cfg.LogLevel, cfg.LogFormat))
		},
	}
}

func newLogger(level, format string) *logrus.Logger {
	log := logrus.New()

	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", level).Warn("unknown log level, using info")
	}

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log
}

func newFanout(cfg *config.Config, rdb redis.UniversalClient, log *logrus.Logger) (hub.Fanout, error) {
	switch cfg.Fanout {
	case config.FanoutLocal:
		return hub.NewLocalFanout(), nil
	case config.FanoutNATS:
		nc, err := hub.DialNats(cfg.NATSURL, "streamgate")
		if err != nil {
			return nil, err
		}
		return hub.NewNatsFanout(nc, "", log), nil
	default:
		return hub.NewRedisFanout(rdb, "", log), nil
	}
}

// auditing holds the optional Postgres side of the server.
type auditing struct {
	pool    *dbpool.Pool
	service *service.AuditService
	worker  *service.AuditWorker
}

func openAuditing(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*auditing, error) {
	pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		pool.Close()
		return nil, err
	}

	svc := service.NewAuditService(store.NewAuditStore(store.Base{Pool: pool, Log: log}), log)

	return &auditing{
		pool:    pool,
		service: svc,
		worker:  service.NewAuditWorker(svc, log, 0),
	}, nil
}

func runServer(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{
		"version": config.Version,
		"addr":    cfg.Addr(),
		"fanout":  cfg.Fanout,
	}).Info("starting streamgate")

	rp, err := redispool.NewPool(ctx, cfg.RedisURL.Value())
	if err != nil {
		return err
	}
	defer rp.Close() //nolint:errcheck // shutting down

	fanout, err := newFanout(cfg, rp.Client(), log)
	if err != nil {
		return err
	}
	defer fanout.Close() //nolint:errcheck // shutting down

	deps := &api.RouterDeps{
		Log:           log,
		Redis:         rp,
		Lockouts:      security.NewRedisLockouts(rp.Client(), security.DefaultPolicy),
		JWTSecret:     cfg.JWTSecret.Value(),
		PublishSecret: cfg.PublishSecret.Value(),
		CORSOrigins:   cfg.CORSOrigins,
		Version:       config.Version,
		Retry:         sseRetry,
	}

	// Interface fields stay nil, not typed-nil, without a database.
	var auditor hub.Auditor
	var audit *auditing

	if cfg.DatabaseEnabled() {
		audit, err = openAuditing(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer audit.pool.Close()

		auditor = audit.worker
		deps.Pool = audit.pool
		deps.Audit = audit.service

		// The worker outlives the errgroup so entries written while
		// connections drain still reach the database.
		workerCtx, stopWorker := context.WithCancel(context.Background())
		workerDone := make(chan struct{})
		go func() {
			audit.worker.Run(workerCtx)
			close(workerDone)
		}()
		defer func() {
			stopWorker()
			<-workerDone
		}()
	}

	h := hub.New(log,
		replay.NewRedisStore(rp.Client(), cfg.ReplayMaxLen, cfg.ReplayTTL),
		registry.NewRedisRegistry(rp.Client(), registry.Options{Cap: cfg.MaxConnectionsPerSession, TTL: cfg.ConnectionTTL}),
		fanout,
		auditor,
		hub.Options{
			WriteTimeout:      cfg.WriteTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			AdmissionTimeout:  cfg.AdmissionTimeout,
		},
	)
	deps.Hub = h

	g, gctx := errgroup.WithContext(ctx)

	if err := h.Start(gctx); err != nil {
		return err
	}

	if audit != nil {
		if err := db.NewNotifyBridge(log, audit.pool, h, db.DefaultChannel).Start(gctx); err != nil {
			return err
		}

		g.Go(func() error {
			audit.service.RunRetention(gctx, cfg.AuditRetentionDays, retentionInterval)
			return nil
		})
	}

	if cfg.KafkaEnabled() {
		consumer := ingress.NewKafkaConsumer(log, h, cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(gctx, deps),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr(),
		Handler:           metricsMux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g.Go(func() error { return listen(srv, log, "http") })
	g.Go(func() error { return listen(metricsSrv, log, "metrics") })

	g.Go(func() error {
		<-gctx.Done()

		log.Info("shutting down")

		// Streams get their shutdown frame before the listener stops
		// waiting on their handlers.
		h.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return errors.Join(srv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped with error")
		return err
	}

	log.Info("server stopped")

	return nil
}

func listen(srv *http.Server, log *logrus.Logger, name string) error {
	log.WithFields(logrus.Fields{"listener": name, "addr": srv.Addr}).Info("listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listener: %w", name, err)
	}

	return nil
}
