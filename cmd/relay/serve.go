package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relay/internal/api"
	"relay/internal/config"
	"relay/internal/events"
	"relay/internal/metrics"
	"relay/internal/queue"
	"relay/internal/store"
	"relay/internal/webhooks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, delivery workers and event consumer",
	RunE:  runServe,
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using in-memory store")
		return store.NewMemory(), nil
	}
	if cfg.Database.Migrate {
		v, err := store.Migrate(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		log.WithField("version", v).Info("schema migrated")
	}
	return store.NewPostgres(ctx, cfg.Database.URL)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var (
		q      queue.Queue
		broker api.EventBroker
		rdb    *redis.Client
	)
	if cfg.Redis.URL != "" {
		rq, err := queue.NewRedisFromURL(ctx, cfg.Redis.URL, cfg.Redis.QueueKey)
		if err != nil {
			return err
		}
		rdb = rq.Client()
		defer func() { _ = rdb.Close() }()
		broker = api.NewRedisBroker(rdb, cfg.Redis.Channel, log)
		if cfg.Delivery.Mode == config.ModeQueue {
			q = rq
		}
	} else if cfg.Delivery.Mode == config.ModeQueue {
		log.Warn("no redis configured, delivery queue is in memory and lost on restart")
		q = queue.NewMemory()
	}

	exec := webhooks.NewExecutor(&http.Client{})
	exec.Timeout = cfg.Delivery.Timeout
	exec.BodyLimit = int(cfg.Delivery.BodyLimit)
	exec.UserAgent = cfg.Delivery.UserAgent

	sched := webhooks.NewScheduler(st, st, exec, log)
	if cfg.Delivery.Schedule != nil {
		sched.Schedule = cfg.Delivery.Schedule
	}
	disp := webhooks.NewDispatcher(st, st, sched, q, log)
	defer disp.Close()

	srv := api.NewServer(api.Deps{Config: cfg, Store: st, Scheduler: sched, Dispatcher: disp, Broker: broker, Log: log})
	sched.OnOutcome = srv.PublishOutcome

	var workerDone <-chan struct{}
	if q != nil {
		w := webhooks.NewWorker(q, sched, log)
		w.Interval = cfg.Delivery.PollInterval
		w.Batch = cfg.Delivery.Batch
		w.Concurrency = cfg.Delivery.Workers
		w.SweepInterval = cfg.Delivery.SweepInterval
		w.SweepGrace = cfg.Delivery.SweepGrace
		workerDone = w.Start(ctx)
	}

	if cfg.NATS.URL != "" {
		conn, err := events.Connect(cfg.NATS.URL, "relay", log)
		if err != nil {
			return err
		}
		defer conn.Close()
		consumer := events.NewConsumer(conn, cfg.NATS.Subject, cfg.NATS.Queue, disp, log)
		if err := consumer.Start(); err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "mode": cfg.Delivery.Mode}).Info("relay listening")
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-time.After(cfg.Server.ShutdownTimeout):
			log.Warn("delivery workers did not stop in time")
		}
	}
	return nil
}
