package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/FarmaTurn/config"
	"github.com/BearBump/FarmaTurn/internal/broker/kafka"
	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	"github.com/BearBump/FarmaTurn/internal/cache/rediscache"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms/provider"
	"github.com/BearBump/FarmaTurn/internal/services/dispatcher"
	"github.com/BearBump/FarmaTurn/internal/storage/pgpharmacy"
)

type notifyConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
	Close() error
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo dispatcher.Repository, closeFn func(), err error)
	newRateLimiter func(cfg *config.Config) (rl dispatcher.RateLimiter, closeFn func())
	newSMSClient   func(cfg *config.Config) (sms.Client, error)
	newConsumer    func(cfg *config.Config) notifyConsumer
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (dispatcher.Repository, func(), error) {
			st, err := pgpharmacy.New(connString(cfg.Database))
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newRateLimiter: func(cfg *config.Config) (dispatcher.RateLimiter, func()) {
			rl := rediscache.NewRateLimiter(rediscache.Options{
				Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			return rl, func() { _ = rl.Close() }
		},
		newSMSClient: func(cfg *config.Config) (sms.Client, error) {
			return provider.New(cfg.FarmaTurn)
		},
		newConsumer: func(cfg *config.Config) notifyConsumer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, notifyTopic(cfg), consumerGroup(cfg), kafka.WithHandlerRetry(5, 500*time.Millisecond))
		},
	}
}

func connString(db config.DatabaseConfig) string {
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.DBName, sslMode)
}

func notifyTopic(cfg *config.Config) string {
	if cfg.Kafka.NotifyTopicName != "" {
		return cfg.Kafka.NotifyTopicName
	}
	return messages.TopicNotify
}

func consumerGroup(cfg *config.Config) string {
	if cfg.FarmaTurn.WorkerKafkaConsumerGroup != "" {
		return cfg.FarmaTurn.WorkerKafkaConsumerGroup
	}
	return "notify-worker"
}

func newDispatcher(cfg *config.Config, repo dispatcher.Repository, client sms.Client, rl dispatcher.RateLimiter) *dispatcher.Dispatcher {
	ft := cfg.FarmaTurn

	pollInterval := time.Duration(ft.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := ft.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := ft.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(ft.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 60 * time.Second
	}
	rlPerMin := int64(ft.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 60
	}

	return dispatcher.New(repo, client, rl).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithMaxAttempts(ft.WorkerMaxAttempts).
		WithPlanner(dispatcher.PlannerConfig{
			Backoff1:  time.Duration(ft.WorkerBackoff1Seconds) * time.Second,
			Backoff2:  time.Duration(ft.WorkerBackoff2Seconds) * time.Second,
			Backoff3:  time.Duration(ft.WorkerBackoff3Seconds) * time.Second,
			Backoff4:  time.Duration(ft.WorkerBackoff4Seconds) * time.Second,
			MaxJitter: 30 * time.Second,
		})
}

// RunNotifyWorker consumes notify requests into the outbox and drains it
// until ctx is done. The HTTP server is started when httpOpts has a swagger
// path.
func RunNotifyWorker(ctx context.Context, cfg *config.Config, f workerFactories, httpOpts workerHTTPOpts) error {
	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	rl, closeRL := f.newRateLimiter(cfg)
	if closeRL != nil {
		defer closeRL()
	}

	client, err := f.newSMSClient(cfg)
	if err != nil {
		return err
	}

	d := newDispatcher(cfg, repo, client, rl)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if f.newConsumer != nil {
		consumer := f.newConsumer(cfg)
		defer func() { _ = consumer.Close() }()
		go consumeNotifyRequests(ctx, consumer, d, notifyTopic(cfg))
	}

	httpErr := make(chan error, 1)
	if httpOpts.swaggerPath != "" {
		httpOpts.dispatcher = d
		httpOpts.cfg = cfg
		go func() { httpErr <- runWorkerHTTPServer(ctx, httpOpts) }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case err := <-httpErr:
		if err != nil {
			return err
		}
		return <-runErr
	}
}

func consumeNotifyRequests(ctx context.Context, consumer notifyConsumer, d *dispatcher.Dispatcher, topic string) {
	slog.Info("kafka consumer started", "topic", topic)
	for {
		err := consumer.Consume(ctx, d.HandleNotifyRequest)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("kafka consumer stopped, restarting", "topic", topic, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
