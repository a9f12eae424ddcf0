package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/FarmaTurn/config"
	"github.com/BearBump/FarmaTurn/internal/broker/kafka"
	"github.com/BearBump/FarmaTurn/internal/broker/messages"
	"github.com/BearBump/FarmaTurn/internal/cache"
	"github.com/BearBump/FarmaTurn/internal/cache/rediscache"
	"github.com/BearBump/FarmaTurn/internal/integrations/sms/provider"
	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/BearBump/FarmaTurn/internal/notify"
	"github.com/BearBump/FarmaTurn/internal/services/ledger"
	"github.com/BearBump/FarmaTurn/internal/services/tickets"
	"github.com/BearBump/FarmaTurn/internal/storage/memstore"
	"github.com/BearBump/FarmaTurn/internal/storage/pgpharmacy"
	"github.com/BearBump/FarmaTurn/internal/telemetry"
)

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

type pharmacyAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     pharmacyAPIOpts
	tickets  *tickets.Service
	ledger   *ledger.Service
	consumer turnConsumer
	closers  []func()
}

type store interface {
	tickets.Repository
	ledger.Repository
}

func mustBootstrapPharmacyAPI() *pharmacyAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed, %v", err))
	}
	ft := cfg.FarmaTurn

	httpAddr := ft.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := ft.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "pharmacy-api"
	}
	turnsTopic := cfg.Kafka.TurnsTopicName
	if turnsTopic == "" {
		turnsTopic = messages.TopicTurns
	}

	app := &pharmacyAPIApp{}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.ctx, app.cancel = ctx, cancel

	shutdownTracing := telemetry.Setup(ctx, "pharmacy-api", ft.OTLPEndpoint, ft.OTLPInsecure)
	app.closers = append(app.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	})

	opts := tickets.Options{
		QueueTTL:          time.Duration(ft.QueueCacheTTLSeconds) * time.Second,
		StoreTimeout:      time.Duration(ft.StoreTimeoutSeconds) * time.Second,
		NotifyTimeout:     time.Duration(ft.NotifyTimeoutSeconds) * time.Second,
		PublishTimeout:    time.Duration(ft.PublishTimeoutSeconds) * time.Second,
		StrictTransitions: ft.StrictTransitions,
	}

	var (
		st        store
		qc        cache.BytesCache
		notifier  tickets.Notifier
		publisher tickets.EventPublisher
	)
	switch ft.Storage {
	case storageMemory:
		// Single-process mode: no broker, no cache, SMS sent in-process.
		mem := memstore.New()
		seedMemory(mem)
		st = mem

		client, err := provider.New(ft)
		if err != nil {
			panic(err)
		}
		direct := notify.NewDirect(client, time.Duration(ft.SMSTimeoutSeconds)*time.Second)
		notifier = direct
		app.closers = append(app.closers, direct.Wait)
		slog.Warn("running with in-memory storage; data is lost on restart")
	case "", storagePostgres:
		pg := mustOpenPostgresWithRetry(connString(cfg.Database), 60*time.Second)
		st = pg
		app.closers = append(app.closers, pg.Close)

		if opts.QueueTTL <= 0 {
			opts.QueueTTL = 30 * time.Second
		}
		rc := rediscache.New(rediscache.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		qc = rc
		app.closers = append(app.closers, func() { _ = rc.Close() })

		brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
		producer := kafka.NewProducer(brokers)
		publisher = producer
		notifier = notify.NewKafkaDispatcher(producer, cfg.Kafka.NotifyTopicName)
		app.closers = append(app.closers, func() { _ = producer.Close() })

		consumer := kafka.NewConsumer(brokers, turnsTopic, consumerGroup)
		app.consumer = consumer
		app.closers = append(app.closers, func() { _ = consumer.Close() })
	default:
		panic(fmt.Sprintf("unknown storage %q", ft.Storage))
	}

	app.tickets = tickets.New(st, qc, notifier, publisher, opts)
	app.ledger = ledger.New(st, publisher, opts.StoreTimeout).WithPublishTimeout(opts.PublishTimeout)
	app.opts = pharmacyAPIOpts{
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         turnsTopic,
		consumerGroup: consumerGroup,
	}
	return app
}

func connString(db config.DatabaseConfig) string {
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgpharmacy.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgpharmacy.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		slog.Warn("postgres not ready", "error", err.Error())
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

// seedMemory loads the two demo pharmacies a fresh in-memory store starts with.
func seedMemory(st *memstore.Store) {
	st.PutPharmacy(models.Pharmacy{ID: 1, Name: "Farmacia Central EPS", Address: "Calle 50 #45-67, Bogotá",
		Phone: "+57 1 2345678", Timezone: "America/Bogota", DailyDigitalTurnLimit: 100})
	st.PutPharmacy(models.Pharmacy{ID: 2, Name: "Farmacia IMSS Unidad 1", Address: "Av. Principal #123, Ciudad de México",
		Phone: "+52 55 87654321", Timezone: "America/Mexico_City", DailyDigitalTurnLimit: 150})

	st.PutMedication(models.Medication{Code: "MED001", Name: "Ibuprofeno 400mg", Description: "Analgésico y antiinflamatorio"})
	st.PutMedication(models.Medication{Code: "MED002", Name: "Paracetamol 500mg", Description: "Analgésico y antipirético"})
	st.PutMedication(models.Medication{Code: "MED003", Name: "Amoxicilina 500mg", Description: "Antibiótico de amplio espectro"})

	st.PutInventory(1, "MED001", 150, 20)
	st.PutInventory(1, "MED002", 200, 30)
	st.PutInventory(1, "MED003", 80, 15)
	st.PutInventory(2, "MED001", 200, 25)
	st.PutInventory(2, "MED002", 180, 28)
}

func (a *pharmacyAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *pharmacyAPIApp) Run() error {
	return runPharmacyAPI(a.ctx, a.opts, a.tickets, a.ledger, a.consumer)
}
