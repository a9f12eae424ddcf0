package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	pharmacyapi "github.com/BearBump/FarmaTurn/internal/api/pharmacy_api"
	"github.com/BearBump/FarmaTurn/internal/broker/kafka"
	"github.com/BearBump/FarmaTurn/internal/services/ledger"
	"github.com/BearBump/FarmaTurn/internal/services/tickets"
	"github.com/BearBump/FarmaTurn/internal/telemetry"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type pharmacyAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type turnConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
}

// runPharmacyAPI serves the HTTP API until ctx is done. With a consumer it
// also applies turn events from other instances to the local queue cache.
func runPharmacyAPI(ctx context.Context, opts pharmacyAPIOpts, tsvc *tickets.Service, lsvc *ledger.Service, consumer turnConsumer) error {
	if opts.swaggerPath == "" {
		return errors.New("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return errors.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, newRouter(pharmacyapi.New(tsvc, lsvc), opts.swaggerPath))
	}()

	if consumer != nil {
		go consumeTurns(ctx, consumer, tsvc, opts)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}

// consumeTurns keeps the consumer running after handler or fetch errors.
func consumeTurns(ctx context.Context, consumer turnConsumer, tsvc *tickets.Service, opts pharmacyAPIOpts) {
	slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
	for {
		err := consumer.Consume(ctx, tsvc.ApplyTurnEvent)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("kafka consumer stopped, restarting", "topic", opts.topic, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func newRouter(api *pharmacyapi.PharmacyAPI, swaggerPath string) http.Handler {
	r := api.Routes()

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return telemetry.Handler(r, "pharmacy-api")
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
