package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/FarmaTurn/config"
	"github.com/BearBump/FarmaTurn/internal/telemetry"
	"github.com/pkg/errors"
)

func main() {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed, %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing := telemetry.Setup(ctx, "notify-worker", cfg.FarmaTurn.OTLPEndpoint, cfg.FarmaTurn.OTLPInsecure)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	httpOpts := workerHTTPOpts{
		httpAddr:    cfg.FarmaTurn.WorkerHTTPAddr,
		swaggerPath: os.Getenv("workerSwaggerPath"),
	}
	if err := RunNotifyWorker(ctx, cfg, defaultWorkerFactories(), httpOpts); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
