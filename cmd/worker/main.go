// Command worker runs one batch of the job loop or the delivery loop and
// exits. It is meant to be invoked by cron as an alternative to the HTTP
// trigger endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/app"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/config"
)

type runner interface {
	RunOnce(ctx context.Context, batch int) (int, error)
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	loop := flag.String("loop", "jobs", "loop to run: jobs or deliveries")
	batch := flag.Int("batch", 0, "batch size (0 uses the configured default)")
	flag.Parse()

	logger := app.NewLogger(cfg.Env, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	r, size, err := pick(a, *loop)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *batch > 0 {
		size = *batch
	}

	n, err := r.RunOnce(ctx, size)
	if err != nil {
		logger.Error("run failed", "loop", *loop, "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("run finished", "loop", *loop, "batch", size, "processed", n)
}

func pick(a *app.App, loop string) (runner, int, error) {
	switch loop {
	case "jobs":
		return a.Processor, a.Config.JobBatchSize, nil
	case "deliveries":
		return a.Dispatcher, a.Config.DeliveryBatchSize, nil
	default:
		return nil, 0, fmt.Errorf("unknown loop %q (want jobs or deliveries)", loop)
	}
}
