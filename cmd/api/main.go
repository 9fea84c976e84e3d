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

	"github.com/joho/godotenv"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/api"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/app"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/config"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := app.NewLogger(cfg.Env, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET not set, trigger endpoints will reject every call")
	}

	verifiers := make(map[string]api.Verifier, len(a.Verifiers))
	for provider, v := range a.Verifiers {
		verifiers[provider] = v
	}
	server := api.New(cfg, api.Deps{
		Store:      a.Store,
		Jobs:       a.Processor,
		Deliveries: a.Dispatcher,
		Verifiers:  verifiers,
		Guard:      a.Guard,
		Fanout:     a.Fanout,
		Records:    a.Records,
		Presence:   a.Presence,
		Links:      a.Objects,
		Limiter:    a.Limiter,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "addr", httpServer.Addr, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
