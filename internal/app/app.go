// Package app assembles the runtime object graph shared by the api and
// worker binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/Vinax89/v0-financial-management-app-sub001/internal/backoff"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/config"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/delivery"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/idempotency"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/models"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/notify"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/objectstore"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/ocr"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/ratelimit"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/records"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/store"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/thumbnail"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/webhookverify"
	"github.com/Vinax89/v0-financial-management-app-sub001/internal/worker"
)

// App holds every long-lived collaborator. Close releases them.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Store      *store.Store
	Redis      *redis.Client
	Objects    objectstore.Store
	Fanout     *delivery.Fanout
	Dispatcher *delivery.Dispatcher
	Processor  *worker.Processor
	Records    *records.Controller
	Presence   *records.Presence
	Guard      *idempotency.Guard
	Verifiers  map[string]*webhookverify.Verifier
	Limiter    *ratelimit.Bucket

	closers []io.Closer
}

// NewLogger returns a text logger in dev and a JSON logger elsewhere.
func NewLogger(env string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if strings.EqualFold(env, "dev") {
		opts.Level = slog.LevelDebug
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// New connects to Postgres and Redis, runs migrations and wires the job,
// delivery, record and inbound-webhook components.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Store: st}
	if err := st.RunMigrations(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a.closers = append(a.closers, a.Redis)

	if cfg.S3Bucket != "" {
		client, err := objectstore.NewS3Client(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Objects = objectstore.NewS3Store(client, cfg.S3Bucket, cfg.MaxObjectBytes)
	} else {
		logger.Warn("S3_BUCKET not set, using local object store", "dir", cfg.LocalObjectDir)
		a.Objects = objectstore.NewLocalStore(cfg.LocalObjectDir)
	}

	a.Guard = idempotency.NewGuard(st)
	a.Fanout = delivery.NewFanout(st, logger.With("component", "fanout"))
	a.Dispatcher = delivery.NewDispatcher(st, delivery.Options{
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Timeout:     cfg.DeliveryTimeout,
		StaleAfter:  cfg.StaleClaimAfter,
		RunBudget:   cfg.RunBudget,
		Policy:      backoff.NewPolicy(cfg.DeliveryBackoffBase, cfg.DeliveryBackoffMax),
		Logger:      logger.With("component", "dispatcher"),
	})
	a.Records = records.NewController(st, logger.With("component", "records"))
	a.Presence = records.NewPresence(a.Redis, cfg.PresenceTTL)
	a.Limiter = ratelimit.NewBucket(a.Redis, "ratelimit:inbound:", cfg.RateLimitCapacity, cfg.RateLimitRefill)

	resolver := webhookverify.NewCachingResolver(
		webhookverify.NewHTTPKeyFetcher(cfg.WebhookKeyURL, cfg.WebhookClientID, cfg.WebhookClientSecret, 5*time.Second),
		cfg.WebhookKeyCacheSize, cfg.WebhookKeyCacheTTL,
	)
	a.Verifiers = map[string]*webhookverify.Verifier{
		"plaid": webhookverify.New(resolver,
			webhookverify.WithMaxAge(cfg.WebhookMaxAge),
			webhookverify.WithLogger(logger.With("component", "webhookverify", "provider", "plaid")),
		),
	}

	hooks, err := a.sideEffects(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Processor = worker.NewProcessor(st, worker.Options{
		JobTimeout: cfg.JobTimeout,
		RunBudget:  cfg.RunBudget,
		StaleAfter: cfg.StaleClaimAfter,
		Policy:     backoff.NewPolicy(cfg.JobBackoffBase, cfg.JobBackoffMax),
		Hooks:      hooks,
		Logger:     logger.With("component", "worker"),
	})
	a.Processor.RegisterHandler(models.KindExport, worker.NewExportHandler(st, a.Objects))
	a.Processor.RegisterHandler(models.KindDocument, worker.NewDocumentHandler(
		a.Objects,
		ocr.NewClient(cfg.OCRURL, cfg.OCRAPIKey, cfg.OCRRate, cfg.OCRTimeout),
		a.Records,
		a.thumbnails(),
		st,
		logger.With("component", "document"),
	))
	return a, nil
}

func (a *App) thumbnails() *thumbnail.Service {
	cfg := a.Config
	if cfg.ThumbnailURL == "" {
		return thumbnail.NewService(cfg.ThumbnailWidth, nil)
	}
	return thumbnail.NewService(cfg.ThumbnailWidth,
		thumbnail.NewRemoteRenderer(cfg.ThumbnailURL, cfg.ThumbnailSecret, cfg.ThumbnailWidth, cfg.ThumbnailTimeout))
}

// sideEffects picks SES and Kafka when configured and falls back to the log
// sender and a no-op publisher.
func (a *App) sideEffects(ctx context.Context) (*worker.SideEffects, error) {
	cfg := a.Config
	effects := &worker.SideEffects{
		Deliveries: a.Fanout,
		Events:     notify.NopPublisher{},
		Mail:       notify.NewLogSender(a.Logger.With("component", "mail")),
		Directory:  a.Store,
		Links:      a.Objects,
		LinkTTL:    cfg.ExportLinkTTL,
		Logger:     a.Logger.With("component", "effects"),
	}
	if cfg.SESFromEmail != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		sender, err := notify.NewSESSender(awsCfg, cfg.SESFromEmail)
		if err != nil {
			return nil, err
		}
		effects.Mail = sender
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub)
		effects.Events = pub
	}
	return effects, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Warn("close", "error", err)
		}
	}
	a.closers = nil
	if a.Store != nil {
		a.Store.Close()
	}
}
