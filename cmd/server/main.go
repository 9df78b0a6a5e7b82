// Command server runs the chat service: the HTTP API, the background title
// workers and the user replica subscriber.
//
// @title                      Chat Service API
// @version                    1.0
// @description                Chats, messages with optional attachments, and AI replies.
// @BasePath                   /v1
// @securityDefinitions.apikey Bearer
// @in                         header
// @name                       Authorization
// @description                "Bearer <JWT>"; the subject is the user's public id.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	_ "github.com/protu-ai/chat-service/docs"
	"github.com/protu-ai/chat-service/internal/ai"
	"github.com/protu-ai/chat-service/internal/config"
	"github.com/protu-ai/chat-service/internal/events"
	httpapi "github.com/protu-ai/chat-service/internal/http"
	"github.com/protu-ai/chat-service/internal/http/handlers"
	"github.com/protu-ai/chat-service/internal/observability"
	"github.com/protu-ai/chat-service/internal/repo"
	"github.com/protu-ai/chat-service/internal/services"
	"github.com/protu-ai/chat-service/internal/storage"
	"github.com/protu-ai/chat-service/internal/sysutil"
	"github.com/protu-ai/chat-service/internal/titles"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 20 * time.Second
	purgeEvery      = time.Hour
)

func main() {
	boot := sysutil.SetupLogging("info", false, nil)
	if err := config.LoadDotEnv(); err != nil {
		boot.Fatal().Err(err).Msg("read .env")
	}
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty, nil)
	logger.Info().Str("version", version).Str("db_driver", cfg.DBDriver).Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("bye")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version, cfg.GinMode)
	if err != nil {
		return err
	}
	defer flush(logger, "otel", shutdownOTel)

	dsn := cfg.DBPath
	if cfg.DBDriver == "postgres" {
		dsn = sysutil.FirstNonEmpty(cfg.DatabaseURL, os.Getenv("POSTGRES_URL"))
	}
	db, err := repo.Open(cfg.DBDriver, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close(db) }()
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	files, err := storage.New(cfg.Uploads.Dir, cfg.Uploads.TmpDir, cfg.Uploads.MaxBytes)
	if err != nil {
		return err
	}
	aiClient := ai.New(cfg.AIServiceURL, ai.WithLogger(logger))

	chats := services.NewChatService(db, nil)
	chats.Files = files
	msgs := &services.MessageService{DB: db, Chats: chats}

	titleQueue := titles.NewQueue(aiClient, chats, titles.Options{
		Workers:     cfg.Titles.Workers,
		QueueSize:   cfg.Titles.QueueSize,
		MaxAttempts: cfg.Titles.MaxAttempts,
		Logger:      logger,
	})
	// Title jobs drain on shutdown; Stop cancels and joins them at the
	// deadline, before the database is closed.
	titleQueue.Start(context.Background())
	defer flush(logger, "titles", titleQueue.Stop)

	bgCtx, cancelBG := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancelBG()

	if cfg.Events.Enabled {
		sub := events.NewSubscriber(&services.ReplicaService{DB: db}, events.Options{
			URL:      cfg.Events.URL,
			Exchange: cfg.Events.Exchange,
			Queue:    cfg.Events.Queue,
			Logger:   logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sub.Run(bgCtx); err != nil {
				logger.Error().Err(err).Msg("user event subscriber stopped")
			}
		}()
	} else {
		logger.Warn().Msg("user events disabled; the replica will only contain seeded users")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		purgeIdempotency(bgCtx, db, logger)
	}()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, handlers.Deps{
		Chats:    chats,
		Messages: msgs,
		Ingest: &services.IngestService{
			Chats:    chats,
			Messages: msgs,
			AI:       aiClient,
			Files:    files,
			Titles:   titleQueue,
		},
		Uploads:        files,
		DB:             db,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// purgeIdempotency drops expired replay records until ctx ends.
func purgeIdempotency(ctx context.Context, db *gorm.DB, logger zerolog.Logger) {
	t := time.NewTicker(purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, now)
			if err != nil {
				logger.Warn().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("purged", n).Msg("expired idempotency records removed")
			}
		}
	}
}

func flush(logger zerolog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("component", what).Msg("shutdown")
	}
}
