package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/config"
	"sportpix-chat/internal/gemini"
	"sportpix-chat/internal/handlers"
	"sportpix-chat/internal/httpclient"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/telegram"
)

// maxConcurrent bounds in-flight update handlers. The machine itself keeps a
// single Gateway call in flight; the rest only hit the busy guard.
const maxConcurrent = 4

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadBot()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	persona, err := prompt.Load(cfg.PersonaFile)
	if err != nil {
		logger.Error("persona load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := httpclient.New(httpclient.Options{
		PreferIPv4: cfg.PreferIPv4,
		Timeout:    cfg.HTTPTimeout,
		Logger:     logger,
	})

	tg, err := telegram.New(telegram.Options{
		Token:      cfg.TelegramToken,
		HTTPClient: httpClient,
		Logger:     logger,
		Debug:      cfg.Debug,
	})
	if err != nil {
		logger.Error("telegram init failed", "err", err)
		os.Exit(1)
	}

	gem, err := gemini.New(ctx, gemini.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		APIVersion: cfg.GeminiAPIVersion,
		HTTPClient: httpClient,
		Logger:     logger,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.ImageModel,
		EditModel:  cfg.EditModel,
		Persona:    persona,
	})
	if err != nil {
		logger.Error("gemini init failed", "err", err)
		os.Exit(1)
	}

	machine := chat.New(chat.Options{
		Gateway: gem,
		Renderer: telegram.NewRenderer(telegram.RendererOptions{
			API:    tg,
			ChatID: cfg.TelegramChatID,
			Logger: logger,
		}),
		Persona: persona,
		Logger:  logger,
	})

	handler := handlers.New(handlers.Options{
		Telegram: tg,
		Chat:     machine,
		ChatID:   cfg.TelegramChatID,
		Logger:   logger,
	})

	logger.Info("bot started", "username", tg.Username(), "chat_id", cfg.TelegramChatID)

	updates := tg.Updates(telegram.UpdatesOptions{
		Timeout: 30 * time.Second,
	})
	defer tg.StopUpdates()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent + 1)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case update, ok := <-updates:
				if !ok {
					logger.Info("updates channel closed")
					return nil
				}

				// Gateway calls are not cancelled on shutdown.
				updateCtx := context.WithoutCancel(gctx)
				g.Go(func() error {
					if err := handler.HandleUpdate(updateCtx, update); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("handle update failed", "err", err)
					}
					return nil
				})
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("bot stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
