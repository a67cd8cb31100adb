package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/config"
	"sportpix-chat/internal/gemini"
	"sportpix-chat/internal/httpclient"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/web"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
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

	broker := web.NewBroker()
	machine := chat.New(chat.Options{
		Gateway:  gem,
		Renderer: web.NewFeed(broker),
		Persona:  persona,
		Logger:   logger,
	})
	machine.Start()

	srv, err := web.NewServer(web.Options{
		Addr:   cfg.WebAddr,
		Chat:   machine,
		Broker: broker,
		Logger: logger,
	})
	if err != nil {
		logger.Error("web init failed", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("shutting down")
}
