package main

import (
	"context"
	"fmt"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/config"
	"agentrelay/internal/history"
	"agentrelay/internal/identity"
	"agentrelay/internal/provider"
	"agentrelay/internal/relay"
	"agentrelay/internal/telegram"
)

// app holds the components built once at startup and shared by every request.
type app struct {
	cfg      *config.Config
	store    *history.SQLiteStore
	resolver *identity.Resolver
	limiter  *agent.RateLimiter
	invoker  *agent.Invoker
	tg       *telegram.Client
	router   *relay.Router
}

// newApp wires the history store, identity resolver and agent. With
// withTelegram it also connects the bot and builds the update router.
func newApp(cfg *config.Config, withTelegram bool) (*app, error) {
	store, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	a := &app{cfg: cfg, store: store}

	a.resolver, err = identity.NewResolver(identity.Config{
		Policy:      cfg.Session.Policy,
		Prefix:      cfg.Session.Prefix,
		IdleTimeout: time.Duration(cfg.Session.IdleTimeoutMinutes) * time.Minute,
		Store:       store,
		Logger:      logger.With("component", "identity"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	systemPrompt, err := config.ResolveSystemPrompt(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	backend, err := provider.NewAgent(cfg.Agent, systemPrompt, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = agent.NewRateLimiter(5, float64(cfg.Agent.RateLimitPerMinute))
	a.invoker = agent.NewInvoker(agent.Config{
		Agent:        backend,
		Store:        store,
		HistoryLimit: cfg.Agent.HistoryLimit,
		Limiter:      a.limiter,
		Logger:       logger.With("component", "invoker"),
	})

	if !withTelegram {
		return a, nil
	}

	a.tg, err = newTelegramClient(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	ocrPrompt := cfg.Vision.Prompt
	if ocrPrompt == "" {
		ocrPrompt = config.DefaultOCRPrompt
	}
	a.router = relay.NewRouter(relay.Config{
		Messenger: a.tg,
		Invoker:   a.invoker,
		Resolver:  a.resolver,
		Transcoder: relay.NewTranscoder(
			provider.NewTranscriber(cfg.Speech, logger),
			provider.NewTextExtractor(cfg.Vision, logger),
			ocrPrompt,
		),
		Synthesizer: provider.NewSynthesizer(cfg.TTS, logger),
		Audit:       store,
		AllowFrom:   cfg.Telegram.AllowFrom,
		Logger:      logger,
	})
	return a, nil
}

func newTelegramClient(cfg *config.Config) (*telegram.Client, error) {
	return telegram.NewClient(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Timeout:     time.Duration(cfg.Telegram.TimeoutSeconds) * time.Second,
		Logger:      logger.With("component", "telegram"),
	})
}

// pruneLimiter drops idle rate-limit buckets until ctx is done.
func (a *app) pruneLimiter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Prune(every); n > 0 {
				logger.Debug("pruned rate limit buckets", "count", n)
			}
		}
	}
}

func (a *app) Close() error {
	return a.store.Close()
}
