// Package server exposes the Telegram webhook, the HTTP chat API and the
// history browser.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentrelay/internal/domain"
	"agentrelay/internal/identity"
	"agentrelay/internal/metrics"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second

	// httpUserID is the channel user for conversations started over /chat.
	httpUserID = "http"
)

// Dispatcher handles one classified Telegram update to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, upd domain.InboundUpdate)
}

// Invoker runs one agent exchange and records the rendered text as the
// agent turn.
type Invoker interface {
	Reply(ctx context.Context, conv domain.Conversation, text string, render func(domain.AgentReply, error) string) (string, error)
}

// HistoryReader is the read side of the history store.
type HistoryReader interface {
	EnsureConversation(ctx context.Context, conv domain.Conversation) error
	Replay(ctx context.Context, convID string) ([]domain.Turn, error)
	ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error)
}

type Config struct {
	Host           string
	Port           int
	WebhookPath    string
	WebhookSecret  string
	MetricsEnabled bool
	MetricsPath    string
	Version        string

	Dispatcher Dispatcher
	Invoker    Invoker
	History    HistoryReader
	NewSession func() string // defaults to identity.MintSessionID
	Logger     *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
	server *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook/"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{cfg: cfg, logger: cfg.Logger.With("component", "http")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Post(s.cfg.WebhookPath, s.handleWebhook)
	r.Post("/chat", s.handleChat)
	r.Get("/chat", s.handleChatSession)
	r.Post("/sessions", s.handleNewSession)
	r.Get("/history", s.handleHistory)
	r.Get("/status", s.handleStatus)
	if s.cfg.MetricsEnabled {
		r.Get(s.cfg.MetricsPath, metrics.Collector.Handler())
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Run serves until ctx is cancelled, then drains in-flight requests for up to
// shutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "addr", s.server.Addr, "webhook", s.cfg.WebhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) newSessionID() string {
	if s.cfg.NewSession != nil {
		return s.cfg.NewSession()
	}
	return identity.MintSessionID()
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
