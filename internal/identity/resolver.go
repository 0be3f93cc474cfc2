// Package identity maps a chat to the conversation its next turn belongs to.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentrelay/internal/domain"
)

const (
	PolicyFixed    = "fixed"
	PolicyRotating = "rotating"

	DefaultPrefix = "session_"
)

type Config struct {
	Policy      string
	Prefix      string
	IdleTimeout time.Duration // rotating only; 0 disables expiry
	Store       domain.SessionPointerStore
	Logger      *slog.Logger
	Now         func() time.Time
}

// Resolver picks the session id for a chat. Under the fixed policy every chat
// keeps one conversation forever; under the rotating policy the current
// session lives in the pointer store and is replaced on idle timeout or Rotate.
type Resolver struct {
	policy      string
	prefix      string
	idleTimeout time.Duration
	store       domain.SessionPointerStore
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyFixed
	}
	if cfg.Policy != PolicyFixed && cfg.Policy != PolicyRotating {
		return nil, fmt.Errorf("unknown session policy %q", cfg.Policy)
	}
	if cfg.Policy == PolicyRotating && cfg.Store == nil {
		return nil, fmt.Errorf("rotating session policy needs a session store")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{
		policy:      cfg.Policy,
		prefix:      cfg.Prefix,
		idleTimeout: cfg.IdleTimeout,
		store:       cfg.Store,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}, nil
}

func (r *Resolver) Policy() string { return r.policy }

// Rotating reports whether explicit new-chat actions take effect.
func (r *Resolver) Rotating() bool { return r.policy == PolicyRotating }

func (r *Resolver) Resolve(ctx context.Context, chatID int64) (domain.Conversation, error) {
	userID := strconv.FormatInt(chatID, 10)
	if r.policy == PolicyFixed {
		return domain.Conversation{ChannelUserID: userID, SessionID: r.prefix + userID}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, updatedAt, err := r.store.CurrentSession(ctx, userID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load current session: %w", err)
	}

	if sessionID != "" && !r.expired(updatedAt) {
		if err := r.store.TouchSession(ctx, userID); err != nil {
			r.logger.Warn("touch session failed", "chat_id", chatID, "err", err)
		}
		return domain.Conversation{ChannelUserID: userID, SessionID: sessionID}, nil
	}

	if sessionID != "" {
		r.logger.Info("session idle, rotating", "chat_id", chatID, "previous", sessionID)
	}
	return r.rotateLocked(ctx, userID)
}

// Rotate starts a fresh conversation for the chat. Under the fixed policy it
// returns the unchanged fixed conversation.
func (r *Resolver) Rotate(ctx context.Context, chatID int64) (domain.Conversation, error) {
	if r.policy == PolicyFixed {
		return r.Resolve(ctx, chatID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked(ctx, strconv.FormatInt(chatID, 10))
}

func (r *Resolver) rotateLocked(ctx context.Context, userID string) (domain.Conversation, error) {
	sessionID := r.prefix + MintSessionID()
	if err := r.store.SetCurrentSession(ctx, userID, sessionID); err != nil {
		return domain.Conversation{}, fmt.Errorf("store current session: %w", err)
	}
	r.logger.Info("minted session", "chat_id", userID, "session", sessionID)
	return domain.Conversation{ChannelUserID: userID, SessionID: sessionID}, nil
}

func (r *Resolver) expired(updatedAt time.Time) bool {
	if r.idleTimeout <= 0 || updatedAt.IsZero() {
		return false
	}
	return r.now().Sub(updatedAt) > r.idleTimeout
}

// MintSessionID returns a fresh random session token.
func MintSessionID() string {
	return uuid.NewString()
}
