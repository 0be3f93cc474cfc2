// Package agent runs one conversational exchange against the configured
// agent backend while keeping the conversation's turn log consistent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
)

type Config struct {
	Agent        domain.Agent
	Store        domain.HistoryStore
	HistoryLimit int
	Limiter      *RateLimiter // nil disables throttling
	Logger       *slog.Logger
}

// Invoker records the user turn, calls the agent with recent context, and
// records the agent turn. Exchanges on one conversation never interleave.
type Invoker struct {
	agent        domain.Agent
	store        domain.HistoryStore
	historyLimit int
	limiter      *RateLimiter
	logger       *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func NewInvoker(cfg Config) *Invoker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	return &Invoker{
		agent:        cfg.Agent,
		store:        cfg.Store,
		historyLimit: cfg.HistoryLimit,
		limiter:      cfg.Limiter,
		logger:       cfg.Logger,
		locks:        make(map[string]*convLock),
	}
}

// Invoke runs one exchange and records the agent turn only when the reply is
// non-empty. Persistence failures are logged and never returned; agent
// failures are wrapped in domain.ErrUpstream. An empty reply is not an error.
func (inv *Invoker) Invoke(ctx context.Context, conv domain.Conversation, text string) (domain.AgentReply, error) {
	unlock := inv.lock(conv.ID())
	defer unlock()

	reply, err := inv.exchange(ctx, conv, text)
	if err == nil && !reply.Empty() {
		inv.recordTurn(ctx, conv, domain.RoleAgent, reply.Text)
	}
	return reply, err
}

// Reply runs one exchange and records the text render produces as the agent
// turn, so failure notices and the empty-reply notice land in history as the
// user saw them. A blank render records nothing. The agent error, if any, is
// returned alongside.
func (inv *Invoker) Reply(ctx context.Context, conv domain.Conversation, text string, render func(domain.AgentReply, error) string) (string, error) {
	unlock := inv.lock(conv.ID())
	defer unlock()

	reply, err := inv.exchange(ctx, conv, text)
	out := render(reply, err)
	if out != "" {
		inv.recordTurn(ctx, conv, domain.RoleAgent, out)
	}
	return out, err
}

// exchange ensures the conversation, records the user turn and calls the
// agent. The caller holds the conversation lock.
func (inv *Invoker) exchange(ctx context.Context, conv domain.Conversation, text string) (domain.AgentReply, error) {
	if err := inv.store.EnsureConversation(ctx, conv); err != nil {
		inv.persistFailed("ensure conversation", conv, err)
	}

	history := inv.context(ctx, conv)
	inv.recordTurn(ctx, conv, domain.RoleUser, text)

	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx, conv.ID()); err != nil {
			return domain.AgentReply{}, fmt.Errorf("rate limit wait: %w: %v", domain.ErrUpstream, err)
		}
	}

	metrics.AgentCalls.Inc()
	start := time.Now()
	reply, err := inv.agent.Respond(ctx, history, text)
	metrics.AgentLatency(inv.agent.Name()).ObserveSince(start)
	if err != nil {
		metrics.FailuresTotal("agent").Inc()
		inv.logger.Error("agent call failed",
			"session", conv.ID(),
			"backend", inv.agent.Name(),
			"err", err,
		)
		if !errors.Is(err, domain.ErrUpstream) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstream, err)
		}
		return domain.AgentReply{}, err
	}

	inv.logger.Info("agent replied",
		"session", conv.ID(),
		"backend", inv.agent.Name(),
		"latency", time.Since(start),
		"reply_len", len(reply.Text),
	)
	return reply, nil
}

// context loads the last historyLimit turns before the new input.
func (inv *Invoker) context(ctx context.Context, conv domain.Conversation) []domain.Turn {
	if inv.historyLimit == 0 {
		return nil
	}
	turns, err := inv.store.Recent(ctx, conv.ID(), inv.historyLimit)
	if err != nil {
		inv.persistFailed("load history", conv, err)
		return nil
	}
	return turns
}

func (inv *Invoker) recordTurn(ctx context.Context, conv domain.Conversation, role domain.Role, text string) {
	if err := inv.store.Record(ctx, conv.ID(), role, text); err != nil {
		inv.persistFailed("record "+string(role)+" turn", conv, err)
	}
}

func (inv *Invoker) persistFailed(op string, conv domain.Conversation, err error) {
	metrics.FailuresTotal("persist").Inc()
	inv.logger.Warn("history write failed", "op", op, "session", conv.ID(), "err", err)
}

// lock serializes exchanges per conversation and drops idle entries.
func (inv *Invoker) lock(convID string) func() {
	inv.locksMu.Lock()
	l, ok := inv.locks[convID]
	if !ok {
		l = &convLock{}
		inv.locks[convID] = l
	}
	l.refs++
	inv.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		inv.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(inv.locks, convID)
		}
		inv.locksMu.Unlock()
	}
}
