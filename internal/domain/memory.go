package domain

import (
	"context"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Conversation identifies one ordered turn history.
// SessionID is unique across the store and doubles as the conversation ID.
type Conversation struct {
	ChannelUserID string    `json:"channel_user_id"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c Conversation) ID() string { return c.SessionID }

// Turn is one immutable role-tagged message in a conversation.
type Turn struct {
	ID             int64     `json:"-"`
	ConversationID string    `json:"-"`
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Interaction is the per-update audit row written after dispatch.
type Interaction struct {
	ChatID         string
	Username       string
	FirstName      string
	LastName       string
	MessageType    string
	MessageContent string
	ReplyMessage   string
	DownloadFile   string
	CreatedAt      time.Time
}

// HistoryStore is an append-only log of turns per conversation.
type HistoryStore interface {
	EnsureConversation(ctx context.Context, conv Conversation) error
	Record(ctx context.Context, convID string, role Role, text string) error
	Replay(ctx context.Context, convID string) ([]Turn, error)
	Recent(ctx context.Context, convID string, limit int) ([]Turn, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
	LogInteraction(ctx context.Context, it Interaction) error
	Close() error
}

// SessionPointerStore remembers the active session of each channel user.
type SessionPointerStore interface {
	CurrentSession(ctx context.Context, channelUserID string) (sessionID string, updatedAt time.Time, err error)
	SetCurrentSession(ctx context.Context, channelUserID, sessionID string) error
	TouchSession(ctx context.Context, channelUserID string) error
}
