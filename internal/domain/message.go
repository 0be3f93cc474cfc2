package domain

// InboundUpdate is one decoded message from the messaging platform.
// It exists only for the duration of a single dispatch.
type InboundUpdate struct {
	ChatID    int64
	Username  string
	FirstName string
	LastName  string
	Payload   Payload
}

// Payload is the closed set of message kinds the router understands.
// Only types in this package implement it.
type Payload interface {
	Kind() string
	isPayload()
}

type TextPayload struct {
	Text string
}

type VoicePayload struct {
	FileID   string
	MimeType string
	Duration int
}

type PhotoPayload struct {
	FileID  string
	Caption string
}

// DocumentImagePayload is a document upload whose mime type is image/*.
type DocumentImagePayload struct {
	FileID   string
	FileName string
	MimeType string
	Caption  string
}

type StickerPayload struct {
	Emoji string
}

// UnsupportedPayload covers every message kind without a handler.
type UnsupportedPayload struct {
	Type string
}

func (TextPayload) Kind() string          { return "text" }
func (VoicePayload) Kind() string         { return "voice" }
func (PhotoPayload) Kind() string         { return "photo" }
func (DocumentImagePayload) Kind() string { return "document (image)" }
func (StickerPayload) Kind() string       { return "sticker" }
func (UnsupportedPayload) Kind() string   { return "unknown" }

func (TextPayload) isPayload()          {}
func (VoicePayload) isPayload()         {}
func (PhotoPayload) isPayload()         {}
func (DocumentImagePayload) isPayload() {}
func (StickerPayload) isPayload()       {}
func (UnsupportedPayload) isPayload()   {}

// AgentReply is the agent's textual answer. Empty text means the agent
// produced no response, which is not an error.
type AgentReply struct {
	Text string
}

func (r AgentReply) Empty() bool { return r.Text == "" }
