// Package relay dispatches classified Telegram updates through transcoding,
// the agent and back to the chat.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agentrelay/internal/domain"
	"agentrelay/internal/metrics"
)

const voiceFileName = "voice.ogg"

// Invoker runs one agent exchange and records the rendered text as the
// agent turn.
type Invoker interface {
	Reply(ctx context.Context, conv domain.Conversation, text string, render func(domain.AgentReply, error) string) (string, error)
}

// Resolver maps a chat to its current conversation.
type Resolver interface {
	Resolve(ctx context.Context, chatID int64) (domain.Conversation, error)
	Rotate(ctx context.Context, chatID int64) (domain.Conversation, error)
	Rotating() bool
}

// typingNotifier is implemented by messengers that can show a typing hint.
type typingNotifier interface {
	Typing(ctx context.Context, chatID int64)
}

// InteractionLogger stores the per-update audit row.
type InteractionLogger interface {
	LogInteraction(ctx context.Context, it domain.Interaction) error
}

type Config struct {
	Messenger   domain.Messenger
	Invoker     Invoker
	Resolver    Resolver
	Transcoder  *Transcoder
	Synthesizer domain.Synthesizer // nil disables voice replies
	Audit       InteractionLogger  // nil disables the audit log
	AllowFrom   []string           // chat IDs; empty allows everyone
	Logger      *slog.Logger
}

// Router produces exactly one outcome per update: a reply or a fixed notice.
type Router struct {
	messenger   domain.Messenger
	invoker     Invoker
	resolver    Resolver
	transcoder  *Transcoder
	synthesizer domain.Synthesizer
	audit       InteractionLogger
	allowFrom   map[int64]bool
	logger      *slog.Logger
}

func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transcoder == nil {
		cfg.Transcoder = NewTranscoder(nil, nil, "")
	}
	allowed := make(map[int64]bool)
	for _, s := range cfg.AllowFrom {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			cfg.Logger.Warn("ignoring invalid allowFrom entry", "value", s)
			continue
		}
		allowed[id] = true
	}
	return &Router{
		messenger:   cfg.Messenger,
		invoker:     cfg.Invoker,
		resolver:    cfg.Resolver,
		transcoder:  cfg.Transcoder,
		synthesizer: cfg.Synthesizer,
		audit:       cfg.Audit,
		allowFrom:   allowed,
		logger:      cfg.Logger.With("component", "relay"),
	}
}

// exchange collects what one dispatch did, for the audit row.
type exchange struct {
	upd      domain.InboundUpdate
	content  string
	reply    string
	download string
}

// Dispatch handles one update to completion.
func (r *Router) Dispatch(ctx context.Context, upd domain.InboundUpdate) {
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	payload := upd.Payload
	if payload == nil {
		payload = domain.UnsupportedPayload{Type: "unknown"}
		upd.Payload = payload
	}
	metrics.UpdatesTotal(payload.Kind()).Inc()

	log := r.logger.With("chat_id", upd.ChatID, "kind", payload.Kind())
	if !r.allowed(upd.ChatID) {
		log.Warn("chat not in allow list", "username", upd.Username)
		r.send(ctx, upd.ChatID, unauthorizedText)
		return
	}
	log.Info("update received")

	ex := &exchange{upd: upd}
	switch p := payload.(type) {
	case domain.TextPayload:
		r.handleText(ctx, ex, p)
	case domain.VoicePayload:
		r.handleVoice(ctx, ex, p)
	case domain.PhotoPayload:
		r.handleImage(ctx, ex, p.FileID, p.Caption, mediaPhoto)
	case domain.DocumentImagePayload:
		r.handleImage(ctx, ex, p.FileID, p.Caption, mediaDocument)
	case domain.StickerPayload:
		ex.content = p.Emoji
		r.ask(ctx, ex, p.Emoji)
	case domain.UnsupportedPayload:
		ex.content = p.Type
		r.notify(ctx, ex, unsupportedNotice)
	default:
		r.notify(ctx, ex, unsupportedNotice)
	}

	r.logInteraction(ctx, ex)
}

func (r *Router) handleText(ctx context.Context, ex *exchange, p domain.TextPayload) {
	text := p.Text
	ex.content = text
	switch cmd := command(text); {
	case strings.HasPrefix(text, "/start"):
		text = greeting(ex.upd.FirstName, ex.upd.LastName)
	case cmd == "/new":
		r.newConversation(ctx, ex)
		return
	case cmd == "/help":
		r.notify(ctx, ex, helpText)
		return
	}
	r.ask(ctx, ex, text)
}

func (r *Router) newConversation(ctx context.Context, ex *exchange) {
	if !r.resolver.Rotating() {
		r.notify(ctx, ex, "This chat keeps a single conversation.")
		return
	}
	conv, err := r.resolver.Rotate(ctx, ex.upd.ChatID)
	if err != nil {
		metrics.FailuresTotal("session").Inc()
		r.logger.Warn("rotate session failed", "chat_id", ex.upd.ChatID, "err", err)
		r.notify(ctx, ex, "Sorry, I couldn't start a new conversation.")
		return
	}
	r.notify(ctx, ex, "Started a new conversation ("+conv.SessionID+").")
}

func (r *Router) handleVoice(ctx context.Context, ex *exchange, p domain.VoicePayload) {
	audio, url, err := r.messenger.FetchFile(ctx, p.FileID)
	if err != nil {
		r.fetchFailed(ctx, ex, mediaAudio, err)
		return
	}
	ex.download = url

	text, err := r.transcoder.SpeechToText(ctx, audio, voiceFileName)
	if err != nil {
		metrics.FailuresTotal("transcribe").Inc()
		r.logger.Warn("transcription failed", "chat_id", ex.upd.ChatID, "err", err)
		text = transcriptionFallback(err)
	}
	ex.content = text
	r.ask(ctx, ex, text)
}

func (r *Router) handleImage(ctx context.Context, ex *exchange, fileID, caption string, kind mediaKind) {
	url, err := r.messenger.FileURL(ctx, fileID)
	if err != nil {
		r.fetchFailed(ctx, ex, kind, err)
		return
	}
	ex.download = url

	extracted, err := r.transcoder.OCR(ctx, url)
	if err != nil {
		metrics.FailuresTotal("ocr").Inc()
		r.logger.Warn("image reading failed", "chat_id", ex.upd.ChatID, "err", err)
		extracted = ocrFallback(err)
		r.send(ctx, ex.upd.ChatID, extracted)
	} else {
		r.send(ctx, ex.upd.ChatID, ocrPreamble+extracted)
	}

	input := extracted
	if caption = strings.TrimSpace(caption); caption != "" {
		input = extracted + "\n\n" + caption
	}
	ex.content = input
	r.ask(ctx, ex, input)
}

// ask forwards text to the agent and replies with the answer, or with the
// error policy text, followed by the spoken version.
func (r *Router) ask(ctx context.Context, ex *exchange, text string) {
	chatID := ex.upd.ChatID
	conv, err := r.resolver.Resolve(ctx, chatID)
	if err != nil {
		metrics.FailuresTotal("session").Inc()
		r.logger.Warn("resolve conversation failed", "chat_id", chatID, "err", err)
		r.replyWithSpeech(ctx, ex, agentFailureReply(err))
		return
	}

	if t, ok := r.messenger.(typingNotifier); ok {
		t.Typing(ctx, chatID)
	}

	out, _ := r.invoker.Reply(ctx, conv, text, agentReply)
	r.replyWithSpeech(ctx, ex, out)
}

func (r *Router) fetchFailed(ctx context.Context, ex *exchange, kind mediaKind, err error) {
	metrics.FailuresTotal("fetch").Inc()
	level := slog.LevelError
	if errors.Is(err, domain.ErrNotFound) {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "media fetch failed", "chat_id", ex.upd.ChatID, "media", string(kind), "err", err)
	r.notify(ctx, ex, fetchFailedReply(kind))
}

// notify sends a fixed text without speech.
func (r *Router) notify(ctx context.Context, ex *exchange, text string) {
	ex.reply = text
	r.send(ctx, ex.upd.ChatID, text)
}

func (r *Router) replyWithSpeech(ctx context.Context, ex *exchange, text string) {
	ex.reply = text
	r.send(ctx, ex.upd.ChatID, text)
	r.speak(ctx, ex.upd.ChatID, text)
}

func (r *Router) send(ctx context.Context, chatID int64, text string) {
	if err := r.messenger.SendText(ctx, chatID, text); err != nil {
		metrics.FailuresTotal("send").Inc()
		r.logger.Error("send reply failed", "chat_id", chatID, "err", err)
	}
}

// speak is best effort: a nil buffer skips the voice note and errors are only
// logged.
func (r *Router) speak(ctx context.Context, chatID int64, text string) {
	if r.synthesizer == nil {
		return
	}
	audio, err := r.synthesizer.Synthesize(ctx, text)
	if err != nil {
		metrics.FailuresTotal("tts").Inc()
		r.logger.Warn("speech synthesis failed", "chat_id", chatID, "err", err)
		return
	}
	if audio == nil {
		return
	}
	if err := r.messenger.SendVoice(ctx, chatID, audio); err != nil {
		metrics.FailuresTotal("send").Inc()
		r.logger.Warn("send voice failed", "chat_id", chatID, "err", err)
		return
	}
	metrics.VoiceReplies.Inc()
}

func (r *Router) logInteraction(ctx context.Context, ex *exchange) {
	if r.audit == nil {
		return
	}
	it := domain.Interaction{
		ChatID:         strconv.FormatInt(ex.upd.ChatID, 10),
		Username:       ex.upd.Username,
		FirstName:      ex.upd.FirstName,
		LastName:       ex.upd.LastName,
		MessageType:    ex.upd.Payload.Kind(),
		MessageContent: ex.content,
		ReplyMessage:   ex.reply,
		DownloadFile:   ex.download,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.audit.LogInteraction(ctx, it); err != nil {
		metrics.FailuresTotal("persist").Inc()
		r.logger.Warn("interaction log failed", "chat_id", ex.upd.ChatID, "err", err)
	}
}

func (r *Router) allowed(chatID int64) bool {
	return len(r.allowFrom) == 0 || r.allowFrom[chatID]
}

// command returns the leading bot command of text without any @botname
// suffix, or "".
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word := strings.Fields(text)[0]
	if i := strings.IndexByte(word, '@'); i > 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}
