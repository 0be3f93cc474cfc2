// Package telegram adapts the Telegram Bot API to the relay: it decodes
// webhook updates into domain payloads and implements domain.Messenger.
package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"agentrelay/internal/domain"
)

// DecodeUpdate parses a webhook request body.
func DecodeUpdate(r io.Reader) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r).Decode(&update); err != nil {
		return tgbotapi.Update{}, fmt.Errorf("decode update: %w: %v", domain.ErrMalformed, err)
	}
	return update, nil
}

// Classify turns an update into an InboundUpdate. ok is false when the update
// carries no message (edits, callbacks, channel posts) and must be ignored.
//
// Payload priority: text, voice, photo, sticker, image document. Anything
// else, including non-image documents, is UnsupportedPayload.
func Classify(update tgbotapi.Update) (domain.InboundUpdate, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return domain.InboundUpdate{}, false
	}

	in := domain.InboundUpdate{
		ChatID:    msg.Chat.ID,
		Username:  msg.Chat.UserName,
		FirstName: msg.Chat.FirstName,
		LastName:  msg.Chat.LastName,
	}
	if msg.From != nil {
		in.Username = msg.From.UserName
		in.FirstName = msg.From.FirstName
		in.LastName = msg.From.LastName
	}

	switch {
	case msg.Text != "":
		in.Payload = domain.TextPayload{Text: msg.Text}
	case msg.Voice != nil:
		in.Payload = domain.VoicePayload{
			FileID:   msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Duration: msg.Voice.Duration,
		}
	case len(msg.Photo) > 0:
		in.Payload = domain.PhotoPayload{
			FileID:  largestPhoto(msg.Photo).FileID,
			Caption: msg.Caption,
		}
	case msg.Sticker != nil:
		in.Payload = domain.StickerPayload{Emoji: msg.Sticker.Emoji}
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		in.Payload = domain.DocumentImagePayload{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Caption:  msg.Caption,
		}
	default:
		in.Payload = domain.UnsupportedPayload{Type: unsupportedType(msg)}
	}
	return in, true
}

// largestPhoto picks the highest-resolution size Telegram offers.
func largestPhoto(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[len(sizes)-1]
	for _, s := range sizes {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best
}

func unsupportedType(msg *tgbotapi.Message) string {
	switch {
	case msg.Document != nil:
		return "document"
	case msg.Video != nil:
		return "video"
	case msg.VideoNote != nil:
		return "video_note"
	case msg.Audio != nil:
		return "audio"
	case msg.Animation != nil:
		return "animation"
	case msg.Location != nil:
		return "location"
	case msg.Contact != nil:
		return "contact"
	case msg.Poll != nil:
		return "poll"
	default:
		return "unknown"
	}
}
