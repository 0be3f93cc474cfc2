package relay

import (
	"errors"
	"fmt"
	"strings"

	"agentrelay/internal/domain"
)

// Fixed user-visible texts.
const (
	unsupportedNotice = "Sorry, I can't handle this type of message yet."
	emptyReplyNotice  = "No response generated."
	ocrPreamble       = "🖼️ I read this from your image:\n\n"
	unauthorizedText  = "⛔ Unauthorized. This chat is not in the allow list."
)

// mediaKind names the file the user sent in fetch failure notices.
type mediaKind string

const (
	mediaAudio    mediaKind = "audio file"
	mediaPhoto    mediaKind = "photo"
	mediaDocument mediaKind = "document"
)

// fetchFailedReply is shown for any media lookup or download failure. The
// agent is not called afterwards.
func fetchFailedReply(kind mediaKind) string {
	return "Sorry, could not retrieve the " + string(kind) + "."
}

// transcriptionFallback turns an STT failure into the text forwarded to the
// agent in place of the transcript.
func transcriptionFallback(err error) string {
	return "Transcription error: " + cause(err, domain.ErrTranscoding)
}

// ocrFallback is shown to the user and forwarded to the agent when the image
// could not be read.
func ocrFallback(err error) string {
	return "Sorry, I couldn't read the image: " + cause(err, domain.ErrTranscoding)
}

// agentFailureReply surfaces an agent error as the reply text.
func agentFailureReply(err error) string {
	return "Sorry, I'm having trouble processing your request: " + cause(err, domain.ErrUpstream)
}

// agentReply is the text delivered for an agent outcome; it is also what the
// history records as the agent turn.
func agentReply(reply domain.AgentReply, err error) string {
	switch {
	case err != nil:
		return agentFailureReply(err)
	case reply.Empty():
		return emptyReplyNotice
	}
	return reply.Text
}

// cause strips the sentinel kind from err so users see the underlying reason.
func cause(err error, kind error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if errors.Is(err, kind) {
		msg = strings.Replace(msg, kind.Error()+": ", "", 1)
	}
	return msg
}

func greeting(first, last string) string {
	return fmt.Sprintf("Hello %s %s\n\nHi", first, last)
}

const helpText = `Send me a message, a voice note or a picture with text and I'll answer.

Commands:
/start - say hello
/new - start a fresh conversation
/help - show this message`
