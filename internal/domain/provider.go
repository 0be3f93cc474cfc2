package domain

import (
	"context"
	"io"
)

// Agent is the opaque LLM-backed responder.
type Agent interface {
	Name() string
	Respond(ctx context.Context, history []Turn, input string) (AgentReply, error)
}

// Transcriber converts speech audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// TextExtractor reads the text visible in an image (OCR).
type TextExtractor interface {
	ExtractText(ctx context.Context, imageURL, prompt string) (string, error)
}

// Synthesizer turns reply text into voice audio.
// A nil buffer with a nil error means synthesis is switched off.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
