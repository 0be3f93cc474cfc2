package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"agentrelay/internal/domain"
)

var errDisabled = errors.New("capability disabled")

// Transcoder turns voice bytes and image URLs into text. Every error it
// returns wraps domain.ErrTranscoding.
type Transcoder struct {
	stt    domain.Transcriber
	ocr    domain.TextExtractor
	prompt string
}

func NewTranscoder(stt domain.Transcriber, ocr domain.TextExtractor, prompt string) *Transcoder {
	return &Transcoder{stt: stt, ocr: ocr, prompt: prompt}
}

func (t *Transcoder) SpeechToText(ctx context.Context, audio []byte, filename string) (string, error) {
	if t.stt == nil {
		return "", fmt.Errorf("%w: speech to text %v", domain.ErrTranscoding, errDisabled)
	}
	text, err := t.stt.Transcribe(ctx, bytes.NewReader(audio), filename)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTranscoding, err)
	}
	return strings.TrimSpace(text), nil
}

func (t *Transcoder) OCR(ctx context.Context, imageURL string) (string, error) {
	if t.ocr == nil {
		return "", fmt.Errorf("%w: image reading %v", domain.ErrTranscoding, errDisabled)
	}
	text, err := t.ocr.ExtractText(ctx, imageURL, t.prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTranscoding, err)
	}
	return strings.TrimSpace(text), nil
}
