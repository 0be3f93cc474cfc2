package domain

import "context"

// Messenger is the outbound side of the messaging platform plus its
// two-step file lookup.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendVoice(ctx context.Context, chatID int64, audio []byte) error
	FileURL(ctx context.Context, fileID string) (string, error)
	FetchFile(ctx context.Context, fileID string) (data []byte, url string, err error)
}
