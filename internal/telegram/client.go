package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"agentrelay/internal/domain"
)

const (
	maxMessageLen  = 4000
	maxSendRetries = 3
	voiceFileName  = "reply.ogg"
	defaultTimeout = 60 * time.Second
)

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

type Config struct {
	Token        string
	APIEndpoint  string // defaults to tgbotapi.APIEndpoint
	FileEndpoint string // defaults to tgbotapi.FileEndpoint
	ParseMode    string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client implements domain.Messenger over the Telegram Bot API.
type Client struct {
	bot          botAPI
	token        string
	fileEndpoint string
	parseMode    string
	http         *http.Client
	logger       *slog.Logger
	username     string

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient connects to Telegram (a getMe round trip) and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	c := newClient(bot, cfg, httpClient)
	c.username = bot.Self.UserName
	c.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return c, nil
}

func newClient(bot botAPI, cfg Config, httpClient *http.Client) *Client {
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		bot:          bot,
		token:        cfg.Token,
		fileEndpoint: cfg.FileEndpoint,
		parseMode:    cfg.ParseMode,
		http:         httpClient,
		logger:       cfg.Logger,
		sleep:        sleepCtx,
	}
}

// Username is the bot's @handle as reported by getMe.
func (c *Client) Username() string { return c.username }

// FileURL resolves a file handle to its transient download URL.
func (c *Client) FileURL(ctx context.Context, fileID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	file, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file %s: %w: %v", fileID, domain.ErrNotFound, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("get file %s: %w: empty file path", fileID, domain.ErrNotFound)
	}
	return fmt.Sprintf(c.fileEndpoint, c.token, file.FilePath), nil
}

// FetchFile resolves the handle and downloads the bytes. No retries.
func (c *Client) FetchFile(ctx context.Context, fileID string) ([]byte, string, error) {
	url, err := c.FileURL(ctx, fileID)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, url, fmt.Errorf("download %s: %w", fileID, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, url, fmt.Errorf("download %s: %w: %v", fileID, domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, url, fmt.Errorf("download %s: %w: status 404", fileID, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, url, fmt.Errorf("download %s: %w: status %d", fileID, domain.ErrUpstream, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, url, fmt.Errorf("download %s: %w: %v", fileID, domain.ErrUpstream, err)
	}
	return data, url, nil
}

// SendText delivers text, split into chunks under Telegram's message limit.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := c.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendVoice uploads audio as an OGG voice note.
func (c *Client) SendVoice(ctx context.Context, chatID int64, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: voiceFileName, Bytes: audio})
	if _, err := c.bot.Send(voice); err != nil {
		return fmt.Errorf("send voice: %w: %v", domain.ErrUpstream, err)
	}
	return nil
}

// Typing shows the "typing..." indicator. Failures are ignored.
func (c *Client) Typing(ctx context.Context, chatID int64) {
	if ctx.Err() != nil {
		return
	}
	_, _ = c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

// SetWebhook registers url with Telegram. A non-empty secret is echoed back by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header of every update.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	resp, err := c.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if !resp.Ok {
		return fmt.Errorf("set webhook: %s", resp.Description)
	}
	c.logger.Info("telegram webhook registered", "url", url)
	return nil
}

func (c *Client) DeleteWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

func (c *Client) WebhookInfo(ctx context.Context) (tgbotapi.WebhookInfo, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.WebhookInfo{}, err
	}
	return c.bot.GetWebhookInfo()
}

// sendChunk sends one chunk with retry. The first attempt uses the configured
// parse mode; later attempts fall back to plain text.
func (c *Client) sendChunk(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && c.parseMode != "" {
			msg.ParseMode = c.parseMode
		}

		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			c.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			if err := c.sleep(ctx, retryAfter); err != nil {
				return err
			}
			continue
		}

		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			c.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}

		if attempt < maxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			c.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
		}
	}
	c.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", maxSendRetries+1)
	return fmt.Errorf("send message: %w: %v", domain.ErrUpstream, lastErr)
}

// splitMessage cuts text at newlines where possible, keeping every chunk
// within maxLen bytes and never splitting a rune.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				_, cutAt = utf8.DecodeRuneInString(text)
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
