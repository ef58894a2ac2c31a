// Package notify pushes operational events (missed transfers, shared
// locations, technical failures) to the on-call Telegram channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/notdienststation/dispatch/pkg/logging"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// Notifier delivers a short operator-facing message. Implementations are
// best-effort; callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Telegram posts messages to a fixed chat via the Bot API. A nil or
// unconfigured Telegram silently drops messages, so callers never have
// to branch on deployment config.
type Telegram struct {
	token      string
	chatID     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// TelegramConfig configures the notifier.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// BaseURL overrides the Bot API base URL (for testing).
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// NewTelegram creates a notifier.
func NewTelegram(cfg TelegramConfig) *Telegram {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTelegramBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Telegram{
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify sends one message to the configured chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if t == nil || t.token == "" || t.chatID == "" {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	payload, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed sendMessageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("notify: decode response (status %d): %w", resp.StatusCode, err)
	}
	if !parsed.OK {
		return fmt.Errorf("notify: telegram rejected message: %s", parsed.Description)
	}

	t.logger.Debug("telegram notification sent", "chars", len(text))
	return nil
}
