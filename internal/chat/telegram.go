package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ouroboros/internal/logging"
)

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token       string
	BaseURL     string
	PollTimeout time.Duration
}

// Telegram is a Channel over the Telegram Bot API using long polling.
type Telegram struct {
	cfg        TelegramConfig
	httpClient *http.Client

	mu     sync.Mutex
	offset int64
}

// NewTelegram creates a client.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Telegram{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
	}
}

type tgResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Date int64 `json:"date"`
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

func (t *Telegram) call(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.BaseURL, t.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// the URL embeds the token
		return fmt.Errorf("telegram %s: request failed", method)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return fmt.Errorf("telegram %s: read: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s: HTTP %d: %s", method, resp.StatusCode, truncate(string(data), 300))
	}
	return json.Unmarshal(data, out)
}

// Receive long-polls getUpdates and acknowledges what it returns.
func (t *Telegram) Receive(ctx context.Context) ([]Message, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	var resp tgResponse[[]tgUpdate]
	err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(t.cfg.PollTimeout / time.Second),
		"allowed_updates": []string{"message"},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram getUpdates: %s", resp.Description)
	}

	var msgs []Message
	for _, u := range resp.Result {
		if u.UpdateID >= offset {
			offset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		m := Message{
			ChatID: u.Message.Chat.ID,
			Text:   u.Message.Text,
			Date:   time.Unix(u.Message.Date, 0),
		}
		if u.Message.From != nil {
			m.UserID = u.Message.From.ID
			m.Username = u.Message.From.Username
		}
		msgs = append(msgs, m)
	}

	t.mu.Lock()
	t.offset = offset
	t.mu.Unlock()
	return msgs, nil
}

// Send delivers text, split into Telegram-sized messages.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if text == "" {
		text = "(empty)"
	}
	for _, part := range Split(text, MaxMessageLen) {
		var resp tgResponse[json.RawMessage]
		if err := t.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": part}, &resp); err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("telegram sendMessage: %s", resp.Description)
		}
	}
	logging.ChatDebug("sent %d chars to chat %d", len(text), chatID)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
