// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for the Bot API sendMessage method.
type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// apiResponse is the envelope every Bot API reply carries.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// quiet reports whether kind is routine enough to arrive without a sound.
// Failures always notify loudly.
func quiet(kind models.NotificationKind) bool {
	return kind == models.NotifyWakeTriggered || kind == models.NotifyServerOnline
}

// SendNotification sends a lifecycle notification via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Debug().
		Str("chat_id", cfg.ChatID).
		Str("kind", string(msg.Kind)).
		Msg("sending Telegram notification")

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  s.formatMessage(msg),
		ParseMode:             "HTML",
		DisableNotification:   quiet(msg.Kind),
		DisableWebPagePreview: true,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	if err := s.post(ctx, cfg.BotToken, "sendMessage", body); err != nil {
		result.Error = err
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Str("kind", string(msg.Kind)).Msg("Telegram notification sent")
	return result, nil
}

// post calls a Bot API method and turns a non-ok reply into an error that
// carries Telegram's description.
func (s *Impl) post(ctx context.Context, token, method string, body []byte) error {
	url := fmt.Sprintf("%s/bot%s/%s", s.baseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var reply apiResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&reply)

	if resp.StatusCode != http.StatusOK {
		if reply.Description != "" {
			return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, reply.Description)
		}
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	if decodeErr == nil && !reply.OK {
		return fmt.Errorf("telegram API rejected %s: %s", method, reply.Description)
	}
	return nil
}

var headlines = map[models.NotificationKind]string{
	models.NotifyWakeTriggered: "⏰ <b>Waking Server</b>",
	models.NotifyServerOnline:  "✅ <b>Server Online</b>",
	models.NotifyBootTimeout:   "❌ <b>Boot Timeout</b>",
	models.NotifyServerLost:    "⚠️ <b>Server Lost</b>",
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	headline, ok := headlines[msg.Kind]
	if !ok {
		headline = "ℹ️ <b>" + escapeHTML(string(msg.Kind)) + "</b>"
	}
	b.WriteString(headline + "\n\n")

	fmt.Fprintf(&b, "🖥 <b>Server:</b> %s\n", escapeHTML(msg.TargetIP))
	fmt.Fprintf(&b, "🕒 <b>Time:</b> %s\n", msg.Time.Format("2006-01-02 15:04:05"))

	switch msg.Kind {
	case models.NotifyWakeTriggered:
		fmt.Fprintf(&b, "🎮 <b>Game:</b> %s\n", escapeHTML(msg.Game))
		if msg.Peer != "" {
			fmt.Fprintf(&b, "👤 <b>Client:</b> %s\n", escapeHTML(msg.Peer))
		}
	case models.NotifyServerOnline:
		fmt.Fprintf(&b, "⏱ <b>Boot time:</b> %s\n", msg.BootDuration.Round(time.Second))
	case models.NotifyBootTimeout:
		fmt.Fprintf(&b, "⏱ <b>Waited:</b> %s\n", msg.BootWait.Round(time.Second))
		b.WriteString("\nThe server did not come up. The next join attempt starts a new wake cycle.\n")
	case models.NotifyServerLost:
		b.WriteString("\nHealth checks failed. The proxy has taken the address back.\n")
	}

	if msg.WakeAttempts > 0 {
		fmt.Fprintf(&b, "\n📊 <b>Wake packets sent:</b> %d\n", msg.WakeAttempts)
	}

	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escapeHTML escapes the characters Telegram's HTML parse mode reserves.
func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
