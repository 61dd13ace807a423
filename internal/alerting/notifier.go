package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kleinsniper/internal/detector"
)

// Notification carries a detected deal to the operator.
type Notification struct {
	OfferID   string
	Model     string
	Query     string
	Title     string
	URL       string
	Price     decimal.Decimal
	Mean      decimal.Decimal
	StdDev    decimal.Decimal
	Delta     decimal.Decimal
	BelowPct  decimal.Decimal
	Samples   int64
	Triggers  string
	Detected  time.Time
	Simulated bool
}

// NewNotification converts a detector event into a notification.
func NewNotification(ev detector.Event, at time.Time) Notification {
	mean := decimal.NewFromFloat(ev.Mean)
	delta := decimal.NewFromFloat(ev.Delta)
	below := decimal.Zero
	if mean.IsPositive() {
		below = delta.Div(mean).Mul(decimal.NewFromInt(100))
	}
	return Notification{
		OfferID:  ev.OfferID,
		Model:    ev.Model,
		Query:    ev.Query,
		Title:    ev.Title,
		URL:      ev.URL,
		Price:    decimal.NewFromInt(ev.Price),
		Mean:     mean,
		StdDev:   decimal.NewFromFloat(ev.StdDev),
		Delta:    delta,
		BelowPct: below,
		Samples:  ev.Samples,
		Triggers: ev.TriggerList(),
		Detected: at.UTC(),
	}
}

// Notifier delivers deal notifications. A nil error means delivery was confirmed.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TextSender delivers free-form text to the operator chat.
type TextSender interface {
	SendText(ctx context.Context, text string) error
}

// BotCommand is one entry of the bot command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// APIError is a Telegram Bot API failure.
type APIError struct {
	Method      string
	Status      int
	Description string
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram %s: status %d: %s", e.Method, e.Status, e.Description)
	}
	return fmt.Sprintf("telegram %s: status %d", e.Method, e.Status)
}

// TelegramNotifier talks to the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   int64
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram client bound to the operator chat.
func NewTelegramNotifier(botToken string, chatID int64, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// ChatID returns the operator chat.
func (n *TelegramNotifier) ChatID() int64 {
	return n.chatID
}

// Notify sends the rendered deal to the operator chat.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := n.SendTo(ctx, n.chatID, renderMessage(note)); err != nil {
		return err
	}
	n.logger.Info().
		Str("offer_id", note.OfferID).
		Str("model", note.Model).
		Str("triggers", note.Triggers).
		Bool("simulated", note.Simulated).
		Msg("deal notification sent")
	return nil
}

// SendText sends text to the operator chat.
func (n *TelegramNotifier) SendText(ctx context.Context, text string) error {
	return n.SendTo(ctx, n.chatID, text)
}

// SendTo sends text to chatID via sendMessage.
func (n *TelegramNotifier) SendTo(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	return n.call(ctx, "sendMessage", payload, nil)
}

// SetMyCommands registers the command menu shown by Telegram clients.
func (n *TelegramNotifier) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return n.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

func (n *TelegramNotifier) call(ctx context.Context, method string, payload any, result any) error {
	return n.callWith(ctx, n.client, method, payload, result)
}

func (n *TelegramNotifier) callWith(ctx context.Context, client *http.Client, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// the request url embeds the bot token
		return fmt.Errorf("send telegram %s request: %w", method, redact(err, n.botToken))
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&envelope)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Method: method, Status: resp.StatusCode, Description: envelope.Description}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode telegram %s response: %w", method, decodeErr)
	}
	if !envelope.OK {
		return &APIError{Method: method, Status: resp.StatusCode, Description: envelope.Description}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode telegram %s result: %w", method, err)
		}
	}
	return nil
}

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, secret) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(msg, secret, "<redacted>"))
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	if note.Simulated {
		builder.WriteString("[KleinSniper Deal, simulated]\n")
	} else {
		builder.WriteString("[KleinSniper Deal]\n")
	}
	builder.WriteString(fmt.Sprintf("Model: %s\n", note.Query))
	builder.WriteString(fmt.Sprintf("Offer: %s\n", note.Title))
	builder.WriteString(fmt.Sprintf("Price: %s €\n", note.Price.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Mean: %s € (stddev %s, n=%s)\n",
		note.Mean.StringFixed(2), note.StdDev.StringFixed(2), strconv.FormatInt(note.Samples, 10)))
	builder.WriteString(fmt.Sprintf("Below mean: %s € (%s%%)\n", note.Delta.StringFixed(2), note.BelowPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Triggers: %s\n", note.Triggers))
	builder.WriteString(fmt.Sprintf("ID: %s\n", note.OfferID))
	if note.URL != "" {
		builder.WriteString(note.URL)
	}
	return builder.String()
}

// LogNotifier writes deals to the log instead of a chat. Used when Telegram is disabled.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("offer_id", note.OfferID).
		Str("model", note.Model).
		Str("title", note.Title).
		Str("price", note.Price.StringFixed(2)).
		Str("mean", note.Mean.StringFixed(2)).
		Str("below_pct", note.BelowPct.StringFixed(2)).
		Str("triggers", note.Triggers).
		Str("url", note.URL).
		Bool("simulated", note.Simulated).
		Msg("deal detected")
	return nil
}

func (n *LogNotifier) SendText(_ context.Context, text string) error {
	n.logger.Info().Msg(text)
	return nil
}

var (
	_ Notifier   = (*TelegramNotifier)(nil)
	_ TextSender = (*TelegramNotifier)(nil)
	_ Notifier   = (*LogNotifier)(nil)
	_ TextSender = (*LogNotifier)(nil)
)
