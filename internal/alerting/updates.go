package alerting

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Update is one entry returned by getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Telegram message the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// GetUpdates long-polls for updates newer than offset.
func (n *TelegramNotifier) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	secs := int(timeout / time.Second)
	if secs < 0 {
		secs = 0
	}
	// the regular client timeout is shorter than a long poll
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	payload := map[string]any{
		"offset":          offset,
		"timeout":         secs,
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	poll := &http.Client{Transport: n.client.Transport}
	if err := n.callWith(ctx, poll, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// CommandHandler answers a command text; an empty reply sends nothing.
type CommandHandler interface {
	Handle(ctx context.Context, text string) string
}

// PollerOptions tune the command listener.
type PollerOptions struct {
	Timeout      time.Duration
	ErrorBackoff time.Duration
}

// Poller receives commands from the operator chat and replies to them.
type Poller struct {
	api     *TelegramNotifier
	handler CommandHandler
	opts    PollerOptions
	logger  zerolog.Logger
	offset  int64
}

// NewPoller constructs a command listener answering only api's chat.
func NewPoller(api *TelegramNotifier, handler CommandHandler, opts PollerOptions, logger zerolog.Logger) *Poller {
	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Poller{
		api:     api,
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "telegram_poller").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info().Msg("command listener started")
	for {
		if err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Dur("backoff", p.opts.ErrorBackoff).Msg("command poll failed")
			timer := time.NewTimer(p.opts.ErrorBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// PollOnce fetches one batch of updates and answers the commands in it.
func (p *Poller) PollOnce(ctx context.Context) error {
	updates, err := p.api.GetUpdates(ctx, p.offset, p.opts.Timeout)
	if err != nil {
		return err
	}
	var sendErr error
	for _, u := range updates {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}
		if u.Message.Chat.ID != p.api.ChatID() {
			p.logger.Debug().Int64("chat_id", u.Message.Chat.ID).Msg("ignoring message from foreign chat")
			continue
		}

		reply := p.handler.Handle(ctx, u.Message.Text)
		if reply == "" {
			continue
		}
		if err := p.api.SendTo(ctx, u.Message.Chat.ID, reply); err != nil {
			p.logger.Warn().Err(err).Str("command", u.Message.Text).Msg("reply failed")
			sendErr = errors.Join(sendErr, err)
		}
	}
	return sendErr
}

// Offset returns the next update id the poller will request.
func (p *Poller) Offset() int64 {
	return p.offset
}
