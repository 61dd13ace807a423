package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kleinsniper/internal/alerting"
	"kleinsniper/internal/offer"
)

// Menu is the command list registered with setMyCommands and printed by /help.
var Menu = []alerting.BotCommand{
	{Command: "ping", Description: "Check connection"},
	{Command: "status", Description: "Show analyzer status"},
	{Command: "help", Description: "Command list"},
	{Command: "last", Description: "Show last offer"},
	{Command: "top5", Description: "Top 5 offers"},
	{Command: "avg", Description: "Average price per model"},
	{Command: "config", Description: "Current configuration"},
	{Command: "refresh", Description: "Poll all models now"},
	{Command: "uptime", Description: "Service uptime"},
}

const unknownReply = "Unknown command. Type /help for a list of commands."

// Handler renders Core answers as chat text.
type Handler struct {
	core   *Core
	logger zerolog.Logger
}

func NewHandler(core *Core, logger zerolog.Logger) *Handler {
	return &Handler{core: core, logger: logger.With().Str("component", "commands").Logger()}
}

// Handle answers one message. Text that is not a command gets an empty reply.
func (h *Handler) Handle(ctx context.Context, text string) string {
	name, ok := parseCommand(text)
	if !ok {
		return ""
	}
	h.logger.Info().Str("command", name).Msg("handling command")

	var (
		reply string
		err   error
	)
	switch name {
	case "ping":
		reply = "I am online!"
	case "help":
		reply = helpText()
	case "status":
		reply, err = h.status(ctx)
	case "last":
		reply, err = h.last(ctx)
	case "top5":
		reply, err = h.top(ctx)
	case "avg":
		reply, err = h.averages(ctx)
	case "config":
		reply = h.config()
	case "refresh":
		reply, err = h.refresh()
	case "uptime":
		reply = "Uptime: " + FormatUptime(h.core.Uptime())
	default:
		reply = unknownReply
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("command", name).Msg("command failed")
		return "Error: " + err.Error()
	}
	return reply
}

// parseCommand extracts the lower-cased command name, dropping a @botname suffix and arguments.
func parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name), true
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range Menu {
		fmt.Fprintf(&b, "/%s - %s\n", c.Command, c.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) status(ctx context.Context) (string, error) {
	st, err := h.core.Status(ctx)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Analyzer is running.\n")
	fmt.Fprintf(&b, "Uptime: %s, interval %s\n", st.Uptime, st.Interval)
	fmt.Fprintf(&b, "Offers: %d tracked, %d notified, %d pruned\n",
		st.Offers[offer.StateTracked], st.Offers[offer.StateNotified], st.Offers[offer.StatePruned])
	if len(st.Cycles) == 0 {
		b.WriteString("No cycle has run yet.")
		return b.String(), nil
	}
	for _, r := range st.Cycles {
		fmt.Fprintf(&b, "%s: %s at %s (matched %d, deals %d, pruned %d)\n",
			r.Query, r.Outcome, r.FinishedAt.Format("2006-01-02 15:04:05"), r.Matched, r.Deals, r.Pruned)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) last(ctx context.Context) (string, error) {
	rec, ok, err := h.core.Last(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "No offers in the database.", nil
	}
	return fmt.Sprintf("Last offer:\n%s\n%s €, price changes: %d\n%s",
		rec.Title, euros(rec.Price), rec.PriceChanges, rec.URL), nil
}

func (h *Handler) top(ctx context.Context) (string, error) {
	records, err := h.core.Top(ctx)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "No offers in the database.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Top %d offers:\n", len(records))
	for i, r := range records {
		fmt.Fprintf(&b, "%d. %s - %s €\n%s\n", i+1, r.Title, euros(r.Price), r.URL)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) averages(ctx context.Context) (string, error) {
	avgs, err := h.core.Averages(ctx)
	if err != nil {
		return "", err
	}
	if len(avgs) == 0 {
		return "No model statistics available.", nil
	}
	var b strings.Builder
	b.WriteString("Average prices by model:\n")
	for _, a := range avgs {
		fmt.Fprintf(&b, "%s - %s € (stddev %s, n=%d)\n", a.Query, a.Mean.StringFixed(2), a.StdDev.StringFixed(2), a.Samples)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) config() string {
	cfg := h.core.Config()
	if len(cfg.Models) == 0 {
		return "No models loaded in the configuration."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Check interval: %s\nLoaded models:\n", cfg.Interval)
	for _, m := range cfg.Models {
		fmt.Fprintf(&b, "%s [%s] %d-%d €, deviation %s%%, delta %s €\n",
			m.Query, m.CategoryID, m.MinPrice, m.MaxPrice,
			decimal.NewFromFloat(m.DeviationThreshold).Mul(decimal.NewFromInt(100)).String(),
			decimal.NewFromFloat(m.MinPriceDelta).String())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) refresh() (string, error) {
	queued, err := h.core.Refresh()
	if err != nil {
		return "", err
	}
	if !queued {
		return "A refresh is already queued.", nil
	}
	return "Refresh queued, polling all models now.", nil
}

func euros(price int64) string {
	return decimal.NewFromInt(price).StringFixed(2)
}

var _ alerting.CommandHandler = (*Handler)(nil)
