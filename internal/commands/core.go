package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/service"
	"kleinsniper/internal/stats"
)

// Views are the read-only queries the command surface needs.
type Views interface {
	LastOffer(ctx context.Context) (offer.Record, bool, error)
	CheapestActive(ctx context.Context, limit int) ([]offer.Record, error)
	CountOffers(ctx context.Context) (map[offer.State]int64, error)
	ListStats(ctx context.Context) ([]stats.Snapshot, error)
}

// StatusProvider exposes the latest cycle report of each model.
type StatusProvider interface {
	Reports() []service.CycleReport
}

// Refresher queues a manual poll. It returns false when one is already pending.
type Refresher interface {
	Trigger() bool
}

// Options describe the running instance.
type Options struct {
	Models    []offer.Model
	Interval  time.Duration
	StartedAt time.Time
	TopN      int
}

// ModelAverage is the price baseline of one model.
type ModelAverage struct {
	Model   string          `json:"model"`
	Query   string          `json:"query"`
	Mean    decimal.Decimal `json:"mean"`
	StdDev  decimal.Decimal `json:"stddev"`
	Samples int64           `json:"samples"`
	Min     int64           `json:"min"`
	Max     int64           `json:"max"`
}

// Status summarises the instance for /status.
type Status struct {
	StartedAt time.Time             `json:"started_at"`
	Uptime    string                `json:"uptime"`
	Interval  string                `json:"interval"`
	Offers    map[offer.State]int64 `json:"offers"`
	Cycles    []service.CycleReport `json:"cycles"`
}

// ConfigView is the operator-visible configuration. It never carries secrets.
type ConfigView struct {
	Interval string        `json:"interval"`
	Models   []offer.Model `json:"models"`
}

// Core answers commands as data; Handler and the HTTP API render it.
type Core struct {
	views     Views
	status    StatusProvider
	refresher Refresher
	opts      Options
	now       func() time.Time
}

// NewCore wires the command backend. status and refresher may be nil.
func NewCore(views Views, status StatusProvider, refresher Refresher, opts Options) *Core {
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	return &Core{views: views, status: status, refresher: refresher, opts: opts, now: time.Now}
}

// ErrRefreshUnavailable is returned when the instance has no scheduler to trigger.
var ErrRefreshUnavailable = errors.New("refresh not available")

func (c *Core) Last(ctx context.Context) (offer.Record, bool, error) {
	return c.views.LastOffer(ctx)
}

func (c *Core) Top(ctx context.Context) ([]offer.Record, error) {
	return c.views.CheapestActive(ctx, c.opts.TopN)
}

// Averages lists model baselines in configuration order. Models without samples are left out.
func (c *Core) Averages(ctx context.Context) ([]ModelAverage, error) {
	snaps, err := c.views.ListStats(ctx)
	if err != nil {
		return nil, err
	}
	byModel := make(map[string]stats.Snapshot, len(snaps))
	for _, s := range snaps {
		byModel[s.Model] = s
	}

	out := make([]ModelAverage, 0, len(c.opts.Models))
	for _, m := range c.opts.Models {
		s, ok := byModel[m.Identity()]
		if !ok || s.N == 0 {
			continue
		}
		out = append(out, ModelAverage{
			Model:   s.Model,
			Query:   m.Query,
			Mean:    decimal.NewFromFloat(s.Mean).Round(2),
			StdDev:  decimal.NewFromFloat(s.StdDev()).Round(2),
			Samples: s.N,
			Min:     s.Min,
			Max:     s.Max,
		})
	}
	return out, nil
}

func (c *Core) Status(ctx context.Context) (Status, error) {
	counts, err := c.views.CountOffers(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		StartedAt: c.opts.StartedAt.UTC(),
		Uptime:    FormatUptime(c.Uptime()),
		Interval:  c.opts.Interval.String(),
		Offers:    counts,
	}
	if c.status != nil {
		st.Cycles = c.status.Reports()
	}
	return st, nil
}

// Refresh queues a manual poll of all models. queued is false when a refresh is already pending.
func (c *Core) Refresh() (queued bool, err error) {
	if c.refresher == nil {
		return false, ErrRefreshUnavailable
	}
	return c.refresher.Trigger(), nil
}

func (c *Core) Uptime() time.Duration {
	d := c.now().Sub(c.opts.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Core) Config() ConfigView {
	return ConfigView{
		Interval: c.opts.Interval.String(),
		Models:   append([]offer.Model(nil), c.opts.Models...),
	}
}

// FormatUptime renders d as HH:MM:SS; hours may exceed 24.
func FormatUptime(d time.Duration) string {
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
