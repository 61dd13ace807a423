package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kleinsniper/internal/alerting"
	"kleinsniper/internal/detector"
	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
)

// SimulateAlert runs a synthetic offer through detection and, if it qualifies, sends a labelled notification.
// The baseline is the stored model statistics unless opts.Mean overrides it. Nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	m, ok := a.Config.FindModel(opts.Model)
	if !ok {
		return fmt.Errorf("model %q is not configured", opts.Model)
	}
	if opts.Price <= 0 {
		return errors.New("price must be greater than zero")
	}

	baseline, err := a.simulationBaseline(ctx, m, opts.Mean)
	if err != nil {
		return err
	}

	title := opts.Title
	if title == "" {
		title = m.Query + " (simulated)"
	}
	o := offer.Offer{
		Candidate: offer.Candidate{
			ID:         "sim-" + uuid.NewString()[:8],
			Title:      title,
			Price:      opts.Price,
			URL:        a.Config.Fetch.BaseURL,
			ObservedAt: time.Now().UTC(),
		},
		Model: m,
	}

	ev, fired := detector.Evaluate(o, baseline, detector.Options{MinSamples: a.Config.Detection.MinSamples})
	if !fired {
		return fmt.Errorf("price %d € is not a deal against mean %.2f € (n=%d)", opts.Price, baseline.Mean, baseline.N)
	}

	note := alerting.NewNotification(ev, time.Now())
	note.Simulated = true
	if err := a.newNotifier(a.newTelegram()).Notify(ctx, note); err != nil {
		return err
	}
	a.Logger.Info().Str("offer_id", o.ID).Str("triggers", ev.TriggerList()).Msg("simulated deal sent")
	return nil
}

func (a *App) simulationBaseline(ctx context.Context, m offer.Model, mean float64) (stats.Snapshot, error) {
	if mean > 0 {
		n := a.Config.Detection.MinSamples
		if n < 2 {
			n = 2
		}
		return stats.Snapshot{Model: m.Identity(), N: n, Mean: mean, Min: int64(mean), Max: int64(mean)}, nil
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return stats.Snapshot{}, err
	}
	defer store.Close()

	snap, ok, err := store.LoadStats(ctx, m.Identity())
	if err != nil {
		return stats.Snapshot{}, err
	}
	if !ok || snap.N == 0 {
		return stats.Snapshot{}, fmt.Errorf("no price statistics for %q yet; poll first or pass --mean", m.Query)
	}
	return snap, nil
}
