package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/storage"
)

// Show prints the stored offers of every model, or of opts.Model.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	models, err := a.selectModels(opts.Model)
	if err != nil {
		return err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	return a.printOffers(ctx, store, models, opts)
}

func (a *App) printOffers(ctx context.Context, store storage.OfferQueries, models []offer.Model, opts ShowOptions) error {
	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Model\tOffer\tPrice (€)\tChanges\tState\tFirst seen (UTC)\tLast seen (UTC)\tTitle")

	rows := 0
	for _, m := range models {
		records, err := store.ListOffers(ctx, m.Identity(), opts.Pruned)
		if err != nil {
			return err
		}
		if opts.Limit > 0 && len(records) > opts.Limit {
			records = records[len(records)-opts.Limit:]
		}
		for _, r := range records {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				m.Query,
				r.OfferID,
				formatPrice(r.Price),
				r.PriceChanges,
				r.State,
				r.FirstSeen.UTC().Format(time.RFC3339),
				r.LastSeen.UTC().Format(time.RFC3339),
				sanitizeInline(r.Title),
			)
			rows++
		}
	}
	if rows == 0 {
		fmt.Fprintln(a.out, "no offers found")
		return nil
	}
	return writer.Flush()
}

// Stats prints the price baseline of each configured model.
func (a *App) Stats(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	return a.printStats(ctx, store)
}

func (a *App) printStats(ctx context.Context, store storage.StatsStore) error {
	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Model\tSamples\tMean (€)\tStddev (€)\tMin\tMax\tUpdated (UTC)")
	for _, m := range a.Config.Models {
		snap, ok, err := store.LoadStats(ctx, m.Identity())
		if err != nil {
			return err
		}
		if !ok || snap.N == 0 {
			fmt.Fprintf(writer, "%s\t0\t-\t-\t-\t-\t-\n", m.Query)
			continue
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%d\t%d\t%s\n",
			m.Query,
			snap.N,
			decimal.NewFromFloat(snap.Mean).StringFixed(2),
			decimal.NewFromFloat(snap.StdDev()).StringFixed(2),
			snap.Min,
			snap.Max,
			snap.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func (a *App) selectModels(ref string) ([]offer.Model, error) {
	if ref == "" {
		return a.Config.Models, nil
	}
	m, ok := a.Config.FindModel(ref)
	if !ok {
		return nil, fmt.Errorf("model %q is not configured", ref)
	}
	return []offer.Model{m}, nil
}

func formatPrice(price int64) string {
	return decimal.NewFromInt(price).StringFixed(2)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
