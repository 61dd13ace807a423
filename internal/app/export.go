package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"kleinsniper/internal/offer"
	"kleinsniper/internal/stats"
	"kleinsniper/internal/storage"
)

// exportRow is one offer sighting with the model it was tracked under.
type exportRow struct {
	Query  string
	Record offer.Record
}

// Export renders offer history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	models, err := a.selectModels(opts.Model)
	if err != nil {
		return err
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.CheckInterval())
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := collectRows(ctx, store, models, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no offers found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting offers")

	if opts.CSVPath != "" {
		if err := writeOffersCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		means := make(map[string]stats.Snapshot, len(models))
		for _, m := range models {
			snap, ok, err := store.LoadStats(ctx, m.Identity())
			if err != nil {
				return err
			}
			if ok {
				means[m.Query] = snap
			}
		}
		if err := writeOffersPNG(opts.PNGPath, downsampled, means); err != nil {
			return err
		}
	}

	return nil
}

// collectRows gathers offers first seen in [from, to), pruned ones included, oldest first.
func collectRows(ctx context.Context, store storage.OfferQueries, models []offer.Model, from, to time.Time) ([]exportRow, error) {
	var rows []exportRow
	for _, m := range models {
		records, err := store.ListOffers(ctx, m.Identity(), true)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.FirstSeen.Before(from) || !r.FirstSeen.Before(to) {
				continue
			}
			rows = append(rows, exportRow{Query: m.Query, Record: r})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Record.FirstSeen.Before(rows[j].Record.FirstSeen)
	})
	return rows, nil
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[:1]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeOffersCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"first_seen", "last_seen", "model", "offer_id", "price_eur", "price_changes", "state", "notified", "title", "url"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		r := row.Record
		record := []string{
			r.FirstSeen.UTC().Format(time.RFC3339),
			r.LastSeen.UTC().Format(time.RFC3339),
			row.Query,
			r.OfferID,
			formatPrice(r.Price),
			strconv.Itoa(r.PriceChanges),
			string(r.State),
			strconv.FormatBool(r.Notified),
			r.Title,
			r.URL,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeOffersPNG plots offer prices per model with the model mean as a flat line.
func writeOffersPNG(path string, rows []exportRow, means map[string]stats.Snapshot) error {
	if len(rows) < 2 || !rows[0].Record.FirstSeen.Before(rows[len(rows)-1].Record.FirstSeen) {
		return errors.New("chart needs offers first seen at two different times")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	var order []string
	xs := make(map[string][]time.Time)
	ys := make(map[string][]float64)
	for _, row := range rows {
		if _, seen := xs[row.Query]; !seen {
			order = append(order, row.Query)
		}
		xs[row.Query] = append(xs[row.Query], row.Record.FirstSeen)
		ys[row.Query] = append(ys[row.Query], float64(row.Record.Price))
	}

	start, end := rows[0].Record.FirstSeen, rows[len(rows)-1].Record.FirstSeen
	series := make([]chart.Series, 0, len(order)*2)
	for _, query := range order {
		series = append(series, chart.TimeSeries{
			Name:    query,
			XValues: xs[query],
			YValues: ys[query],
		})
		if snap, ok := means[query]; ok && snap.N > 0 {
			series = append(series, chart.TimeSeries{
				Name:    query + " mean",
				XValues: []time.Time{start, end},
				YValues: []float64{snap.Mean, snap.Mean},
				Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
			})
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f €")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (€)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
