package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"kleinsniper/internal/service"
)

// Poll runs one cycle for every model without starting the scheduler and prints the reports.
func (a *App) Poll(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	source, err := a.newSource()
	if err != nil {
		return err
	}
	distributed, closeLock, err := a.newDistributedLock(ctx, store)
	if err != nil {
		return err
	}
	defer closeLock()

	svc, err := a.newService(source, store, a.newNotifier(a.newTelegram()), distributed)
	if err != nil {
		return err
	}

	reports, runErr := svc.RunAll(ctx, service.TriggerManual)
	if err := a.printReports(reports); err != nil {
		return err
	}
	return runErr
}

func (a *App) printReports(reports []service.CycleReport) error {
	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Model\tOutcome\tPages\tMatched\tNew\tChanged\tDeals\tNotified\tPruned\tDuration\tError")
	for _, r := range reports {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Query, r.Outcome, r.Pages, r.Matched, r.New, r.PriceChanged,
			r.Deals, r.Notified, r.Pruned, r.Duration().Round(time.Millisecond), sanitizeInline(r.Error))
	}
	return writer.Flush()
}
