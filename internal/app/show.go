package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// Show prints recent samples for one region.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.RecentSamples(ctx, opts.Region, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRegion\tPrice (gold)\tEMA\tChange\tChange%")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\n",
			sample.Timestamp.UTC().Format(time.RFC3339),
			sample.Region,
			sample.PriceGold,
			formatOptInt(sample.EMA),
			formatOptInt(sample.ChangeAbs),
			formatOptPct(sample.ChangePct),
		)
	}

	writer.Flush()
	return nil
}

func formatOptInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func formatOptPct(v *decimal.Decimal) string {
	if v == nil {
		return "-"
	}
	return v.StringFixed(2) + "%"
}
