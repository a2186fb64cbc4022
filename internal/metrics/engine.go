package metrics

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wow-token-tracker/internal/storage"
)

var dec100 = decimal.NewFromInt(100)

// Options parameterise the derivation constants.
type Options struct {
	SpanDays      int
	CopperPerGold int64
}

// Engine derives EMA and price deltas incrementally from the last stored
// sample. The EMA recurrence is applied directly to the previous value and is
// never recomputed from history, so results depend on strict append order.
type Engine struct {
	opts   Options
	alpha  decimal.Decimal
	logger zerolog.Logger
}

// NewEngine constructs a metrics engine.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.SpanDays <= 0 {
		opts.SpanDays = 7
	}
	if opts.CopperPerGold <= 0 {
		opts.CopperPerGold = 10000
	}

	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(opts.SpanDays) + 1))

	return &Engine{
		opts:   opts,
		alpha:  alpha,
		logger: logger.With().Str("component", "metrics_engine").Logger(),
	}
}

// Alpha exposes the smoothing factor 2/(span+1).
func (e *Engine) Alpha() decimal.Decimal {
	return e.alpha
}

// ComputeNext builds the next sample for a region from the raw copper price
// and the most recently committed sample. prev == nil seeds the series:
// change columns start at zero and the EMA starts at the price itself.
func (e *Engine) ComputeNext(region string, rawCopper int64, prev *storage.PriceSample, now time.Time) storage.PriceSample {
	price := rawCopper / e.opts.CopperPerGold

	sample := storage.PriceSample{
		Region:    region,
		Timestamp: now.UTC().Truncate(time.Second),
		PriceGold: price,
	}

	if prev == nil {
		zero := int64(0)
		zeroPct := decimal.Zero
		ema := price
		sample.ChangeAbs = &zero
		sample.ChangePct = &zeroPct
		sample.EMA = &ema
		return sample
	}

	changeAbs := price - prev.PriceGold

	changePct := decimal.Zero
	if prev.PriceGold == 0 {
		// Degenerate previous price; substitute zero rather than divide.
		e.logger.Debug().Str("region", region).Msg("previous price is zero, change_pct defaults to 0")
	} else {
		changePct = decimal.NewFromInt(changeAbs).Mul(dec100).Div(decimal.NewFromInt(prev.PriceGold))
	}

	seed := decimal.NewFromInt(prev.PriceGold)
	if prev.EMA != nil {
		seed = decimal.NewFromInt(*prev.EMA)
	}

	ema := decimal.NewFromInt(price).Mul(e.alpha).
		Add(seed.Mul(decimal.NewFromInt(1).Sub(e.alpha))).
		Round(0).IntPart()

	sample.ChangeAbs = &changeAbs
	sample.ChangePct = &changePct
	sample.EMA = &ema
	return sample
}
