package metrics

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wow-token-tracker/internal/storage"
)

func testEngine() *Engine {
	return NewEngine(Options{SpanDays: 7, CopperPerGold: 10000}, zerolog.Nop())
}

func TestComputeNextSeedsFirstSample(t *testing.T) {
	e := testEngine()

	sample := e.ComputeNext("eu", 3_500_000_000, nil, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	if sample.PriceGold != 350_000 {
		t.Fatalf("金价换算错误: %d", sample.PriceGold)
	}
	if sample.EMA == nil || *sample.EMA != 350_000 {
		t.Fatalf("首个样本 EMA 应等于价格: %v", sample.EMA)
	}
	if sample.ChangeAbs == nil || *sample.ChangeAbs != 0 {
		t.Fatalf("首个样本 change_abs 应为 0: %v", sample.ChangeAbs)
	}
	if sample.ChangePct == nil || !sample.ChangePct.IsZero() {
		t.Fatalf("首个样本 change_pct 应为 0: %v", sample.ChangePct)
	}
}

func TestComputeNextRecurrence(t *testing.T) {
	e := testEngine()

	prevEMA := int64(100_000)
	prev := &storage.PriceSample{Region: "eu", PriceGold: 100_000, EMA: &prevEMA}

	sample := e.ComputeNext("eu", 1_100_000_000, prev, time.Now())

	if sample.PriceGold != 110_000 {
		t.Fatalf("期望价格 110000, 实际 %d", sample.PriceGold)
	}
	if *sample.ChangeAbs != 10_000 {
		t.Fatalf("期望 change_abs 10000, 实际 %d", *sample.ChangeAbs)
	}
	if !sample.ChangePct.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("期望 change_pct 10, 实际 %s", sample.ChangePct)
	}
	// alpha = 2/(7+1) = 0.25 → round(110000*0.25 + 100000*0.75) = 102500
	if *sample.EMA != 102_500 {
		t.Fatalf("期望 EMA 102500, 实际 %d", *sample.EMA)
	}
}

func TestComputeNextSeedsEMAFromPriceWhenNull(t *testing.T) {
	e := testEngine()

	// Legacy row written before the ema column existed.
	prev := &storage.PriceSample{Region: "us", PriceGold: 200_000}

	sample := e.ComputeNext("us", 2_400_000_000, prev, time.Now())

	// round(240000*0.25 + 200000*0.75) = 210000
	if *sample.EMA != 210_000 {
		t.Fatalf("EMA 应以上一价格为种子: %d", *sample.EMA)
	}
}

func TestComputeNextZeroPreviousPrice(t *testing.T) {
	e := testEngine()

	prev := &storage.PriceSample{Region: "kr", PriceGold: 0}

	sample := e.ComputeNext("kr", 500_000_000, prev, time.Now())

	if !sample.ChangePct.IsZero() {
		t.Fatalf("上一价格为 0 时 change_pct 应回退为 0: %s", sample.ChangePct)
	}
	if *sample.ChangeAbs != 50_000 {
		t.Fatalf("change_abs 计算错误: %d", *sample.ChangeAbs)
	}
}

func TestComputeNextMatchesIterativeTraversal(t *testing.T) {
	e := testEngine()

	raw := []int64{2_000_000_000, 2_100_000_000, 1_900_000_000, 2_050_000_000, 2_050_000_000}

	var prev *storage.PriceSample
	alpha := e.Alpha()
	expected := decimal.Zero
	for i, copper := range raw {
		sample := e.ComputeNext("tw", copper, prev, time.Now())

		price := decimal.NewFromInt(sample.PriceGold)
		if i == 0 {
			expected = price
		} else {
			expected = price.Mul(alpha).Add(expected.Mul(decimal.NewFromInt(1).Sub(alpha)))
		}
		if *sample.EMA != expected.Round(0).IntPart() {
			t.Fatalf("第 %d 个样本 EMA 偏离定点遍历: %d != %s", i, *sample.EMA, expected.Round(0))
		}

		// The next iteration must consume the committed value, not the
		// unrounded accumulator, mirroring read-back from storage.
		committed := sample
		prev = &committed
		expected = decimal.NewFromInt(*sample.EMA)
	}
}

func TestComputeNextFloorsConversion(t *testing.T) {
	e := testEngine()

	sample := e.ComputeNext("eu", 10_999, nil, time.Now())
	if sample.PriceGold != 1 {
		t.Fatalf("铜转金应向下取整: %d", sample.PriceGold)
	}
}
