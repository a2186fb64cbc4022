package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"wow-token-tracker/internal/storage"
)

type fakeLoader struct {
	series map[string][]storage.PriceSample
	err    error
}

func (f *fakeLoader) Load(ctx context.Context, region string) ([]storage.PriceSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.series[region], nil
}

func sampleAt(region string, ts time.Time, price int64) storage.PriceSample {
	ema := price
	change := int64(0)
	pct := decimal.Zero
	return storage.PriceSample{
		Region:    region,
		Timestamp: ts,
		PriceGold: price,
		EMA:       &ema,
		ChangeAbs: &change,
		ChangePct: &pct,
	}
}

func newTestServer(loader *fakeLoader) *Server {
	return NewServer(Options{}, loader, []string{"eu", "us"}, nil, zerolog.Nop())
}

func doRequest(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleRegions(t *testing.T) {
	srv := newTestServer(&fakeLoader{})

	rec := doRequest(t, srv, "/api/v1/regions")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	var body map[string][]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(body["regions"]) != 2 || body["regions"][0] != "eu" {
		t.Fatalf("区域列表错误: %#v", body)
	}
}

func TestHandlePricesEmptySeriesIsOK(t *testing.T) {
	srv := newTestServer(&fakeLoader{series: map[string][]storage.PriceSample{}})

	rec := doRequest(t, srv, "/api/v1/token/eu/prices")
	if rec.Code != http.StatusOK {
		t.Fatalf("空序列应返回 200, 实际 %d", rec.Code)
	}

	var body []samplePayload
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("空序列应返回空数组: %#v", body)
	}
}

func TestHandlePricesDaysFilter(t *testing.T) {
	now := time.Now().UTC()
	loader := &fakeLoader{series: map[string][]storage.PriceSample{
		"eu": {
			sampleAt("eu", now.AddDate(0, 0, -10), 90_000),
			sampleAt("eu", now.AddDate(0, 0, -2), 100_000),
			sampleAt("eu", now.Add(-time.Hour), 110_000),
		},
	}}
	srv := newTestServer(loader)

	rec := doRequest(t, srv, "/api/v1/token/eu/prices?days=3")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	var body []samplePayload
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(body) != 2 {
		t.Fatalf("days=3 应过滤掉 10 天前的样本, 实际 %d 条", len(body))
	}
	if body[0].PriceGold != 100_000 {
		t.Fatalf("过滤结果错误: %#v", body)
	}
}

func TestHandlePricesRejectsBadDays(t *testing.T) {
	srv := newTestServer(&fakeLoader{})

	for _, raw := range []string{"0", "-1", "abc"} {
		rec := doRequest(t, srv, "/api/v1/token/eu/prices?days="+raw)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("days=%s 应返回 400, 实际 %d", raw, rec.Code)
		}
	}
}

func TestHandlePricesUnknownRegion(t *testing.T) {
	srv := newTestServer(&fakeLoader{})

	rec := doRequest(t, srv, "/api/v1/token/mars/prices")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("未知区域应返回 404, 实际 %d", rec.Code)
	}
}

func TestHandlePricesLoaderFailure(t *testing.T) {
	srv := newTestServer(&fakeLoader{err: errors.New("db down")})

	rec := doRequest(t, srv, "/api/v1/token/eu/prices")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("加载失败应返回 500, 实际 %d", rec.Code)
	}
}

func TestHandleLatestWindowStats(t *testing.T) {
	now := time.Now().UTC()
	loader := &fakeLoader{series: map[string][]storage.PriceSample{
		"us": {
			sampleAt("us", now.Add(-48*time.Hour), 999_999),
			sampleAt("us", now.Add(-12*time.Hour), 90_000),
			sampleAt("us", now.Add(-6*time.Hour), 120_000),
			sampleAt("us", now.Add(-time.Hour), 105_000),
		},
	}}
	srv := newTestServer(loader)

	rec := doRequest(t, srv, "/api/v1/token/us/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}

	var body latestPayload
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Latest.PriceGold != 105_000 {
		t.Fatalf("latest 错误: %+v", body.Latest)
	}
	// 48h-old sample stays out of the 24h window.
	if body.High != 120_000 || body.Low != 90_000 {
		t.Fatalf("窗口极值错误: high=%d low=%d", body.High, body.Low)
	}
	if body.Average != 105_000 {
		t.Fatalf("窗口均值错误: %d", body.Average)
	}
}

func TestHandleLatestNoSamples(t *testing.T) {
	srv := newTestServer(&fakeLoader{})

	rec := doRequest(t, srv, "/api/v1/token/eu/latest")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("无样本时应返回 404, 实际 %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeLoader{})

	rec := doRequest(t, srv, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
}
