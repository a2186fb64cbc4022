package readcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"wow-token-tracker/internal/storage"
)

type fakeSource struct {
	mu      sync.Mutex
	marker  int64
	samples map[string][]storage.PriceSample
	loads   int
}

func (f *fakeSource) AllSamples(ctx context.Context, region string) ([]storage.PriceSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return append([]storage.PriceSample(nil), f.samples[region]...), nil
}

func (f *fakeSource) Marker() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marker
}

func (f *fakeSource) append(region string, sample storage.PriceSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[region] = append(f.samples[region], sample)
	f.marker++
}

func newFakeSource() *fakeSource {
	return &fakeSource{samples: make(map[string][]storage.PriceSample)}
}

func TestLoadEmptyBeforeAnyAppend(t *testing.T) {
	cache := NewMemory(newFakeSource(), time.Minute)

	samples, err := cache.Load(context.Background(), "eu")
	if err != nil {
		t.Fatalf("空序列不应报错: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("首次加载应为空序列: %d", len(samples))
	}
}

func TestLoadMemoizesUntilMarkerChanges(t *testing.T) {
	source := newFakeSource()
	source.append("eu", storage.PriceSample{Region: "eu", PriceGold: 100})

	cache := NewMemory(source, time.Minute)

	if _, err := cache.Load(context.Background(), "eu"); err != nil {
		t.Fatalf("load 失败: %v", err)
	}
	if _, err := cache.Load(context.Background(), "eu"); err != nil {
		t.Fatalf("load 失败: %v", err)
	}
	if source.loads != 1 {
		t.Fatalf("marker 未变时应命中缓存, 实际回源 %d 次", source.loads)
	}

	source.append("eu", storage.PriceSample{Region: "eu", PriceGold: 110})

	samples, err := cache.Load(context.Background(), "eu")
	if err != nil {
		t.Fatalf("load 失败: %v", err)
	}
	if len(samples) != 2 || samples[1].PriceGold != 110 {
		t.Fatalf("append 后必须看到新行: %+v", samples)
	}
	if source.loads != 2 {
		t.Fatalf("marker 变化应触发一次回源, 实际 %d 次", source.loads)
	}
}

func TestLoadTTLBoundsStaleness(t *testing.T) {
	source := newFakeSource()
	source.append("eu", storage.PriceSample{Region: "eu", PriceGold: 100})

	cache := NewMemory(source, time.Minute)

	current := time.Now()
	cache.now = func() time.Time { return current }

	if _, err := cache.Load(context.Background(), "eu"); err != nil {
		t.Fatalf("load 失败: %v", err)
	}

	current = current.Add(time.Minute + time.Second)
	if _, err := cache.Load(context.Background(), "eu"); err != nil {
		t.Fatalf("load 失败: %v", err)
	}
	if source.loads != 2 {
		t.Fatalf("TTL 过期后即使 marker 未变也应回源, 实际 %d 次", source.loads)
	}
}

func TestLoadKeepsRegionsIndependent(t *testing.T) {
	source := newFakeSource()
	source.append("eu", storage.PriceSample{Region: "eu", PriceGold: 100})
	source.append("us", storage.PriceSample{Region: "us", PriceGold: 200})

	cache := NewMemory(source, time.Minute)

	eu, err := cache.Load(context.Background(), "eu")
	if err != nil {
		t.Fatalf("load eu 失败: %v", err)
	}
	us, err := cache.Load(context.Background(), "us")
	if err != nil {
		t.Fatalf("load us 失败: %v", err)
	}

	if len(eu) != 1 || eu[0].Region != "eu" {
		t.Fatalf("eu 快照污染: %+v", eu)
	}
	if len(us) != 1 || us[0].Region != "us" {
		t.Fatalf("us 快照污染: %+v", us)
	}
}
