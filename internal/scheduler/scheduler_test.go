package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type callRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallRecorder() *callRecorder {
	return &callRecorder{calls: make(map[string]int)}
}

func (c *callRecorder) record(region string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[region]++
}

func (c *callRecorder) count(region string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[region]
}

func TestImmediateFirstRunForEveryRegion(t *testing.T) {
	rec := newCallRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, []string{"eu", "us", "kr"}, func(ctx context.Context, region string) error {
			rec.record(region)
			return nil
		})
	}()

	waitFor(t, func() bool {
		return rec.count("eu") == 1 && rec.count("us") == 1 && rec.count("kr") == 1
	}, "启动时每个区域应立即各执行一次")

	cancel()
	<-done
}

func TestRegionFailureDoesNotBlockOthers(t *testing.T) {
	rec := newCallRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	go func() {
		_ = s.Run(ctx, []string{"eu", "us"}, func(ctx context.Context, region string) error {
			rec.record(region)
			if region == "eu" {
				return errors.New("simulated fetch failure")
			}
			return nil
		})
	}()

	waitFor(t, func() bool {
		// Both the failing and healthy region keep being scheduled.
		return rec.count("eu") >= 3 && rec.count("us") >= 3
	}, "某区域失败不得影响其他区域的排程")
}

func TestNoOverlapWithinRegion(t *testing.T) {
	rec := newCallRecorder()
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())

	go func() {
		_ = s.Run(ctx, []string{"eu", "us"}, func(ctx context.Context, region string) error {
			rec.record(region)
			if region == "eu" {
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return nil
		})
	}()

	waitFor(t, func() bool { return rec.count("us") >= 4 }, "us 应持续运行")

	if got := rec.count("eu"); got != 1 {
		t.Fatalf("eu 上一轮未结束时不应再次启动, 实际 %d 次", got)
	}
	if s.RegionState("eu") != StateRunning {
		t.Fatal("阻塞中的 eu 应处于 running 状态")
	}

	close(release)
	waitFor(t, func() bool { return s.RegionState("eu") == StateIdle }, "释放后 eu 应回到 idle")
	waitFor(t, func() bool { return rec.count("eu") >= 2 }, "释放后 eu 应恢复排程")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
