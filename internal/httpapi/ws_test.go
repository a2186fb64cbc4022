package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func startHub(t *testing.T) (*Hub, string, context.CancelFunc, chan struct{}) {
	t.Helper()

	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	return hub, wsURL, cancel, runDone
}

func dialHub(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket 连接失败: %v", err)
	}
	return conn
}

func TestHubPublishNeverBlocks(t *testing.T) {
	// Run 未启动, 没有任何消费者排空广播缓冲。
	hub := NewHub(zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < wsSendBuffer*2; i++ {
			hub.Publish(sampleAt("eu", time.Now(), 100_000))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("缓冲写满后 Publish 不得阻塞采集管线")
	}
}

func TestHubDropsFailedClientAndKeepsBroadcasting(t *testing.T) {
	hub, wsURL, cancel, runDone := startHub(t)
	defer func() {
		cancel()
		<-runDone
	}()

	broken := dialHub(t, wsURL)
	healthy := dialHub(t, wsURL)
	defer healthy.Close()

	// 注册经由 Run 协程异步完成, 握手返回后稍等其入列。
	time.Sleep(100 * time.Millisecond)
	_ = broken.Close()

	hub.Publish(sampleAt("eu", time.Now(), 777_000))
	hub.Publish(sampleAt("eu", time.Now(), 888_000))

	_ = healthy.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []int64{777_000, 888_000} {
		var event wsEvent
		if err := healthy.ReadJSON(&event); err != nil {
			t.Fatalf("断开客户端不得影响存活客户端的广播: %v", err)
		}
		if event.Type != "sample" || event.Region != "eu" {
			t.Fatalf("广播内容错误: %+v", event)
		}
		if event.Sample.PriceGold != want {
			t.Fatalf("期望价格 %d, 实际 %d", want, event.Sample.PriceGold)
		}
	}
}

func TestHubReleasesLateClientsAfterShutdown(t *testing.T) {
	_, wsURL, cancel, runDone := startHub(t)

	early := dialHub(t, wsURL)
	defer early.Close()
	time.Sleep(100 * time.Millisecond)

	cancel()
	<-runDone

	// 停机后的升级应被立即关闭, 而不是卡在注册通道上。
	late := dialHub(t, wsURL)
	defer late.Close()

	started := time.Now()
	_ = late.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := late.ReadMessage(); err == nil {
		t.Fatal("停机后建立的连接应被服务器关闭")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("连接应被立即关闭而非等到读超时: %v", elapsed)
	}
}
