package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Kind: KindStaleness, At: time.Now(), DeviceID: "pump-1", Title: "glucose data stale", Detail: "no sample for 15m"}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "glucose data stale") || !strings.Contains(received["text"], "pump-1") {
		t.Fatalf("text 内容不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Kind: KindEnactmentFailure, At: time.Now()}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageFallsBackToKind(t *testing.T) {
	msg := renderMessage(Notification{Kind: KindEnactmentFailure, DeviceID: "p", At: time.Unix(0, 0)})
	if !strings.HasPrefix(msg, "[loopd] enactment_failure\n") {
		t.Fatalf("unexpected message %q", msg)
	}
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Notification) error {
	c.calls++
	return c.err
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	inner := &countingNotifier{}
	c := NewCooldown(inner, 30*time.Minute, func() time.Time { return now }, testLogger())
	ctx := context.Background()

	stale := Notification{Kind: KindStaleness, DeviceID: "pump-1"}
	_ = c.Notify(ctx, stale)
	_ = c.Notify(ctx, stale)
	if inner.calls != 1 {
		t.Fatalf("repeat within window should be suppressed, calls=%d", inner.calls)
	}

	_ = c.Notify(ctx, Notification{Kind: KindEnactmentFailure, DeviceID: "pump-1"})
	if inner.calls != 2 {
		t.Fatalf("different kind should pass, calls=%d", inner.calls)
	}

	now = now.Add(31 * time.Minute)
	_ = c.Notify(ctx, stale)
	if inner.calls != 3 {
		t.Fatalf("expired window should pass, calls=%d", inner.calls)
	}
}

func TestCooldownFailedDeliveryDoesNotArm(t *testing.T) {
	inner := &countingNotifier{err: errors.New("down")}
	c := NewCooldown(inner, time.Hour, nil, testLogger())
	note := Notification{Kind: KindStaleness, DeviceID: "pump-1"}

	if err := c.Notify(context.Background(), note); err == nil {
		t.Fatal("expected delivery error")
	}
	inner.err = nil
	if err := c.Notify(context.Background(), note); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Fatalf("retry after failure should reach notifier, calls=%d", inner.calls)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
