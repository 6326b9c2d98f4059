package correlator

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"backfill-service/internal/config"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	times    []time.Time
}

func (h *recordingHandler) HandleEvent(_ context.Context, raw []byte, receivedAt time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, string(raw))
	h.times = append(h.times, receivedAt)
	return nil
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.payloads...)
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		EventStream:       "events:test",
		EventGroup:        "group1",
		EventBlock:        50 * time.Millisecond,
		EventTimeout:      time.Second,
		EventReclaimIdle:  time.Minute,
		EventReclaimBatch: 10,
	}
	handler := &recordingHandler{}
	consumer := NewConsumer(client, handler, cfg, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = consumer.Run(ctx)
		close(done)
	}()

	// Give the consumer time to create its group before publishing.
	time.Sleep(100 * time.Millisecond)
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.EventStream,
		Values: map[string]any{payloadField: `{"tenant_id":"t1"}`},
	}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(handler.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("handler never received the message")
		case <-time.After(20 * time.Millisecond):
		}
	}
	got := handler.snapshot()
	if got[0] != `{"tenant_id":"t1"}` {
		t.Fatalf("unexpected payload %q", got[0])
	}

	cancel()
	<-done

	pending, err := client.XPending(context.Background(), cfg.EventStream, cfg.EventGroup).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected handled message to be acked, %d still pending", pending.Count)
	}
}

func TestReceiptTime(t *testing.T) {
	at := receiptTime("1709294400000-0")
	want := time.UnixMilli(1709294400000).UTC()
	if !at.Equal(want) {
		t.Fatalf("got %s want %s", at, want)
	}

	// Garbage falls back to now rather than failing.
	if receiptTime("bogus").IsZero() {
		t.Fatalf("fallback receipt time must not be zero")
	}
}
