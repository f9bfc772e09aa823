package adapter

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"satorigate/internal/satori"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(10, testLogger())
	for i := uint64(0); i < 3; i++ {
		q.Push(&satori.Event{ID: i, Platform: "test"})
	}
	ctx := context.Background()
	for i := uint64(0); i < 3; i++ {
		evt, err := q.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if evt.ID != i {
			t.Errorf("expected event %d, got %d", i, evt.ID)
		}
	}
}

func TestQueue_DropsNewestWhenFull(t *testing.T) {
	q := NewQueue(100, testLogger())
	for i := uint64(0); i < 100; i++ {
		if !q.Push(&satori.Event{ID: i, Platform: "test"}) {
			t.Fatalf("push %d rejected before capacity", i)
		}
	}
	if q.Push(&satori.Event{ID: 100, Platform: "test"}) {
		t.Error("push beyond capacity should be dropped")
	}
	if q.Len() != 100 {
		t.Errorf("queue length = %d, want 100", q.Len())
	}
	// The dropped event never surfaces; order of the rest is preserved.
	evt, err := q.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if evt.ID != 0 {
		t.Errorf("head event = %d, want 0", evt.ID)
	}
}

func TestQueue_NextCancellation(t *testing.T) {
	q := NewQueue(1, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); err == nil {
		t.Error("expected context error from empty queue")
	}
}
