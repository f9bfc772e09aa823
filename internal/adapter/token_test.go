package adapter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenSource_PrimeAndCache(t *testing.T) {
	var calls atomic.Int32
	src := NewTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		calls.Add(1)
		return "tok-1", time.Hour, nil
	}, testLogger())

	if got := src.Token(); got != "" {
		t.Errorf("token before prime = %q", got)
	}
	if err := src.Prime(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := src.Token(); got != "tok-1" {
		t.Errorf("token = %q", got)
	}
	// A fresh token is not refreshed again.
	if err := src.refreshIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want 1", calls.Load())
	}
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32
	src := NewTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		n := calls.Add(1)
		if n == 1 {
			// First token expires within the five-minute threshold.
			return "short", 4 * time.Minute, nil
		}
		return "long", time.Hour, nil
	}, testLogger())

	if err := src.Prime(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := src.refreshIfNeeded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := src.Token(); got != "long" {
		t.Errorf("token = %q, want refreshed token", got)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch called %d times, want 2", calls.Load())
	}
}

func TestTokenSource_FailureKeepsStaleToken(t *testing.T) {
	var fail atomic.Bool
	src := NewTokenSource(func(ctx context.Context) (string, time.Duration, error) {
		if fail.Load() {
			return "", 0, errors.New("credential endpoint down")
		}
		return "tok", time.Minute, nil
	}, testLogger())

	if err := src.Prime(context.Background()); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	if err := src.refreshIfNeeded(context.Background()); err == nil {
		t.Error("expected refresh error")
	}
	if got := src.Token(); got != "tok" {
		t.Errorf("stale token lost: %q", got)
	}
}
