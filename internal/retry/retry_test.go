package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.Next(i); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i, w, got)
		}
	}
}

func TestBackoffDefaultFactor(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond}
	if got := b.Next(2); got != 40*time.Millisecond {
		t.Fatalf("expected 40ms, got %s", got)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
