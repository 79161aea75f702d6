package plugins

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEpoch_Ticks(t *testing.T) {
	e := NewEpoch(10 * time.Millisecond)
	defer e.Stop()

	tests := []struct {
		d    time.Duration
		want uint64
	}{
		{0, 1},
		{time.Millisecond, 1},
		{10 * time.Millisecond, 1},
		{time.Second, 100},
		{60 * time.Second, 6000},
	}
	for _, tt := range tests {
		if got := e.Ticks(tt.d); got != tt.want {
			t.Errorf("Ticks(%s) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestEpoch_Advances(t *testing.T) {
	e := NewEpoch(time.Millisecond)
	defer e.Stop()

	start := e.Now()
	deadline := time.After(2 * time.Second)
	for e.Now() < start+3 {
		select {
		case <-deadline:
			t.Fatalf("epoch did not advance: still at %d", e.Now())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestEpoch_WithTimeoutExpires(t *testing.T) {
	e := NewEpoch(time.Millisecond)
	defer e.Stop()

	ctx, cancel, expired := e.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled by the epoch")
	}
	if !expired() {
		t.Error("expired() = false after the deadline")
	}
	if !errors.Is(context.Cause(ctx), errEpochDeadline) {
		t.Errorf("Cause = %v", context.Cause(ctx))
	}
}

func TestEpoch_CancelIsNotExpiry(t *testing.T) {
	e := NewEpoch(time.Millisecond)
	defer e.Stop()

	ctx, cancel, expired := e.WithTimeout(context.Background(), time.Hour)
	cancel()
	<-ctx.Done()

	if expired() {
		t.Error("expired() = true after explicit cancel")
	}
}

func TestEpoch_ParentCancel(t *testing.T) {
	e := NewEpoch(time.Millisecond)
	defer e.Stop()

	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel, expired := e.WithTimeout(parent, time.Hour)
	defer cancel()

	cancelParent()
	<-ctx.Done()
	if expired() {
		t.Error("expired() = true after parent cancel")
	}
}
