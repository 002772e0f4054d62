package collab

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSemaphoreControl_AcquireTimesOutWhenFull(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire() error = %v, want ErrAcquireTimeout", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := s.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("extra Release() error = %v, want ErrNotAcquired", err)
	}
}
