package breaker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBreaker_ClosedState(t *testing.T) {
	config := Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		RequestTimeout:   50 * time.Millisecond,
	}
	b := NewBreaker(config)

	if b.State() != StateClosed {
		t.Errorf("breaker should start closed, got %s", b.State())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("successful call should not error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("breaker should remain closed after success, got %s", b.State())
	}
}

func TestBreaker_OpenOnFailures(t *testing.T) {
	config := Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
		RequestTimeout:   50 * time.Millisecond,
	}
	b := NewBreaker(config)

	for i := 0; i < 3; i++ {
		err := b.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("collaborator unavailable")
		})
		if err == nil {
			t.Error("failed call should return error")
		}
	}

	if b.State() != StateOpen {
		t.Errorf("breaker should be open after consecutive failures, got %s", b.State())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})
	if err != ErrOpen {
		t.Errorf("open breaker should reject with ErrOpen, got %v", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	config := Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		RequestTimeout:   100 * time.Millisecond,
	}
	b := NewBreaker(config)

	for i := 0; i < 2; i++ {
		b.Call(context.Background(), func(ctx context.Context) error {
			return errors.New("failure")
		})
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := b.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("first call after cooldown should succeed: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("breaker should be half-open after first probe success, got %s", b.State())
	}

	if err := b.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("second success should not error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("breaker should close after success threshold, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	config := Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          50 * time.Millisecond,
		RequestTimeout:   100 * time.Millisecond,
	}
	b := NewBreaker(config)

	b.Call(context.Background(), func(ctx context.Context) error { return errors.New("failure") })
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	err := b.Call(context.Background(), func(ctx context.Context) error { return errors.New("still failing") })
	if err == nil {
		t.Error("probe failure should return an error")
	}
	if b.State() != StateOpen {
		t.Errorf("breaker should reopen after half-open failure, got %s", b.State())
	}
}

func TestBreaker_Timeout(t *testing.T) {
	config := Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          100 * time.Millisecond,
		RequestTimeout:   50 * time.Millisecond,
	}
	b := NewBreaker(config)

	err := b.Call(context.Background(), func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}

	stats := b.Stats()
	if stats.TotalTimeouts == 0 {
		t.Error("timeout should be recorded")
	}
}

func TestBreaker_Reset(t *testing.T) {
	config := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 100 * time.Millisecond, RequestTimeout: 50 * time.Millisecond}
	b := NewBreaker(config)

	b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("breaker should be closed after reset, got %s", b.State())
	}
	if b.Stats().TotalRequests != 0 {
		t.Error("stats should be cleared after reset")
	}
}

func TestManager_UnregisteredCollaboratorCallsThrough(t *testing.T) {
	mgr := NewManager()

	err := mgr.Call(context.Background(), "unregistered", func(ctx context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("unregistered collaborator should call through: %v", err)
	}
}

func TestManager_RegisteredCollaborator(t *testing.T) {
	mgr := NewManager()
	mgr.Register("content_moderator", Config{
		FailureThreshold: 1, SuccessThreshold: 1,
		Timeout: 100 * time.Millisecond, RequestTimeout: 50 * time.Millisecond,
	})

	if err := mgr.Call(context.Background(), "content_moderator", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err := mgr.Call(context.Background(), "content_moderator", func(ctx context.Context) error {
		return errors.New("down")
	})
	if err == nil {
		t.Error("expected failure to propagate")
	}

	err = mgr.Call(context.Background(), "content_moderator", func(ctx context.Context) error { return nil })
	if err != ErrOpen {
		t.Errorf("expected ErrOpen after single failure opened the breaker, got %v", err)
	}
}

func TestManager_UnhealthyCollaborators(t *testing.T) {
	mgr := NewManager()
	config := Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: 100 * time.Millisecond, RequestTimeout: 50 * time.Millisecond}

	mgr.Register("friend_service", config)
	mgr.Register("ban_service", config)

	mgr.Call(context.Background(), "friend_service", func(ctx context.Context) error { return nil })
	mgr.Call(context.Background(), "ban_service", func(ctx context.Context) error { return errors.New("fail") })
	mgr.Call(context.Background(), "ban_service", func(ctx context.Context) error { return errors.New("fail") })

	unhealthy := mgr.UnhealthyCollaborators()
	if len(unhealthy) != 1 {
		t.Fatalf("expected 1 unhealthy collaborator, got %d", len(unhealthy))
	}
	if !strings.Contains(unhealthy[0], "ban_service") {
		t.Errorf("expected ban_service in unhealthy list, got %v", unhealthy)
	}
}
