package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestUnlimitedByDefault(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("unlimited limiter refused request %d: %v", i, err)
		}
	}
}

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d within burst refused: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after burst, got %v", err)
	}
}

func TestOwnersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("alice first request refused: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("alice should be limited")
	}
	if err := l.Allow("bob"); err != nil {
		t.Fatalf("bob must not be affected by alice's bucket: %v", err)
	}
}

func TestLazyRefill(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1}) // 100 tokens/s

	if err := l.Allow("alice"); err != nil {
		t.Fatalf("first request refused: %v", err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("bucket should be empty immediately after burst")
	}

	time.Sleep(20 * time.Millisecond)
	if err := l.Allow("alice"); err != nil {
		t.Fatalf("bucket should have refilled: %v", err)
	}
}
