package ratelimit

import (
	"sync"
	"testing"
)

func TestLimiter_AllowUntilFull(t *testing.T) {
	tests := []struct {
		name    string
		max     int64
		attempt int
		allowed int
	}{
		{"under limit", 4, 2, 2},
		{"exactly full", 4, 4, 4},
		{"over limit", 4, 9, 4},
		{"zero limit", 0, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewLimiter(tt.max)
			allowed := 0
			for i := 0; i < tt.attempt; i++ {
				if limiter.Allow() {
					allowed++
				}
			}
			if allowed != tt.allowed {
				t.Errorf("allowed %d of %d, want %d", allowed, tt.attempt, tt.allowed)
			}
			if limiter.Current() != int64(tt.allowed) {
				t.Errorf("Current() = %d, want %d", limiter.Current(), tt.allowed)
			}
		})
	}
}

func TestLimiter_ReleaseFreesSlot(t *testing.T) {
	limiter := NewLimiter(1)
	if !limiter.Allow() {
		t.Fatal("first connection rejected")
	}
	if limiter.Allow() {
		t.Fatal("second connection allowed while full")
	}

	limiter.Release()
	if limiter.Current() != 0 {
		t.Errorf("Current() = %d after release, want 0", limiter.Current())
	}
	if !limiter.Allow() {
		t.Error("connection rejected after a slot was released")
	}
}

func TestLimiter_ConcurrentNeverExceedsMax(t *testing.T) {
	limiter := NewLimiter(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := int64(0)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !limiter.Allow() {
				return
			}
			defer limiter.Release()
			mu.Lock()
			if c := limiter.Current(); c > peak {
				peak = c
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if peak > limiter.Max() {
		t.Errorf("observed %d concurrent slots, max %d", peak, limiter.Max())
	}
	if limiter.Current() != 0 {
		t.Errorf("Current() = %d after all releases, want 0", limiter.Current())
	}
}
