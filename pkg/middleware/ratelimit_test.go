package middleware

import (
	"sync"
	"testing"
	"time"
)

func TestTokenBucket_Allow(t *testing.T) {
	// 10 tokens per second, burst of 10
	tb := NewTokenBucket(10, 10)

	// Should allow 10 requests immediately (burst)
	for i := 0; i < 10; i++ {
		if !tb.Allow("user1") {
			t.Errorf("Request %d should be allowed (burst)", i+1)
		}
	}

	// 11th request should be blocked
	if tb.Allow("user1") {
		t.Error("Request 11 should be blocked (exhausted burst)")
	}

	// Wait 100ms for refill (should get 1 token: 10 tokens/sec * 0.1 sec = 1)
	time.Sleep(100 * time.Millisecond)

	// Should allow 1 more request after refill
	if !tb.Allow("user1") {
		t.Error("Request should be allowed after refill")
	}

	// Should be blocked again
	if tb.Allow("user1") {
		t.Error("Request should be blocked after consuming refilled token")
	}
}

func TestTokenBucket_PerKeyIsolation(t *testing.T) {
	tb := NewTokenBucket(5, 5)

	// Exhaust user1's tokens
	for i := 0; i < 5; i++ {
		tb.Allow("user1")
	}

	// user1 should be blocked
	if tb.Allow("user1") {
		t.Error("user1 should be blocked")
	}

	// user2 should still be allowed (separate bucket)
	if !tb.Allow("user2") {
		t.Error("user2 should be allowed (separate bucket)")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	// 100 tokens per second, burst of 10
	tb := NewTokenBucket(100, 10)

	// Exhaust bucket
	for i := 0; i < 10; i++ {
		tb.Allow("user1")
	}

	// Wait 100ms (should refill 10 tokens: 100/sec * 0.1sec = 10)
	time.Sleep(100 * time.Millisecond)

	// Should have ~10 tokens available
	allowed := 0
	for i := 0; i < 15; i++ {
		if tb.Allow("user1") {
			allowed++
		}
	}

	// Should have allowed ~10 requests (allow some variance)
	if allowed < 8 || allowed > 12 {
		t.Errorf("Expected ~10 allowed requests after refill, got %d", allowed)
	}
}

func TestTokenBucket_MaxCap(t *testing.T) {
	tb := NewTokenBucket(10, 5) // 10/sec but max 5 tokens

	// Wait long enough to potentially accumulate many tokens
	time.Sleep(1 * time.Second)

	// Should only allow 5 requests (capped at bucketSize)
	allowed := 0
	for i := 0; i < 10; i++ {
		if tb.Allow("user1") {
			allowed++
		}
	}

	if allowed != 5 {
		t.Errorf("Expected 5 allowed requests (max cap), got %d", allowed)
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb := NewTokenBucket(100, 100)

	var wg sync.WaitGroup
	allowed := int32(0)
	blocked := int32(0)

	// 10 goroutines trying 20 requests each = 200 total
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			for j := 0; j < 20; j++ {
				if tb.Allow("concurrent") {
					allowed++
				} else {
					blocked++
				}
			}
		}(i)
	}

	wg.Wait()

	// Should have allowed ~100 requests (bucket size)
	// Some may refill during test, so allow some variance
	if allowed < 90 || allowed > 120 {
		t.Errorf("Expected ~100 allowed, got %d (blocked: %d)", allowed, blocked)
	}
}

// TestTokenBucket_DeployAndSimulateKeysAreIsolated mirrors how controlplane
// actually calls Allow: one shared *TokenBucket gating two distinct
// operations ("deploy", "simulate") as separate keys, so exhausting one
// operation's burst never blocks the other.
func TestTokenBucket_DeployAndSimulateKeysAreIsolated(t *testing.T) {
	tb := NewTokenBucket(20, 2)

	if !tb.Allow("deploy") || !tb.Allow("deploy") {
		t.Fatal("expected deploy burst of 2 to be allowed")
	}
	if tb.Allow("deploy") {
		t.Error("expected third deploy call to be rate limited")
	}

	if !tb.Allow("simulate") {
		t.Error("simulate should not be affected by deploy's exhausted bucket")
	}
}
