package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_AllowReducesTokens(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, nil, "test:ratelimit", 10, 2)
	ok, _, err := limiter.Allow(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !ok {
		t.Fatalf("expected first request to be allowed")
	}

	tokensStr, err := rdb.HGet(context.Background(), limiter.bucketKey("10.0.0.1"), "tokens").Result()
	if err != nil {
		t.Fatalf("hget tokens: %v", err)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	if tokens > 1.1 {
		t.Fatalf("expected tokens to decrease, got %.2f", tokens)
	}
}

func TestLimiter_AllowRejectsWhenEmpty(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, nil, "test:ratelimit", 0.1, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if ok, _, err := limiter.Allow(ctx, "client"); err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
	}

	ok, retry, err := limiter.Allow(ctx, "client")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatalf("expected third request to be rejected")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retry)
	}

	// 不同 key 使用独立的桶
	if ok, _, _ := limiter.Allow(ctx, "other"); !ok {
		t.Fatalf("expected other client to be allowed")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, nil, "", 0, 0)
	if limiter.Enabled() {
		t.Fatalf("expected disabled limiter")
	}
	ok, _, err := limiter.Allow(context.Background(), "x")
	if err != nil || !ok {
		t.Fatalf("disabled limiter must allow, got %v %v", ok, err)
	}
	if err := limiter.Wait(context.Background(), "x"); err != nil {
		t.Fatalf("disabled limiter must not block: %v", err)
	}
}

func TestLimiter_WaitBlocksUntilToken(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, nil, "test:ratelimit", 10, 1)
	if err := limiter.Wait(context.Background(), "mail"); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background(), "mail"); err != nil {
		t.Fatalf("blocked wait: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 90*time.Millisecond {
		t.Fatalf("expected blocking, elapsed=%v", elapsed)
	}
}

func TestLimiter_WaitContextTimeout(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, nil, "test:ratelimit", 1, 1)
	if err := limiter.Wait(context.Background(), "mail"); err != nil {
		t.Fatalf("warm wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx, "mail")
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("expected ErrRateLimitTimeout, got %v", err)
	}
}

func TestLimiter_ConcurrentAllow(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewRedisRateLimiter(rdb, nil, "test:ratelimit", 0.5, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := limiter.Allow(context.Background(), "burst")
			mu.Lock()
			defer mu.Unlock()
			if err == nil && ok {
				success++
			}
		}()
	}

	wg.Wait()

	if success != 5 {
		t.Fatalf("expected 5 allowed requests, got %d", success)
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func closeRedis(t *testing.T, rdb *redis.Client) {
	t.Helper()
	if err := rdb.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
}
