// Package cooldown 用 Redis SETNX 实现按 key 的冷却窗口，例如同一邮箱两次发送验证码的最小间隔。
package cooldown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "libraryhub:cooldown:"

type Cooldown struct {
	rdb   *redis.Client
	scope string
	ttl   time.Duration
}

// New 创建冷却器。ttl <= 0 时不做限制。
func New(rdb *redis.Client, scope string, ttl time.Duration) *Cooldown {
	return &Cooldown{
		rdb:   rdb,
		scope: scope,
		ttl:   ttl,
	}
}

// Acquire 尝试进入冷却窗口。
//
// 返回 false 表示仍在上一次的窗口内，同时返回剩余时间。
func (c *Cooldown) Acquire(ctx context.Context, id string) (bool, time.Duration, error) {
	if c == nil || c.rdb == nil || c.ttl <= 0 || id == "" {
		return true, 0, nil
	}
	key := c.key(id)
	ok, err := c.rdb.SetNX(ctx, key, "1", c.ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("cooldown setnx: %w", err)
	}
	if ok {
		return true, 0, nil
	}
	left, err := c.rdb.TTL(ctx, key).Result()
	if err != nil || left < 0 {
		left = c.ttl
	}
	return false, left, nil
}

// Release 提前结束冷却窗口，用于发送失败后允许立即重试。
func (c *Cooldown) Release(ctx context.Context, id string) error {
	if c == nil || c.rdb == nil || id == "" {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("cooldown del: %w", err)
	}
	return nil
}

func (c *Cooldown) key(id string) string {
	sum := sha256.Sum256([]byte(id))
	return keyPrefix + c.scope + ":" + hex.EncodeToString(sum[:])
}
