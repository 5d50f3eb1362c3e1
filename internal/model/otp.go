package model

import "time"

// OTP 表示一次性验证码记录。
//
// 记录保存在 Redis 中，过期完全交给 key 的 TTL 处理；Hash 为验证码的 bcrypt 哈希。
type OTP struct {
	Email     string
	Hash      string
	Verified  bool
	CreatedAt time.Time
}
