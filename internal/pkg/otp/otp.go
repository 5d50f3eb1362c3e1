// Package otp 管理一次性验证码（OTP）。
//
// 每个邮箱在 Redis 中只有一个 hash key，写入新验证码前会先删除旧 key；
// 过期完全依赖 key 的 TTL，读取不到即视为不存在或已过期。
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"libraryhub/internal/model"
	"libraryhub/internal/pkg/metrics"
	"libraryhub/internal/pkg/notify"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidOTP 表示验证码不存在、已过期或不匹配。
var ErrInvalidOTP = errors.New("invalid or expired otp")

// DefaultTTL 验证码存活时间。
const DefaultTTL = 300 * time.Second

const (
	keyPrefix  = "libraryhub:otp:"
	codeDigits = 6
)

// 仅当 key 仍是校验时读到的那条记录（hash 未被替换）时标记为已验证，
// HSET 不会改变 key 的 TTL。
const markVerifiedLua = `
if redis.call("HGET", KEYS[1], "hash") == ARGV[1] then
  redis.call("HSET", KEYS[1], "verified", "1")
  return 1
end
return 0
`

// Purpose 描述验证码用途，渲染到邮件正文中。
type Purpose string

const PurposeResetPassword Purpose = "reset your password"

// Service OTP 服务。
type Service struct {
	rdb     *redis.Client
	mailer  notify.Mailer
	ttl     time.Duration
	company string
	logger  *slog.Logger

	generate func() (string, error)
	script   *redis.Script
}

// NewService 创建 OTP 服务。ttl <= 0 时使用 DefaultTTL。
func NewService(rdb *redis.Client, mailer notify.Mailer, ttl time.Duration, company string, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rdb:      rdb,
		mailer:   mailer,
		ttl:      ttl,
		company:  company,
		logger:   logger,
		generate: Generate,
		script:   redis.NewScript(markVerifiedLua),
	}
}

// Generate 生成 6 位数字验证码，每一位均匀分布。
func Generate() (string, error) {
	max := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// CreateChallenge 为邮箱创建新的验证码并通过邮件发送。
//
// 旧验证码在同一事务中被删除，保证同一邮箱最多只有一个有效验证码。
// 返回值为邮件发送的错误；发送失败时验证码仍然保留，可通过重发覆盖。
func (s *Service) CreateChallenge(ctx context.Context, email string, purpose Purpose) error {
	email = model.NormalizeEmail(email)
	code, err := s.generate()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), model.PasswordCost)
	if err != nil {
		return fmt.Errorf("hash otp: %w", err)
	}

	key := keyPrefix + email
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"hash", string(hash),
			"verified", "0",
			"created_at", strconv.FormatInt(time.Now().Unix(), 10),
		)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		metrics.OTPChallengesTotal.WithLabelValues("store_error").Inc()
		return fmt.Errorf("store otp: %w", err)
	}

	subject, html, err := notify.RenderOTP(notify.OTPEmail{
		CompanyName: s.company,
		Code:        code,
		Purpose:     string(purpose),
		ValidFor:    humanize(s.ttl),
	})
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, email, subject, html); err != nil {
		metrics.OTPChallengesTotal.WithLabelValues("mail_error").Inc()
		return fmt.Errorf("send otp email: %w", err)
	}
	metrics.OTPChallengesTotal.WithLabelValues("sent").Inc()

	s.logger.Info("otp challenge created", slog.String("email", email), slog.String("purpose", string(purpose)))
	return nil
}

// Resend 重新生成并发送验证码，旧验证码随即失效。
func (s *Service) Resend(ctx context.Context, email string, purpose Purpose) error {
	return s.CreateChallenge(ctx, email, purpose)
}

// Get 读取邮箱当前的验证码记录，不存在（含已过期）时返回 ErrInvalidOTP。
func (s *Service) Get(ctx context.Context, email string) (*model.OTP, error) {
	email = model.NormalizeEmail(email)
	vals, err := s.rdb.HGetAll(ctx, keyPrefix+email).Result()
	if err != nil {
		return nil, fmt.Errorf("load otp: %w", err)
	}
	if len(vals) == 0 || vals["hash"] == "" {
		return nil, ErrInvalidOTP
	}
	rec := &model.OTP{
		Email:    email,
		Hash:     vals["hash"],
		Verified: vals["verified"] == "1",
	}
	if ts, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(ts, 0)
	}
	return rec, nil
}

// Verify 校验候选验证码。
//
// 不匹配时记录保持不变；匹配时只标记为已验证，不删除，由消费方（重置密码）删除。
func (s *Service) Verify(ctx context.Context, email, candidate string) error {
	rec, err := s.Get(ctx, email)
	if err != nil {
		return err
	}
	if candidate == "" || bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(candidate)) != nil {
		return ErrInvalidOTP
	}

	ok, err := s.markVerified(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		// 校验期间过期，或被重新发送的验证码替换
		return ErrInvalidOTP
	}
	return nil
}

func (s *Service) markVerified(ctx context.Context, rec *model.OTP) (bool, error) {
	n, err := s.script.Run(ctx, s.rdb, []string{keyPrefix + rec.Email}, rec.Hash).Int()
	if err != nil {
		return false, fmt.Errorf("mark otp verified: %w", err)
	}
	return n == 1, nil
}

// IsVerified 判断邮箱当前的验证码是否已通过校验。记录不存在时返回 false。
func (s *Service) IsVerified(ctx context.Context, email string) (bool, error) {
	rec, err := s.Get(ctx, email)
	if errors.Is(err, ErrInvalidOTP) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Verified, nil
}

// Delete 删除邮箱的验证码记录。
func (s *Service) Delete(ctx context.Context, email string) error {
	if err := s.rdb.Del(ctx, keyPrefix+model.NormalizeEmail(email)).Err(); err != nil {
		return fmt.Errorf("delete otp: %w", err)
	}
	return nil
}

func humanize(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return fmt.Sprintf("%d seconds", int(d/time.Second))
}
