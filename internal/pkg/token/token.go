// Package token 负责签发与校验 access / refresh / reset-password 三类 JWT。
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"libraryhub/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken 表示签名、过期或声明校验失败。
var ErrInvalidToken = errors.New("invalid token")

// UserStore 是签发 token 所需的用户存储能力。
type UserStore interface {
	FindByID(ctx context.Context, id uint) (*model.User, error)
	UpdateRefreshToken(ctx context.Context, id uint, token string) error
}

// Config 三类 token 的密钥与有效期。
type Config struct {
	AccessSecret  string
	AccessTTL     time.Duration
	RefreshSecret string
	RefreshTTL    time.Duration
	ResetSecret   string
	ResetTTL      time.Duration
}

// AccessClaims access token 携带 id、邮箱与角色。
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// UserID 解析 subject 中的用户 ID。
func (c *AccessClaims) UserID() (uint, error) {
	return parseSubject(c.Subject)
}

// RefreshClaims refresh token 只携带 id。
type RefreshClaims struct {
	jwt.RegisteredClaims
}

func (c *RefreshClaims) UserID() (uint, error) {
	return parseSubject(c.Subject)
}

// ResetClaims reset-password token 只携带邮箱。
type ResetClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Pair 一次签发的 access + refresh token。
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Service 签发与校验 token。
type Service struct {
	cfg   Config
	users UserStore
	now   func() time.Time
}

func NewService(cfg Config, users UserStore) *Service {
	return &Service{cfg: cfg, users: users, now: time.Now}
}

// Config 返回当前使用的配置（Cookie 有效期与其保持一致）。
func (s *Service) Config() Config {
	return s.cfg
}

// IssueAccessAndRefresh 为用户签发新的 token 对，并把 refresh token 写回用户记录。
//
// 用户不存在时返回 store 层的 not found 错误，其余失败原样返回，由调用方映射为 500。
func (s *Service) IssueAccessAndRefresh(ctx context.Context, userID uint) (*Pair, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	subject := strconv.FormatUint(uint64(user.ID), 10)

	access := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
		Email: user.Email,
		Role:  user.Role,
	}
	accessToken, err := sign(access, s.cfg.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	refresh := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTTL)),
		},
	}
	refreshToken, err := sign(refresh, s.cfg.RefreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	if err := s.users.UpdateRefreshToken(ctx, user.ID, refreshToken); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	return &Pair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// IssueResetPassword 签发只携带邮箱的重置密码 token，不落库。
func (s *Service) IssueResetPassword(email string) (string, error) {
	now := s.now()
	claims := ResetClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.ResetTTL)),
		},
		Email: model.NormalizeEmail(email),
	}
	tok, err := sign(claims, s.cfg.ResetSecret)
	if err != nil {
		return "", fmt.Errorf("sign reset password token: %w", err)
	}
	return tok, nil
}

// ParseAccess 校验 access token。
func (s *Service) ParseAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(raw, claims, s.cfg.AccessSecret); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseRefresh 校验 refresh token。
func (s *Service) ParseRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(raw, claims, s.cfg.RefreshSecret); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseReset 校验 reset-password token。
func (s *Service) ParseReset(raw string) (*ResetClaims, error) {
	claims := &ResetClaims{}
	if err := s.parse(raw, claims, s.cfg.ResetSecret); err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) parse(raw string, claims jwt.Claims, secret string) error {
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}

func sign(claims jwt.Claims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseSubject(sub string) (uint, error) {
	id, err := strconv.ParseUint(sub, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidToken
	}
	return uint(id), nil
}
