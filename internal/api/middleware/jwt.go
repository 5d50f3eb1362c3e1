package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"libraryhub/internal/model"
	"libraryhub/internal/pkg/apperror"
	"libraryhub/internal/pkg/token"
	"libraryhub/internal/store"

	"github.com/gin-gonic/gin"
)

// Cookie 名称。
const (
	AccessTokenCookie        = "accessToken"
	RefreshTokenCookie       = "refreshToken"
	ResetPasswordTokenCookie = "resetPasswordToken"
)

// TokenParser 校验 access / reset-password token。
type TokenParser interface {
	ParseAccess(raw string) (*token.AccessClaims, error)
	ParseReset(raw string) (*token.ResetClaims, error)
}

// UserFinder 按 ID 或邮箱解析当前用户。
type UserFinder interface {
	FindByID(ctx context.Context, id uint) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// Identity 是通过认证的调用方身份。
type Identity struct {
	UserID   uint
	Email    string
	Role     string
	FullName string
}

type identityKey struct{}

// WithIdentity 把身份写入 context。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom 从 context 中取出身份。
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func attachIdentity(c *gin.Context, u *model.User) {
	c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), Identity{
		UserID:   u.ID,
		Email:    u.Email,
		Role:     u.Role,
		FullName: u.FullName,
	}))
}

func abortWith(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// VerifyToken 校验 access token 并解析用户。
//
// token 优先取 accessToken cookie，其次取 Authorization: Bearer 头。
func VerifyToken(tokens TokenParser, users UserFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, _ := c.Cookie(AccessTokenCookie)
		if raw == "" {
			raw = bearerToken(c.GetHeader("Authorization"))
		}
		if raw == "" {
			abortWith(c, apperror.Unauthorized("Unauthorized request"))
			return
		}

		claims, err := tokens.ParseAccess(raw)
		if err != nil {
			abortWith(c, apperror.Wrap(err, http.StatusUnauthorized, "Unauthorized request"))
			return
		}
		uid, err := claims.UserID()
		if err != nil {
			abortWith(c, apperror.Wrap(err, http.StatusUnauthorized, "Unauthorized request"))
			return
		}

		user, err := users.FindByID(c.Request.Context(), uid)
		if errors.Is(err, store.ErrNotFound) {
			abortWith(c, apperror.Unauthorized("User not found"))
			return
		}
		if err != nil {
			abortWith(c, apperror.Internal(err, ""))
			return
		}
		if !user.IsActive {
			abortWith(c, apperror.Forbidden("Account is disabled"))
			return
		}

		attachIdentity(c, user)
		c.Next()
	}
}

// VerifyRole 限制只有指定角色可以访问，必须放在 VerifyToken 之后。
func VerifyRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c.Request.Context())
		if !ok || id.Role == "" {
			abortWith(c, apperror.Unauthorized("Unauthorized request"))
			return
		}
		if _, ok := allowed[id.Role]; !ok {
			abortWith(c, apperror.Forbidden("Forbidden: insufficient privileges"))
			return
		}
		c.Next()
	}
}

// VerifyResetPasswordToken 校验 resetPasswordToken cookie，按邮箱解析用户。
func VerifyResetPasswordToken(tokens TokenParser, users UserFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, _ := c.Cookie(ResetPasswordTokenCookie)
		if raw == "" {
			abortWith(c, apperror.BadRequest("Reset password token is required"))
			return
		}

		claims, err := tokens.ParseReset(raw)
		if err != nil {
			abortWith(c, apperror.Wrap(err, http.StatusUnauthorized, "Unauthorized request"))
			return
		}

		user, err := users.FindByEmail(c.Request.Context(), claims.Email)
		if errors.Is(err, store.ErrNotFound) {
			abortWith(c, apperror.Unauthorized("User not found"))
			return
		}
		if err != nil {
			abortWith(c, apperror.Internal(err, ""))
			return
		}
		if !user.IsActive {
			abortWith(c, apperror.Forbidden("Account is disabled"))
			return
		}

		attachIdentity(c, user)
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
