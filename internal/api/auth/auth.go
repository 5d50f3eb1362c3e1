package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"libraryhub/internal/api/middleware"
	"libraryhub/internal/config"
	"libraryhub/internal/model"
	"libraryhub/internal/pkg/apperror"
	"libraryhub/internal/pkg/otp"
	"libraryhub/internal/pkg/response"
	"libraryhub/internal/pkg/token"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"

	"github.com/gin-gonic/gin"
)

// UserStore 认证流程所需的用户存储能力。
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id uint) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateRefreshToken(ctx context.Context, id uint, token string) error
	UpdatePassword(ctx context.Context, id uint, hash string) error
}

// TokenIssuer 签发与校验 token。
type TokenIssuer interface {
	IssueAccessAndRefresh(ctx context.Context, userID uint) (*token.Pair, error)
	IssueResetPassword(email string) (string, error)
	ParseRefresh(raw string) (*token.RefreshClaims, error)
	Config() token.Config
}

// OTPService 验证码服务。
type OTPService interface {
	CreateChallenge(ctx context.Context, email string, purpose otp.Purpose) error
	Resend(ctx context.Context, email string, purpose otp.Purpose) error
	Verify(ctx context.Context, email, candidate string) error
	IsVerified(ctx context.Context, email string) (bool, error)
	Delete(ctx context.Context, email string) error
}

// Cooldown 限制同一邮箱发送验证码的频率。
type Cooldown interface {
	Acquire(ctx context.Context, id string) (bool, time.Duration, error)
	Release(ctx context.Context, id string) error
}

// Handler 提供注册、登录、token 刷新与找回密码接口。
type Handler struct {
	users    UserStore
	tokens   TokenIssuer
	otps     OTPService
	cooldown Cooldown
	cookies  config.CookieConfig
	logger   *slog.Logger
}

// NewHandler 创建 Auth Handler。cooldown 可以为 nil。
func NewHandler(users UserStore, tokens TokenIssuer, otps OTPService, cooldown Cooldown, cookies config.CookieConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		users:    users,
		tokens:   tokens,
		otps:     otps,
		cooldown: cooldown,
		cookies:  cookies,
		logger:   logger,
	}
}

type registerRequest struct {
	Email       string `json:"email" binding:"required,email"`
	FullName    string `json:"fullName" binding:"required,max=191"`
	Password    string `json:"password" binding:"required,strongpwd"`
	Gender      string `json:"gender" binding:"omitempty,oneof=male female"`
	PhoneNumber string `json:"phoneNumber" binding:"omitempty,max=32"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required,strongpwd"`
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type verifyOTPRequest struct {
	OTP string `json:"otp" binding:"required"`
}

type resetPasswordRequest struct {
	Password string `json:"password" binding:"required,strongpwd"`
}

type authPayload struct {
	User         *model.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

// Register 创建新用户并直接签发 token。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}
	ctx := c.Request.Context()
	email := model.NormalizeEmail(req.Email)

	_, err := h.users.FindByEmail(ctx, email)
	if err == nil {
		_ = c.Error(apperror.Conflict("User with email already exists"))
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}

	user := &model.User{
		Email:       email,
		FullName:    strings.TrimSpace(req.FullName),
		Gender:      req.Gender,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
		Role:        model.RoleMember,
		Membership:  model.MembershipBasic,
		IsActive:    true,
	}
	if err := user.SetPassword(req.Password); err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	if err := h.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			_ = c.Error(apperror.Wrap(err, http.StatusConflict, "User with email already exists"))
			return
		}
		_ = c.Error(apperror.Internal(err, "Something went wrong while registering the user"))
		return
	}

	pair, err := h.tokens.IssueAccessAndRefresh(ctx, user.ID)
	if err != nil {
		_ = c.Error(apperror.Internal(err, "Failed to generate tokens"))
		return
	}

	h.logger.Info("user registered", slog.Uint64("user_id", uint64(user.ID)))
	h.setAuthCookies(c, pair)
	response.JSON(c, http.StatusCreated, "User registered Successfully", authPayload{
		User:         user,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// Login 校验凭据并签发 token。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}
	ctx := c.Request.Context()

	user, err := h.users.FindByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Error(apperror.NotFound("User does not exist"))
		return
	}
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	if !user.IsActive {
		_ = c.Error(apperror.Forbidden("Account is disabled"))
		return
	}
	if !user.CheckPassword(req.Password) {
		_ = c.Error(apperror.Unauthorized("Invalid user credentials"))
		return
	}

	pair, err := h.tokens.IssueAccessAndRefresh(ctx, user.ID)
	if err != nil {
		_ = c.Error(apperror.Internal(err, "Failed to generate tokens"))
		return
	}

	h.logger.Info("user logged in", slog.Uint64("user_id", uint64(user.ID)))
	h.setAuthCookies(c, pair)
	response.JSON(c, http.StatusOK, "User logged in Successfully", authPayload{
		User:         user,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// Logout 清除已保存的 refresh token 与认证 cookie。
func (h *Handler) Logout(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}
	if err := h.users.UpdateRefreshToken(c.Request.Context(), id.UserID, ""); err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}

	h.clearCookie(c, middleware.AccessTokenCookie)
	h.clearCookie(c, middleware.RefreshTokenCookie)
	response.JSON(c, http.StatusOK, "User logged out successfully", nil)
}

// RefreshToken 用 refresh token 换取新的 token 对，旧 refresh token 随即失效。
func (h *Handler) RefreshToken(c *gin.Context) {
	raw, _ := c.Cookie(middleware.RefreshTokenCookie)
	if raw == "" {
		var req refreshRequest
		_ = c.ShouldBindJSON(&req)
		raw = strings.TrimSpace(req.RefreshToken)
	}
	if raw == "" {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}

	claims, err := h.tokens.ParseRefresh(raw)
	if err != nil {
		_ = c.Error(apperror.Wrap(err, http.StatusUnauthorized, "Invalid refresh token"))
		return
	}
	uid, err := claims.UserID()
	if err != nil {
		_ = c.Error(apperror.Wrap(err, http.StatusUnauthorized, "Invalid refresh token"))
		return
	}

	ctx := c.Request.Context()
	user, err := h.users.FindByID(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Error(apperror.Unauthorized("User not found"))
		return
	}
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	if !user.IsActive {
		_ = c.Error(apperror.Forbidden("Account is disabled"))
		return
	}
	if user.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(user.RefreshToken)) != 1 {
		_ = c.Error(apperror.Unauthorized("Refresh token is expired or invalid"))
		return
	}

	pair, err := h.tokens.IssueAccessAndRefresh(ctx, user.ID)
	if err != nil {
		_ = c.Error(apperror.Internal(err, "Failed to generate tokens"))
		return
	}

	h.setAuthCookies(c, pair)
	response.JSON(c, http.StatusOK, "Access token refreshed successfully", pair)
}

// ChangePassword 校验旧密码后设置新密码。
func (h *Handler) ChangePassword(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}
	ctx := c.Request.Context()

	user, err := h.users.FindByID(ctx, id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Error(apperror.NotFound("User not found"))
		return
	}
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	if !user.CheckPassword(req.OldPassword) {
		_ = c.Error(apperror.BadRequest("Invalid old password"))
		return
	}
	if err := h.savePassword(ctx, user, req.NewPassword); err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Info("password changed", slog.Uint64("user_id", uint64(user.ID)))
	response.JSON(c, http.StatusOK, "Password changed successfully", nil)
}

// ForgotPassword 发送重置密码验证码，并下发 resetPasswordToken cookie。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}
	ctx := c.Request.Context()

	user, err := h.users.FindByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Error(apperror.NotFound("User not found"))
		return
	}
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}

	if err := h.sendChallenge(ctx, user.Email, false); err != nil {
		_ = c.Error(err)
		return
	}

	resetToken, err := h.tokens.IssueResetPassword(user.Email)
	if err != nil {
		_ = c.Error(apperror.Internal(err, "Failed to generate tokens"))
		return
	}
	h.setCookie(c, middleware.ResetPasswordTokenCookie, resetToken, h.tokens.Config().ResetTTL, http.SameSiteStrictMode)
	response.JSON(c, http.StatusOK, "OTP sent successfully", nil)
}

// VerifyOTP 校验验证码，成功后标记为已验证。
func (h *Handler) VerifyOTP(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}
	var req verifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}

	err := h.otps.Verify(c.Request.Context(), id.Email, strings.TrimSpace(req.OTP))
	if errors.Is(err, otp.ErrInvalidOTP) {
		_ = c.Error(apperror.Wrap(err, http.StatusBadRequest, "Invalid OTP"))
		return
	}
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	response.JSON(c, http.StatusOK, "OTP verified successfully", nil)
}

// ResetPassword 在验证码已验证的前提下重置密码。
//
// 成功后删除验证码、清除 resetPasswordToken cookie，并吊销已保存的 refresh token。
func (h *Handler) ResetPassword(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}
	ctx := c.Request.Context()

	verified, err := h.otps.IsVerified(ctx, id.Email)
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	if !verified {
		_ = c.Error(apperror.BadRequest("Invalid OTP"))
		return
	}

	user, err := h.users.FindByEmail(ctx, id.Email)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Error(apperror.NotFound("User not found"))
		return
	}
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	if err := h.savePassword(ctx, user, req.Password); err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.otps.Delete(ctx, user.Email); err != nil {
		h.logger.Warn("delete otp failed", slog.String("email", user.Email), slog.String("error", err.Error()))
	}
	if err := h.users.UpdateRefreshToken(ctx, user.ID, ""); err != nil {
		h.logger.Warn("revoke refresh token failed", slog.Uint64("user_id", uint64(user.ID)), slog.String("error", err.Error()))
	}

	h.clearCookie(c, middleware.ResetPasswordTokenCookie)
	h.logger.Info("password reset", slog.Uint64("user_id", uint64(user.ID)))
	response.JSON(c, http.StatusOK, "Password reset successfully", nil)
}

// ResendOTP 重新发送验证码，旧验证码立即失效。
func (h *Handler) ResendOTP(c *gin.Context) {
	id, ok := middleware.IdentityFrom(c.Request.Context())
	if !ok {
		_ = c.Error(apperror.Unauthorized("Unauthorized request"))
		return
	}
	if err := h.sendChallenge(c.Request.Context(), id.Email, true); err != nil {
		_ = c.Error(err)
		return
	}
	response.JSON(c, http.StatusOK, "OTP resend successfully", nil)
}

// sendChallenge 检查冷却窗口后创建验证码；发送失败时释放窗口以便立即重试。
func (h *Handler) sendChallenge(ctx context.Context, email string, resend bool) error {
	if h.cooldown != nil {
		ok, left, err := h.cooldown.Acquire(ctx, email)
		if err != nil {
			h.logger.Warn("otp cooldown check failed", slog.String("error", err.Error()))
		} else if !ok {
			secs := int(math.Ceil(left.Seconds()))
			return apperror.TooManyRequests(fmt.Sprintf("Please wait %d seconds before requesting another OTP", secs))
		}
	}

	var err error
	if resend {
		err = h.otps.Resend(ctx, email, otp.PurposeResetPassword)
	} else {
		err = h.otps.CreateChallenge(ctx, email, otp.PurposeResetPassword)
	}
	if err != nil {
		if h.cooldown != nil {
			_ = h.cooldown.Release(ctx, email)
		}
		h.logger.Error("send otp failed", slog.String("email", email), slog.String("error", err.Error()))
		return apperror.Internal(err, "Failed to send OTP")
	}
	return nil
}

func (h *Handler) savePassword(ctx context.Context, user *model.User, plain string) error {
	if err := user.SetPassword(plain); err != nil {
		return apperror.Internal(err, "")
	}
	if err := h.users.UpdatePassword(ctx, user.ID, user.Password); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperror.NotFound("User not found")
		}
		return apperror.Internal(err, "")
	}
	return nil
}

func (h *Handler) setAuthCookies(c *gin.Context, pair *token.Pair) {
	cfg := h.tokens.Config()
	h.setCookie(c, middleware.AccessTokenCookie, pair.AccessToken, cfg.AccessTTL, http.SameSiteLaxMode)
	h.setCookie(c, middleware.RefreshTokenCookie, pair.RefreshToken, cfg.RefreshTTL, http.SameSiteStrictMode)
}

func (h *Handler) setCookie(c *gin.Context, name, value string, ttl time.Duration, sameSite http.SameSite) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   int(ttl.Seconds()),
		Expires:  time.Now().Add(ttl),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: sameSite,
	})
}

func (h *Handler) clearCookie(c *gin.Context, name string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
	})
}
