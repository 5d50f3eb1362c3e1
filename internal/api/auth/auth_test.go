package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"libraryhub/internal/api/middleware"
	"libraryhub/internal/config"
	"libraryhub/internal/model"
	"libraryhub/internal/pkg/cooldown"
	"libraryhub/internal/pkg/logger"
	"libraryhub/internal/pkg/otp"
	"libraryhub/internal/pkg/token"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"
	"libraryhub/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const strongPassword = "Sup3r$ecret"

var codePattern = regexp.MustCompile(`>(\d{6})</div>`)

type inbox struct {
	mu    sync.Mutex
	codes map[string][]string
}

func (b *inbox) Send(ctx context.Context, to, subject, html string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.codes == nil {
		b.codes = map[string][]string{}
	}
	if m := codePattern.FindStringSubmatch(html); m != nil {
		b.codes[to] = append(b.codes[to], m[1])
	}
	return nil
}

func (b *inbox) last(t *testing.T, to string) string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	codes := b.codes[to]
	if len(codes) == 0 {
		t.Fatalf("no otp mailed to %s", to)
	}
	return codes[len(codes)-1]
}

type testEnv struct {
	router *gin.Engine
	users  *store.UserStore
	tokens *token.Service
	redis  *miniredis.Miniredis
	inbox  *inbox
}

func newTestEnv(t *testing.T, resendCooldown time.Duration) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validate.RegisterBindings()

	db := storetest.OpenDB(t)
	users := store.NewUserStore(db)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tokens := token.NewService(token.Config{
		AccessSecret:  "access-secret",
		AccessTTL:     time.Hour,
		RefreshSecret: "refresh-secret",
		RefreshTTL:    7 * 24 * time.Hour,
		ResetSecret:   "reset-secret",
		ResetTTL:      30 * time.Minute,
	}, users)
	box := &inbox{}
	otps := otp.NewService(rdb, box, otp.DefaultTTL, "Test Library", logger.Discard())
	h := NewHandler(users, tokens, otps, cooldown.New(rdb, "otp", resendCooldown), config.CookieConfig{Secure: true}, logger.Discard())

	r := gin.New()
	r.Use(middleware.ErrorHandler(logger.Discard(), false))
	g := r.Group("/api/v1/auth")
	g.POST("/register", h.Register)
	g.POST("/login", h.Login)
	g.POST("/refresh-token", h.RefreshToken)
	g.POST("/forgot-password", h.ForgotPassword)
	authed := g.Group("", middleware.VerifyToken(tokens, users))
	authed.POST("/logout", h.Logout)
	authed.POST("/change-password", h.ChangePassword)
	reset := g.Group("", middleware.VerifyResetPasswordToken(tokens, users))
	reset.POST("/verify-otp", h.VerifyOTP)
	reset.POST("/reset-password", h.ResetPassword)
	reset.POST("/resend-otp", h.ResendOTP)

	return &testEnv{router: r, users: users, tokens: tokens, redis: mr, inbox: box}
}

type result struct {
	code    int
	body    map[string]any
	cookies map[string]*http.Cookie
}

func (e *testEnv) post(t *testing.T, path string, payload any, cookies ...*http.Cookie) result {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	res := result{code: w.Code, body: map[string]any{}, cookies: map[string]*http.Cookie{}}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &res.body); err != nil {
			t.Fatalf("decode %q: %v", w.Body.String(), err)
		}
	}
	for _, ck := range w.Result().Cookies() {
		res.cookies[ck.Name] = ck
	}
	return res
}

func (r result) data() map[string]any {
	d, _ := r.body["data"].(map[string]any)
	return d
}

func (e *testEnv) register(t *testing.T, email string) result {
	t.Helper()
	res := e.post(t, "/register", map[string]string{
		"email":    email,
		"fullName": "Ada Reader",
		"password": strongPassword,
		"gender":   "female",
	})
	if res.code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d %v", res.code, res.body)
	}
	return res
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, 0)

	res := env.register(t, "Ada@Example.com")
	if res.body["success"] != true || res.body["statusCode"].(float64) != 201 {
		t.Fatalf("unexpected envelope %v", res.body)
	}
	user := res.data()["user"].(map[string]any)
	if user["email"] != "ada@example.com" {
		t.Fatalf("expected normalized email, got %v", user["email"])
	}
	if _, leaked := user["password"]; leaked {
		t.Fatalf("password must not be serialized")
	}
	if res.cookies[middleware.AccessTokenCookie] == nil || res.cookies[middleware.RefreshTokenCookie] == nil {
		t.Fatalf("expected auth cookies, got %v", res.cookies)
	}

	dup := env.post(t, "/register", map[string]string{
		"email": "ada@example.com", "fullName": "Other", "password": strongPassword,
	})
	if dup.code != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", dup.code)
	}
	if dup.body["message"] != "User with email already exists" {
		t.Fatalf("unexpected message %v", dup.body["message"])
	}
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t, 0)

	res := env.post(t, "/register", map[string]string{
		"email": "not-an-email", "fullName": "", "password": "weak",
	})
	if res.code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.code)
	}
	errs, _ := res.body["errors"].([]any)
	if len(errs) != 3 {
		t.Fatalf("expected 3 field errors, got %v", res.body["errors"])
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, 0)
	env.register(t, "ada@example.com")

	if res := env.post(t, "/login", map[string]string{"email": "ghost@example.com", "password": strongPassword}); res.code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", res.code)
	}

	res := env.post(t, "/login", map[string]string{"email": "ada@example.com", "password": "Wr0ng!pass"})
	if res.code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", res.code)
	}
	if len(res.cookies) != 0 {
		t.Fatalf("failed login must not set cookies")
	}

	res = env.post(t, "/login", map[string]string{"email": "ada@example.com", "password": strongPassword})
	if res.code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d %v", res.code, res.body)
	}
	data := res.data()
	if data["accessToken"] == "" || data["refreshToken"] == "" {
		t.Fatalf("expected both tokens, got %v", data)
	}
	access := res.cookies[middleware.AccessTokenCookie]
	refresh := res.cookies[middleware.RefreshTokenCookie]
	if access == nil || refresh == nil {
		t.Fatalf("expected both cookies")
	}
	if !refresh.HttpOnly || !refresh.Secure || refresh.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected refresh cookie attributes %+v", refresh)
	}
	if refresh.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Fatalf("expected 7 day refresh cookie, got %d", refresh.MaxAge)
	}
	if refresh.Value != data["refreshToken"] {
		t.Fatalf("cookie and body refresh token differ")
	}
}

func TestLogin_InactiveUser(t *testing.T) {
	env := newTestEnv(t, 0)
	user := &model.User{Email: "off@example.com", FullName: "Off", IsActive: true}
	if err := user.SetPassword(strongPassword); err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := env.users.Create(context.Background(), user); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.users.UpdateProfile(context.Background(), user.ID, map[string]interface{}{"is_active": false}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	res := env.post(t, "/login", map[string]string{"email": "off@example.com", "password": strongPassword})
	if res.code != http.StatusForbidden {
		t.Fatalf("inactive user: expected 403, got %d", res.code)
	}
}

func TestDisabledUser_TokensStopWorking(t *testing.T) {
	env := newTestEnv(t, 0)
	reg := env.register(t, "gone@example.com")
	refresh := reg.data()["refreshToken"].(string)
	access := reg.cookies[middleware.AccessTokenCookie]
	if access == nil {
		t.Fatalf("expected access cookie")
	}
	user, err := env.users.FindByEmail(context.Background(), "gone@example.com")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := env.users.UpdateProfile(context.Background(), user.ID, map[string]interface{}{"is_active": false}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	res := env.post(t, "/refresh-token", nil, &http.Cookie{Name: middleware.RefreshTokenCookie, Value: refresh})
	if res.code != http.StatusForbidden {
		t.Fatalf("refresh for disabled user: expected 403, got %d %v", res.code, res.body)
	}
	if res.body["message"] != "Account is disabled" {
		t.Fatalf("unexpected message %v", res.body["message"])
	}

	res = env.post(t, "/logout", nil, access)
	if res.code != http.StatusForbidden {
		t.Fatalf("access token for disabled user: expected 403, got %d", res.code)
	}
}

func TestRefreshToken(t *testing.T) {
	env := newTestEnv(t, 0)
	reg := env.register(t, "ada@example.com")
	oldRefresh := reg.data()["refreshToken"].(string)

	if res := env.post(t, "/refresh-token", nil); res.code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", res.code)
	}
	if res := env.post(t, "/refresh-token", map[string]string{"refreshToken": "garbage"}); res.code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", res.code)
	}

	res := env.post(t, "/refresh-token", nil, &http.Cookie{Name: middleware.RefreshTokenCookie, Value: oldRefresh})
	if res.code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d %v", res.code, res.body)
	}
	newRefresh := res.data()["refreshToken"].(string)
	if newRefresh == oldRefresh {
		t.Fatalf("expected rotated refresh token")
	}

	// 旧 token 签名有效，但已不是用户当前保存的 token
	res = env.post(t, "/refresh-token", map[string]string{"refreshToken": oldRefresh})
	if res.code != http.StatusUnauthorized {
		t.Fatalf("stale token: expected 401, got %d", res.code)
	}
	if res.body["message"] != "Refresh token is expired or invalid" {
		t.Fatalf("unexpected message %v", res.body["message"])
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	env := newTestEnv(t, 0)
	reg := env.register(t, "ada@example.com")
	access := reg.data()["accessToken"].(string)
	refresh := reg.data()["refreshToken"].(string)

	res := env.post(t, "/logout", nil, &http.Cookie{Name: middleware.AccessTokenCookie, Value: access})
	if res.code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d %v", res.code, res.body)
	}
	if ck := res.cookies[middleware.AccessTokenCookie]; ck == nil || ck.MaxAge >= 0 {
		t.Fatalf("expected access cookie to be cleared")
	}

	if res := env.post(t, "/refresh-token", map[string]string{"refreshToken": refresh}); res.code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", res.code)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, 0)
	reg := env.register(t, "ada@example.com")
	cookie := &http.Cookie{Name: middleware.AccessTokenCookie, Value: reg.data()["accessToken"].(string)}

	res := env.post(t, "/change-password", map[string]string{"oldPassword": "Wr0ng!pass", "newPassword": "N3w!Password"}, cookie)
	if res.code != http.StatusBadRequest || res.body["message"] != "Invalid old password" {
		t.Fatalf("wrong old password: expected 400, got %d %v", res.code, res.body)
	}

	res = env.post(t, "/change-password", map[string]string{"oldPassword": strongPassword, "newPassword": "weak"}, cookie)
	if res.code != http.StatusBadRequest {
		t.Fatalf("weak new password: expected 400, got %d", res.code)
	}

	res = env.post(t, "/change-password", map[string]string{"oldPassword": strongPassword, "newPassword": "N3w!Password"}, cookie)
	if res.code != http.StatusOK {
		t.Fatalf("change password: expected 200, got %d %v", res.code, res.body)
	}

	if res := env.post(t, "/login", map[string]string{"email": "ada@example.com", "password": "N3w!Password"}); res.code != http.StatusOK {
		t.Fatalf("login with new password: expected 200, got %d", res.code)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t, 0)
	env.register(t, "ada@example.com")

	if res := env.post(t, "/forgot-password", map[string]string{"email": "ghost@example.com"}); res.code != http.StatusNotFound {
		t.Fatalf("unknown email: expected 404, got %d", res.code)
	}

	res := env.post(t, "/forgot-password", map[string]string{"email": "ada@example.com"})
	if res.code != http.StatusOK {
		t.Fatalf("forgot password: expected 200, got %d %v", res.code, res.body)
	}
	resetCookie := res.cookies[middleware.ResetPasswordTokenCookie]
	if resetCookie == nil || resetCookie.SameSite != http.SameSiteStrictMode || resetCookie.MaxAge != 1800 {
		t.Fatalf("unexpected reset cookie %+v", resetCookie)
	}

	// 未验证前不能重置
	if res := env.post(t, "/reset-password", map[string]string{"password": "N3w!Password"}, resetCookie); res.code != http.StatusBadRequest {
		t.Fatalf("reset before verify: expected 400, got %d", res.code)
	}

	code := env.inbox.last(t, "ada@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	res = env.post(t, "/verify-otp", map[string]string{"otp": wrong}, resetCookie)
	if res.code != http.StatusBadRequest || res.body["message"] != "Invalid OTP" {
		t.Fatalf("wrong otp: expected 400 Invalid OTP, got %d %v", res.code, res.body)
	}
	if res := env.post(t, "/reset-password", map[string]string{"password": "N3w!Password"}, resetCookie); res.code != http.StatusBadRequest {
		t.Fatalf("wrong otp must not unlock reset, got %d", res.code)
	}

	if res := env.post(t, "/verify-otp", map[string]string{"otp": code}, resetCookie); res.code != http.StatusOK {
		t.Fatalf("verify otp: expected 200, got %d %v", res.code, res.body)
	}

	res = env.post(t, "/reset-password", map[string]string{"password": "N3w!Password"}, resetCookie)
	if res.code != http.StatusOK {
		t.Fatalf("reset password: expected 200, got %d %v", res.code, res.body)
	}
	if ck := res.cookies[middleware.ResetPasswordTokenCookie]; ck == nil || ck.MaxAge >= 0 {
		t.Fatalf("expected reset cookie to be cleared")
	}
	if keys := env.redis.Keys(); len(keys) != 0 {
		t.Fatalf("expected otp to be deleted, got keys %v", keys)
	}

	if res := env.post(t, "/login", map[string]string{"email": "ada@example.com", "password": "N3w!Password"}); res.code != http.StatusOK {
		t.Fatalf("login after reset: expected 200, got %d", res.code)
	}
}

func TestForgotPasswordTwiceKeepsOneOTP(t *testing.T) {
	env := newTestEnv(t, 0)
	env.register(t, "ada@example.com")

	for i := 0; i < 2; i++ {
		if res := env.post(t, "/forgot-password", map[string]string{"email": "ada@example.com"}); res.code != http.StatusOK {
			t.Fatalf("forgot password #%d: expected 200, got %d", i+1, res.code)
		}
	}
	var otpKeys int
	for _, k := range env.redis.Keys() {
		if regexp.MustCompile(`^libraryhub:otp:`).MatchString(k) {
			otpKeys++
		}
	}
	if otpKeys != 1 {
		t.Fatalf("expected exactly one otp record, got %d", otpKeys)
	}
}

func TestOTPExpiry(t *testing.T) {
	env := newTestEnv(t, 0)
	env.register(t, "ada@example.com")

	res := env.post(t, "/forgot-password", map[string]string{"email": "ada@example.com"})
	resetCookie := res.cookies[middleware.ResetPasswordTokenCookie]
	code := env.inbox.last(t, "ada@example.com")

	env.redis.FastForward(otp.DefaultTTL + time.Second)

	res = env.post(t, "/verify-otp", map[string]string{"otp": code}, resetCookie)
	if res.code != http.StatusBadRequest {
		t.Fatalf("expired otp: expected 400, got %d", res.code)
	}
}

func TestResendOTPCooldown(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	env.register(t, "ada@example.com")

	res := env.post(t, "/forgot-password", map[string]string{"email": "ada@example.com"})
	if res.code != http.StatusOK {
		t.Fatalf("forgot password: expected 200, got %d", res.code)
	}
	resetCookie := res.cookies[middleware.ResetPasswordTokenCookie]

	if res := env.post(t, "/resend-otp", nil, resetCookie); res.code != http.StatusTooManyRequests {
		t.Fatalf("resend within cooldown: expected 429, got %d", res.code)
	}

	env.redis.FastForward(time.Minute + time.Second)
	first := env.inbox.last(t, "ada@example.com")
	if res := env.post(t, "/resend-otp", nil, resetCookie); res.code != http.StatusOK {
		t.Fatalf("resend after cooldown: expected 200, got %d %v", res.code, res.body)
	}
	env.inbox.mu.Lock()
	sent := len(env.inbox.codes["ada@example.com"])
	env.inbox.mu.Unlock()
	if sent != 2 {
		t.Fatalf("expected 2 mails, got %d (first=%s)", sent, first)
	}
}
