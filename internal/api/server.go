package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"libraryhub/internal/api/auth"
	"libraryhub/internal/api/middleware"
	"libraryhub/internal/config"
	"libraryhub/internal/model"
	"libraryhub/internal/pkg/cooldown"
	"libraryhub/internal/pkg/metrics"
	"libraryhub/internal/pkg/notify"
	"libraryhub/internal/pkg/otp"
	"libraryhub/internal/pkg/ratelimit"
	"libraryhub/internal/pkg/storage"
	"libraryhub/internal/pkg/token"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、对象存储以及 Gin 路由引擎。
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *gorm.DB
	rdb     *redis.Client
	router  *gin.Engine
	auth    *auth.Handler
	tokens  middleware.TokenParser
	users   UserStore
	books   BookStore
	files   storage.Store
	limiter middleware.Allower
	ping    func(ctx context.Context) error
}

// UserStore 是用户资料接口所需的存储能力。
type UserStore interface {
	FindByID(ctx context.Context, id uint) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateProfile(ctx context.Context, id uint, updates map[string]interface{}) (*model.User, error)
}

// BookStore 是图书接口所需的存储能力。
type BookStore interface {
	Create(ctx context.Context, book *model.Book) error
	FindByID(ctx context.Context, id uint) (*model.Book, error)
	ExistsISBN(ctx context.Context, isbn string, excludeID uint) (bool, error)
	ExistsRFID(ctx context.Context, tag string, excludeID uint) (bool, error)
	List(ctx context.Context, filter store.BookFilter) ([]model.Book, error)
	Update(ctx context.Context, id uint, updates map[string]interface{}) (*model.Book, error)
	Delete(ctx context.Context, id uint) (*model.Book, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis（OTP、冷却、限流）
// 3. 初始化对象存储与邮件发送
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := prepareDB(db, store.Migrate); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = store.Close(db)
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	files, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close(db)
		return nil, fmt.Errorf("init storage: %w", err)
	}

	mailer, err := notify.New(&cfg.Email, logger)
	if err != nil {
		_ = rdb.Close()
		_ = store.Close(db)
		return nil, fmt.Errorf("init mailer: %w", err)
	}
	// 所有外发邮件共用一个令牌桶，避免触发服务商的发送频率限制
	mailLimiter := ratelimit.NewRedisRateLimiter(rdb, logger, "libraryhub:mail", cfg.Email.SendRate, cfg.Email.SendBurst)
	mailer = notify.Throttle(mailer, mailLimiter)

	metrics.InitMetrics()
	validate.RegisterBindings()

	users := store.NewUserStore(db)
	tokens := token.NewService(token.Config{
		AccessSecret:  cfg.Security.AccessTokenSecret,
		AccessTTL:     cfg.Security.AccessTokenTTL,
		RefreshSecret: cfg.Security.RefreshTokenSecret,
		RefreshTTL:    cfg.Security.RefreshTokenTTL,
		ResetSecret:   cfg.Security.ResetPasswordSecret,
		ResetTTL:      cfg.Security.ResetPasswordTTL,
	}, users)
	otps := otp.NewService(rdb, mailer, cfg.Security.OTPTTL, cfg.Email.CompanyName, logger)
	resend := cooldown.New(rdb, "otp", cfg.Security.OTPResendCooldown)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		rdb:     rdb,
		router:  newRouter(cfg, logger),
		auth:    auth.NewHandler(users, tokens, otps, resend, cfg.Cookie, logger),
		tokens:  tokens,
		users:   users,
		books:   store.NewBookStore(db),
		files:   files,
		limiter: ratelimit.NewRedisRateLimiter(rdb, logger, "libraryhub:ratelimit", cfg.Security.RateLimit, cfg.Security.RateBurst),
		ping: func(ctx context.Context) error {
			return store.Ping(ctx, db)
		},
	}
	if disk, ok := files.(*storage.DiskStore); ok && strings.HasPrefix(disk.BaseURL(), "/") {
		s.router.Static(disk.BaseURL(), disk.Root())
	}
	s.registerRoutes()

	if err := s.SeedAdmin(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	return s, nil
}

// prepareDB 执行迁移，失败时关闭刚打开的连接。
func prepareDB(db *gorm.DB, migrate func(*gorm.DB) error) error {
	if err := migrate(db); err != nil {
		_ = store.Close(db)
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// newRouter 创建带有公共中间件的 Gin 引擎。
func newRouter(cfg *config.Config, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.MaxMultipartMemory = cfg.App.BodyLimit
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.ErrorHandler(logger, !cfg.App.IsProduction()))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	switch {
	case slices.Contains(cfg.App.CORSOrigins, "*"):
		// 携带 cookie 时不能返回 *，改为回显请求来源
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	case len(cfg.App.CORSOrigins) > 0:
		corsCfg.AllowOrigins = cfg.App.CORSOrigins
	default:
		corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.New(corsCfg))
	return r
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if err := store.Close(s.db); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group(s.cfg.App.APIPrefix)
	api.GET("/health-check", s.handleHealthCheck)

	verify := middleware.VerifyToken(s.tokens, s.users)
	reset := middleware.VerifyResetPasswordToken(s.tokens, s.users)
	limit := middleware.RateLimit(s.limiter, "auth", s.logger)

	authGroup := api.Group("/auth")
	authGroup.POST("/register", limit, s.auth.Register)
	authGroup.POST("/login", limit, s.auth.Login)
	authGroup.POST("/logout", verify, s.auth.Logout)
	authGroup.POST("/refresh-token", s.auth.RefreshToken)
	authGroup.POST("/change-password", verify, s.auth.ChangePassword)
	authGroup.POST("/forgot-password", limit, s.auth.ForgotPassword)
	authGroup.POST("/verify-otp", limit, reset, s.auth.VerifyOTP)
	authGroup.POST("/reset-password", reset, s.auth.ResetPassword)
	authGroup.POST("/resend-otp", limit, reset, s.auth.ResendOTP)

	users := api.Group("/users", verify)
	users.GET("/me", s.handleMe)
	users.PUT("/profile", s.handleUpdateProfile)

	books := api.Group("/books")
	books.POST("", verify, middleware.VerifyRole(model.RoleAdmin, model.RoleLibrarian), s.handleCreateBook)
	books.GET("", s.handleListBooks)
	books.GET("/:id", s.handleGetBook)
	books.PUT("/:id", verify, s.handleUpdateBook)
	books.DELETE("/:id", verify, s.handleDeleteBook)
}

// handleHealthCheck 返回服务与数据库的健康状态，始终返回 200。
func (s *Server) handleHealthCheck(c *gin.Context) {
	status := "UP"
	if s.ping == nil {
		status = "DOWN"
	} else {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.Warn("health check failed", slog.String("error", err.Error()))
			status = "DOWN"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// parseQueryInt 从查询参数中解析整数。
//
// 参数:
//
//	c: Gin 上下文
//	key: 参数名
//	def: 默认值
//
// 返回值:
//
//	int: 解析后的整数或默认值
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
