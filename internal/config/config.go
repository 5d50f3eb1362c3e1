package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Storage  StorageConfig  `json:"storage"`
	Cookie   CookieConfig   `json:"cookie"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env         string   `json:"env"`          // 运行环境: local / prod
	LogLevel    string   `json:"log_level"`    // 日志级别: debug / info / warn / error
	HTTPAddr    string   `json:"http_addr"`    // API 服务监听地址
	APIPrefix   string   `json:"api_prefix"`   // 路由前缀，如 /api/v1
	CORSOrigins []string `json:"cors_origins"` // 允许跨域的来源
	BodyLimit   int64    `json:"body_limit"`   // multipart 内存上限（字节）
}

// IsProduction 判断是否生产环境。
func (a AppConfig) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(a.Env))
	return env == "prod" || env == "production"
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置（OTP、限流、冷却）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`
}

// EmailConfig 邮件发送配置。
type EmailConfig struct {
	Provider       string  `json:"provider"` // smtp / mailgun / sendgrid
	SMTPHost       string  `json:"smtp_host"`
	SMTPPort       int     `json:"smtp_port"`
	SMTPUser       string  `json:"smtp_user"`
	SMTPPass       string  `json:"smtp_pass"`
	FromEmail      string  `json:"from_email"`
	FromName       string  `json:"from_name"`
	CompanyName    string  `json:"company_name"`
	MailgunDomain  string  `json:"mailgun_domain"`
	MailgunAPIKey  string  `json:"mailgun_api_key"`
	SendGridAPIKey string  `json:"sendgrid_api_key"`
	SendRate       float64 `json:"send_rate"`  // 全局发信速率（封/秒），0 表示不限制
	SendBurst      float64 `json:"send_burst"` // 发信突发上限
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	AccessTokenSecret   string        `json:"access_token_secret"`
	AccessTokenTTL      time.Duration `json:"access_token_ttl"`
	RefreshTokenSecret  string        `json:"refresh_token_secret"`
	RefreshTokenTTL     time.Duration `json:"refresh_token_ttl"`
	ResetPasswordSecret string        `json:"reset_password_secret"`
	ResetPasswordTTL    time.Duration `json:"reset_password_ttl"`
	OTPTTL              time.Duration `json:"otp_ttl"`             // OTP 存活时间（由 Redis 过期控制）
	OTPResendCooldown   time.Duration `json:"otp_resend_cooldown"` // 同一邮箱两次发送 OTP 的最小间隔，0 表示不限制
	RateLimit           float64       `json:"rate_limit"`          // 认证接口限流速率（token/s），0 表示关闭
	RateBurst           float64       `json:"rate_burst"`          // 限流桶容量
	AdminEmail          string        `json:"admin_email"`         // 启动时自动创建的管理员（为空则跳过）
	AdminPassword       string        `json:"admin_password"`
}

// StorageConfig 图书封面与电子书文件的存储配置。
type StorageConfig struct {
	Driver        string `json:"driver"`          // disk / s3
	LocalDir      string `json:"local_dir"`       // disk 模式下的根目录
	PublicBaseURL string `json:"public_base_url"` // disk 模式下对外访问的 URL 前缀
	S3Endpoint    string `json:"s3_endpoint"`
	S3Bucket      string `json:"s3_bucket"`
	S3AccessKey   string `json:"s3_access_key"`
	S3SecretKey   string `json:"s3_secret_key"`
	S3UseSSL      bool   `json:"s3_use_ssl"`
	S3PublicURL   string `json:"s3_public_url"` // 为空时使用 endpoint/bucket 拼接
}

// CookieConfig Cookie 相关配置。
type CookieConfig struct {
	Secure bool   `json:"secure"`
	Domain string `json:"domain"`
}

// Load 从 JSON 文件加载配置。
//
// 它会先尝试加载 .env，再读取 configs/config.json，如果不存在则使用默认值。
// 环境变量始终优先。
func Load(configPath ...string) (*Config, error) {
	_ = godotenv.Load()

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		if err := checkProductionSecrets(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// 文件中未出现 cookie.secure 时保持默认的 true
	cfg := &Config{Cookie: CookieConfig{Secure: true}}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := checkProductionSecrets(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// checkProductionSecrets 生产环境下拒绝使用内置的开发密钥。
func checkProductionSecrets(cfg *Config) error {
	if !cfg.App.IsProduction() {
		return nil
	}
	defaults := getDefaultConfig().Security
	secrets := []struct {
		name, value, dev string
	}{
		{"access_token_secret", cfg.Security.AccessTokenSecret, defaults.AccessTokenSecret},
		{"refresh_token_secret", cfg.Security.RefreshTokenSecret, defaults.RefreshTokenSecret},
		{"reset_password_secret", cfg.Security.ResetPasswordSecret, defaults.ResetPasswordSecret},
	}
	for _, sec := range secrets {
		if sec.value == "" || sec.value == sec.dev {
			return fmt.Errorf("security.%s must be set in production", sec.name)
		}
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:         "local",
			LogLevel:    "info",
			HTTPAddr:    ":8080",
			APIPrefix:   "/api/v1",
			CORSOrigins: []string{"http://localhost:3000"},
			BodyLimit:   16 << 20,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/libraryhub?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			Provider:    "smtp",
			SMTPHost:    "smtp.gmail.com",
			SMTPPort:    465,
			FromName:    "LibraryHub",
			CompanyName: "LibraryHub",
			SendRate:    1,
			SendBurst:   5,
		},
		Security: SecurityConfig{
			AccessTokenSecret:   "dev_access_secret_change_me",
			AccessTokenTTL:      time.Hour,
			RefreshTokenSecret:  "dev_refresh_secret_change_me",
			RefreshTokenTTL:     7 * 24 * time.Hour,
			ResetPasswordSecret: "dev_reset_secret_change_me",
			ResetPasswordTTL:    30 * time.Minute,
			OTPTTL:              300 * time.Second,
			OTPResendCooldown:   60 * time.Second,
			RateLimit:           2,
			RateBurst:           10,
		},
		Storage: StorageConfig{
			Driver:        "disk",
			LocalDir:      "./public/uploads",
			PublicBaseURL: "/uploads",
		},
		Cookie: CookieConfig{
			Secure: true,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.APIPrefix == "" {
		cfg.App.APIPrefix = defaults.App.APIPrefix
	}
	if len(cfg.App.CORSOrigins) == 0 {
		cfg.App.CORSOrigins = defaults.App.CORSOrigins
	}
	if cfg.App.BodyLimit == 0 {
		cfg.App.BodyLimit = defaults.App.BodyLimit
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = defaults.Email.Provider
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = defaults.Email.FromName
	}
	if cfg.Email.CompanyName == "" {
		cfg.Email.CompanyName = defaults.Email.CompanyName
	}
	if cfg.Email.SendBurst == 0 {
		cfg.Email.SendBurst = defaults.Email.SendBurst
	}
	if cfg.Security.AccessTokenSecret == "" {
		cfg.Security.AccessTokenSecret = defaults.Security.AccessTokenSecret
	}
	if cfg.Security.AccessTokenTTL == 0 {
		cfg.Security.AccessTokenTTL = defaults.Security.AccessTokenTTL
	}
	if cfg.Security.RefreshTokenSecret == "" {
		cfg.Security.RefreshTokenSecret = defaults.Security.RefreshTokenSecret
	}
	if cfg.Security.RefreshTokenTTL == 0 {
		cfg.Security.RefreshTokenTTL = defaults.Security.RefreshTokenTTL
	}
	if cfg.Security.ResetPasswordSecret == "" {
		cfg.Security.ResetPasswordSecret = defaults.Security.ResetPasswordSecret
	}
	if cfg.Security.ResetPasswordTTL == 0 {
		cfg.Security.ResetPasswordTTL = defaults.Security.ResetPasswordTTL
	}
	if cfg.Security.OTPTTL == 0 {
		cfg.Security.OTPTTL = defaults.Security.OTPTTL
	}
	if cfg.Security.RateBurst == 0 {
		cfg.Security.RateBurst = defaults.Security.RateBurst
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = defaults.Storage.LocalDir
	}
	if cfg.Storage.PublicBaseURL == "" {
		cfg.Storage.PublicBaseURL = defaults.Storage.PublicBaseURL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASSWORD")
	_ = viper.BindEnv("access_token_secret", "ACCESS_TOKEN_SECRET")
	_ = viper.BindEnv("refresh_token_secret", "REFRESH_TOKEN_SECRET")
	_ = viper.BindEnv("reset_password_secret", "RESET_PASSWORD_SECRET")
	_ = viper.BindEnv("mailgun_api_key", "MAILGUN_API_KEY")
	_ = viper.BindEnv("sendgrid_api_key", "SENDGRID_API_KEY")
	_ = viper.BindEnv("s3_secret_key", "S3_SECRET_KEY")
	_ = viper.BindEnv("admin_password", "ADMIN_PASSWORD")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	} else if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	} else if v := os.Getenv("PORT"); v != "" {
		cfg.App.HTTPAddr = ":" + v
	}
	if v := os.Getenv("APP_API_PREFIX"); v != "" {
		cfg.App.APIPrefix = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		cfg.App.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_PORT", "DB_USER", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			parsed.Addr = v + ":" + getenvDefault("DB_PORT", parsed.Addr, "3306")
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("EMAIL_PROVIDER"); v != "" {
		cfg.Email.Provider = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("COMPANY_NAME"); v != "" {
		cfg.Email.CompanyName = v
	}
	if v := os.Getenv("MAILGUN_DOMAIN"); v != "" {
		cfg.Email.MailgunDomain = v
	}
	if v := viper.GetString("mailgun_api_key"); v != "" {
		cfg.Email.MailgunAPIKey = v
	}
	if v := viper.GetString("sendgrid_api_key"); v != "" {
		cfg.Email.SendGridAPIKey = v
	}
	if v := os.Getenv("EMAIL_SEND_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Email.SendRate = f
		}
	}

	if v := viper.GetString("access_token_secret"); v != "" {
		cfg.Security.AccessTokenSecret = v
	}
	if v := viper.GetString("refresh_token_secret"); v != "" {
		cfg.Security.RefreshTokenSecret = v
	}
	if v := viper.GetString("reset_password_secret"); v != "" {
		cfg.Security.ResetPasswordSecret = v
	}
	if d, ok := envDuration("ACCESS_TOKEN_EXPIRY"); ok {
		cfg.Security.AccessTokenTTL = d
	}
	if d, ok := envDuration("REFRESH_TOKEN_EXPIRY"); ok {
		cfg.Security.RefreshTokenTTL = d
	}
	if d, ok := envDuration("RESET_PASSWORD_EXPIRY"); ok {
		cfg.Security.ResetPasswordTTL = d
	}
	if d, ok := envDuration("OTP_RESEND_COOLDOWN"); ok {
		cfg.Security.OTPResendCooldown = d
	}
	if v := os.Getenv("AUTH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Security.RateLimit = f
		}
	}
	if v := os.Getenv("AUTH_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Security.RateBurst = f
		}
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Security.AdminEmail = v
	}
	if v := viper.GetString("admin_password"); v != "" {
		cfg.Security.AdminPassword = v
	}

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("STORAGE_LOCAL_DIR"); v != "" {
		cfg.Storage.LocalDir = v
	}
	if v := os.Getenv("STORAGE_PUBLIC_BASE_URL"); v != "" {
		cfg.Storage.PublicBaseURL = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		cfg.Storage.S3Endpoint = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3AccessKey = v
	}
	if v := viper.GetString("s3_secret_key"); v != "" {
		cfg.Storage.S3SecretKey = v
	}
	if v := os.Getenv("S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.S3UseSSL = b
		}
	}
	if v := os.Getenv("S3_PUBLIC_URL"); v != "" {
		cfg.Storage.S3PublicURL = v
	}

	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cookie.Secure = b
		}
	}
	if v := os.Getenv("COOKIE_DOMAIN"); v != "" {
		cfg.Cookie.Domain = v
	}
}

// envDuration 解析时长类环境变量，兼容 "7d" 这种按天的写法。
func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// ParseDuration 在 time.ParseDuration 的基础上支持 "d" 后缀。
func ParseDuration(v string) (time.Duration, error) {
	if strings.HasSuffix(v, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(v, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q: %w", v, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "libraryhub",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持时长字符串（如 "15m"、"7d"）。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		AccessTokenTTL    string `json:"access_token_ttl"`
		RefreshTokenTTL   string `json:"refresh_token_ttl"`
		ResetPasswordTTL  string `json:"reset_password_ttl"`
		OTPTTL            string `json:"otp_ttl"`
		OTPResendCooldown string `json:"otp_resend_cooldown"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"access_token_ttl", aux.AccessTokenTTL, &s.AccessTokenTTL},
		{"refresh_token_ttl", aux.RefreshTokenTTL, &s.RefreshTokenTTL},
		{"reset_password_ttl", aux.ResetPasswordTTL, &s.ResetPasswordTTL},
		{"otp_ttl", aux.OTPTTL, &s.OTPTTL},
		{"otp_resend_cooldown", aux.OTPResendCooldown, &s.OTPResendCooldown},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s SecurityConfig) MarshalJSON() ([]byte, error) {
	type Alias SecurityConfig
	return json.Marshal(&struct {
		AccessTokenTTL    string `json:"access_token_ttl"`
		RefreshTokenTTL   string `json:"refresh_token_ttl"`
		ResetPasswordTTL  string `json:"reset_password_ttl"`
		OTPTTL            string `json:"otp_ttl"`
		OTPResendCooldown string `json:"otp_resend_cooldown"`
		*Alias
	}{
		AccessTokenTTL:    s.AccessTokenTTL.String(),
		RefreshTokenTTL:   s.RefreshTokenTTL.String(),
		ResetPasswordTTL:  s.ResetPasswordTTL.String(),
		OTPTTL:            s.OTPTTL.String(),
		OTPResendCooldown: s.OTPResendCooldown.String(),
		Alias:             (*Alias)(&s),
	})
}
