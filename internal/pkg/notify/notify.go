// Package notify 负责发送事务邮件（OTP 验证码等）。
//
// 支持三种投递方式：SMTP（gomail）、Mailgun 与 SendGrid，由 EmailConfig.Provider 选择。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"libraryhub/internal/config"
)

// ErrNotConfigured 表示所选投递方式缺少必要配置。
var ErrNotConfigured = errors.New("email provider not configured")

// Mailer 定义邮件发送接口。
type Mailer interface {
	// Send 发送一封 HTML 邮件，html 为已渲染的正文。
	Send(ctx context.Context, to, subject, html string) error
}

// New 按配置创建 Mailer。
//
// Provider 为空时默认 smtp。
func New(cfg *config.EmailConfig, logger *slog.Logger) (Mailer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "smtp":
		return NewSMTPMailer(cfg, logger), nil
	case "mailgun":
		return NewMailgunMailer(cfg, logger)
	case "sendgrid":
		return NewSendGridMailer(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

func fromAddress(cfg *config.EmailConfig) string {
	if cfg.FromName == "" {
		return cfg.FromEmail
	}
	return fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
}

func checkRecipient(to string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("empty recipient")
	}
	return nil
}
