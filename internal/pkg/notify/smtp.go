package notify

import (
	"context"
	"fmt"
	"log/slog"

	"libraryhub/internal/config"

	"gopkg.in/gomail.v2"
)

// SMTPMailer 通过 SMTP 发送邮件。
type SMTPMailer struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewSMTPMailer 创建一个新的 SMTP 邮件发送器。
func NewSMTPMailer(cfg *config.EmailConfig, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{
		cfg:    cfg,
		logger: logger,
	}
}

// Send 发送邮件。
func (m *SMTPMailer) Send(ctx context.Context, to, subject, html string) error {
	if m.cfg.SMTPHost == "" || m.cfg.FromEmail == "" {
		return ErrNotConfigured
	}
	if err := checkRecipient(to); err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetAddressHeader("From", m.cfg.FromEmail, m.cfg.FromName)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", html)

	d := gomail.NewDialer(m.cfg.SMTPHost, m.cfg.SMTPPort, m.cfg.SMTPUser, m.cfg.SMTPPass)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	m.logger.Info("email sent", slog.String("provider", "smtp"), slog.String("to", to))
	return nil
}
