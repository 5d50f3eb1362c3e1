package notify

import (
	"context"
	"fmt"
	"log/slog"

	"libraryhub/internal/config"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridMailer 通过 SendGrid v3 API 发送邮件。
type SendGridMailer struct {
	client    *sendgrid.Client
	fromName  string
	fromEmail string
	logger    *slog.Logger
}

func NewSendGridMailer(cfg *config.EmailConfig, logger *slog.Logger) (*SendGridMailer, error) {
	if cfg.SendGridAPIKey == "" || cfg.FromEmail == "" {
		return nil, fmt.Errorf("sendgrid: %w", ErrNotConfigured)
	}
	return &SendGridMailer{
		client:    sendgrid.NewSendClient(cfg.SendGridAPIKey),
		fromName:  cfg.FromName,
		fromEmail: cfg.FromEmail,
		logger:    logger,
	}, nil
}

func (m *SendGridMailer) Send(ctx context.Context, to, subject, html string) error {
	if err := checkRecipient(to); err != nil {
		return err
	}
	message := mail.NewSingleEmail(
		mail.NewEmail(m.fromName, m.fromEmail),
		subject,
		mail.NewEmail("", to),
		"",
		html,
	)

	resp, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid API error: %d - %s", resp.StatusCode, resp.Body)
	}
	m.logger.Info("email sent", slog.String("provider", "sendgrid"), slog.String("to", to), slog.Int("status", resp.StatusCode))
	return nil
}
