package notify

import (
	"context"
	"fmt"
	"log/slog"

	"libraryhub/internal/config"

	"github.com/mailgun/mailgun-go/v4"
)

// MailgunMailer 通过 Mailgun API 发送邮件。
type MailgunMailer struct {
	mg     *mailgun.MailgunImpl
	from   string
	logger *slog.Logger
}

func NewMailgunMailer(cfg *config.EmailConfig, logger *slog.Logger) (*MailgunMailer, error) {
	if cfg.MailgunDomain == "" || cfg.MailgunAPIKey == "" || cfg.FromEmail == "" {
		return nil, fmt.Errorf("mailgun: %w", ErrNotConfigured)
	}
	return &MailgunMailer{
		mg:     mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunAPIKey),
		from:   fromAddress(cfg),
		logger: logger,
	}, nil
}

func (m *MailgunMailer) Send(ctx context.Context, to, subject, html string) error {
	if err := checkRecipient(to); err != nil {
		return err
	}
	message := m.mg.NewMessage(m.from, subject, "", to)
	message.SetHtml(html)

	_, id, err := m.mg.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	m.logger.Info("email sent", slog.String("provider", "mailgun"), slog.String("to", to), slog.String("id", id))
	return nil
}
