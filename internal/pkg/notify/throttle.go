package notify

import (
	"context"
	"fmt"
)

// Waiter 阻塞直到允许下一次发送，由 ratelimit.Limiter 实现。
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

type throttledMailer struct {
	next Mailer
	w    Waiter
}

// Throttle 为 Mailer 加上全局发信节流，w 为 nil 时原样返回。
func Throttle(next Mailer, w Waiter) Mailer {
	if w == nil {
		return next
	}
	return &throttledMailer{next: next, w: w}
}

func (m *throttledMailer) Send(ctx context.Context, to, subject, html string) error {
	if err := m.w.Wait(ctx, "outbound-mail"); err != nil {
		return fmt.Errorf("mail throttle: %w", err)
	}
	return m.next.Send(ctx, to, subject, html)
}
