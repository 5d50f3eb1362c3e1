package middleware

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"libraryhub/internal/pkg/apperror"
	"libraryhub/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Allower 非阻塞地判断请求是否放行，由 ratelimit.Limiter 实现。
type Allower interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// RateLimit 按客户端 IP 对路由组限流，scope 用于区分不同的桶。
//
// Redis 出错时放行，只记录日志。
func RateLimit(limiter Allower, scope string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ok, retry, err := limiter.Allow(c.Request.Context(), scope+":"+c.ClientIP())
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit check failed", slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !ok {
			metrics.RateLimitRejectedTotal.WithLabelValues(scope).Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			abortWith(c, apperror.TooManyRequests("Too many requests, please try again later"))
			return
		}
		c.Next()
	}
}
