// Package metrics 定义服务的 Prometheus 指标。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal HTTP 请求总数。
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libraryhub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时。
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "libraryhub_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// RateLimitRejectedTotal 被限流拒绝的请求数。
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libraryhub_ratelimit_rejected_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	// RateLimitWaitDuration 等待令牌的耗时（发信节流）。
	RateLimitWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "libraryhub_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "libraryhub_ratelimit_timeout_total",
			Help: "Rate limit waits that ended with a context timeout",
		},
	)

	// OTPChallengesTotal 验证码发送结果。
	OTPChallengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "libraryhub_otp_challenges_total",
			Help: "OTP challenges created, by result",
		},
		[]string{"result"},
	)

	// BookUploadRollbacksTotal 新建图书失败后回滚已上传文件的次数。
	BookUploadRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "libraryhub_book_upload_rollbacks_total",
			Help: "Uploaded book artifacts deleted after a failed insert",
		},
	)
)

var initOnce sync.Once

// InitMetrics 向默认 registry 注册全部指标，可重复调用。
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			RateLimitRejectedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			OTPChallengesTotal,
			BookUploadRollbacksTotal,
		)
	})
}
