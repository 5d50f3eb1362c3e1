// Package apperror 定义统一的业务错误类型。
//
// 所有领域错误（校验失败、未找到、冲突、未认证、无权限、内部错误）都以 *Error 表示，
// 由 middleware.ErrorHandler 统一转换为 HTTP 响应。
package apperror

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// FieldError 描述单个字段的校验错误。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error 携带 HTTP 状态码、对外消息以及可选的结构化错误列表。
type Error struct {
	StatusCode int
	Message    string
	Errors     []FieldError

	// cause 通过 pkg/errors 记录了创建位置的调用栈，仅用于日志与非生产环境输出。
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return fmt.Sprintf("%d %s: %v", e.StatusCode, e.Message, e.cause)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

// Unwrap 支持 errors.Is / errors.As。
func (e *Error) Unwrap() error {
	return errors.Cause(e.cause)
}

// Stack 返回创建错误时的调用栈。
func (e *Error) Stack() string {
	if e.cause == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.cause)
}

// WithErrors 附加字段错误列表。
func (e *Error) WithErrors(errs ...FieldError) *Error {
	e.Errors = append(e.Errors, errs...)
	return e
}

// New 创建指定状态码的错误。
func New(status int, message string) *Error {
	return &Error{StatusCode: status, Message: message, cause: errors.New(message)}
}

// Wrap 用指定状态码与消息包装底层错误。
func Wrap(err error, status int, message string) *Error {
	if err == nil {
		return New(status, message)
	}
	return &Error{StatusCode: status, Message: message, cause: errors.WithStack(err)}
}

func BadRequest(message string) *Error { return New(http.StatusBadRequest, message) }

func Unauthorized(message string) *Error { return New(http.StatusUnauthorized, message) }

func Forbidden(message string) *Error { return New(http.StatusForbidden, message) }

func NotFound(message string) *Error { return New(http.StatusNotFound, message) }

func Conflict(message string) *Error { return New(http.StatusConflict, message) }

func TooManyRequests(message string) *Error { return New(http.StatusTooManyRequests, message) }

// Internal 包装未预期的底层错误，对外只暴露 message。
func Internal(err error, message string) *Error {
	if message == "" {
		message = "Something went wrong"
	}
	return Wrap(err, http.StatusInternalServerError, message)
}

// As 尝试从 err 中取出 *Error。
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
