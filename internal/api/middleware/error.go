package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"libraryhub/internal/pkg/apperror"
	"libraryhub/internal/pkg/response"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
)

// ErrorHandler 把 handler 通过 c.Error 记录的错误统一渲染为错误信封。
//
// 必须注册为第一个中间件；它同时负责 panic 恢复。exposeStack 为 true 时输出调用栈。
func ErrorHandler(logger *slog.Logger, exposeStack bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				err := pkgerrors.WithStack(fmt.Errorf("panic: %v", rec))
				logger.Error("panic recovered",
					slog.String("path", c.Request.URL.Path),
					slog.Any("panic", rec),
				)
				render(c, apperror.Internal(err, ""), exposeStack)
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := normalize(c.Errors.Last().Err)
		if appErr.StatusCode >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", c.Request.Method),
				slog.String("path", c.Request.URL.Path),
				slog.String("error", appErr.Error()),
			)
		}
		render(c, appErr, exposeStack)
	}
}

// normalize 把任意错误转换为 *apperror.Error。
func normalize(err error) *apperror.Error {
	if appErr, ok := apperror.As(err); ok {
		return appErr
	}
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return validate.FromBinding(err)
	case errors.Is(err, store.ErrNotFound):
		return apperror.Wrap(err, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrDuplicate):
		return apperror.Wrap(err, http.StatusConflict, "Resource already exists")
	}
	return apperror.Internal(err, "")
}

func render(c *gin.Context, e *apperror.Error, exposeStack bool) {
	errs := any(e.Errors)
	if len(e.Errors) == 0 {
		errs = []apperror.FieldError{}
	}
	body := response.ErrorEnvelope{
		StatusCode: e.StatusCode,
		Success:    false,
		Message:    e.Message,
		Errors:     errs,
	}
	if exposeStack {
		body.Stack = e.Stack()
	}
	c.JSON(e.StatusCode, body)
}
