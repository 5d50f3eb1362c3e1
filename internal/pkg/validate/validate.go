// Package validate 提供请求校验规则：强密码策略以及 validator 错误到字段错误列表的转换。
package validate

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"libraryhub/internal/pkg/apperror"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// MinPasswordLength 密码最小长度。
const MinPasswordLength = 8

// StrongPasswordTag 是注册到 gin binding 的强密码规则名。
const StrongPasswordTag = "strongpwd"

// ISBNTag 覆盖 validator 内置的 isbn 规则，允许连字符与空格分隔。
const ISBNTag = "isbn"

var (
	registerOnce sync.Once
	// plain 保留内置规则，供 IsISBN 复用校验位算法
	plain = validator.New()
)

// RegisterBindings 向 gin 默认的 validator 注册自定义规则，可重复调用。
func RegisterBindings() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		// 字段错误使用 json / form 名称，与请求体保持一致
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, key := range []string{"json", "form"} {
				name := strings.SplitN(fld.Tag.Get(key), ",", 2)[0]
				if name != "" && name != "-" {
					return name
				}
			}
			return fld.Name
		})
		_ = v.RegisterValidation(StrongPasswordTag, func(fl validator.FieldLevel) bool {
			return IsStrongPassword(fl.Field().String())
		})
		_ = v.RegisterValidation(ISBNTag, func(fl validator.FieldLevel) bool {
			return IsISBN(fl.Field().String())
		})
	})
}

// NormalizeISBN 去掉 ISBN 中的连字符与空格，并把校验位 x 转为大写。
func NormalizeISBN(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.ToUpper(s)
}

// IsISBN 校验 ISBN-10 或 ISBN-13（含校验位）。
func IsISBN(s string) bool {
	s = NormalizeISBN(s)
	if s == "" {
		return false
	}
	return plain.Var(s, "isbn") == nil
}

// IsStrongPassword 判断密码是否满足策略：至少 8 位，包含大写、小写、数字和符号。
func IsStrongPassword(pwd string) bool {
	return PasswordProblem(pwd) == ""
}

// PasswordProblem 返回密码不满足策略的原因，满足时返回空串。
func PasswordProblem(pwd string) string {
	if len([]rune(pwd)) < MinPasswordLength {
		return fmt.Sprintf("password must be at least %d characters", MinPasswordLength)
	}
	var upper, lower, digit, symbol bool
	for _, r := range pwd {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	switch {
	case !upper:
		return "password must contain an uppercase letter"
	case !lower:
		return "password must contain a lowercase letter"
	case !digit:
		return "password must contain a number"
	case !symbol:
		return "password must contain a symbol"
	}
	return ""
}

// IsEmail 粗略校验邮箱格式（不含显示名）。
func IsEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// FromBinding 把 ShouldBind 返回的错误转换为 400 的 apperror。
//
// validator 错误展开为字段列表；JSON 语法错误等其它绑定错误只保留消息。
func FromBinding(err error) *apperror.Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperror.Wrap(err, http.StatusBadRequest, "Validation failed").WithErrors(FieldErrors(verrs)...)
	}
	return apperror.Wrap(err, http.StatusBadRequest, "Invalid request body")
}

// FieldErrors 将 validator 错误翻译为可读的字段错误。
func FieldErrors(verrs validator.ValidationErrors) []apperror.FieldError {
	out := make([]apperror.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, apperror.FieldError{
			Field:   lowerFirst(fe.Field()),
			Message: message(fe),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return "invalid email address"
	case StrongPasswordTag:
		if p := PasswordProblem(fmt.Sprint(fe.Value())); p != "" {
			return p
		}
		return "password is too weak"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "numeric":
		return field + " must be numeric"
	case ISBNTag:
		return "Invalid ISBN format"
	}
	return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}
