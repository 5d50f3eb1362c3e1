package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

// OTPEmail 验证码邮件的模板数据。
type OTPEmail struct {
	CompanyName string
	FullName    string
	Code        string
	Purpose     string // 如 "reset your password"
	ValidFor    string // 如 "5 minutes"
}

var otpTemplate = template.Must(template.New("otp").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8" /></head>
<body style="font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937;">
  <div style="max-width: 520px; margin: 24px auto; background: #ffffff; border: 1px solid #e5e7eb; border-radius: 12px; padding: 20px;">
    <h2 style="margin-top: 0;">{{.CompanyName}}</h2>
    <p>Hello{{if .FullName}} {{.FullName}}{{end}},</p>
    <p>Use the code below to {{.Purpose}}:</p>
    <div style="font-size: 28px; font-weight: bold; letter-spacing: 6px; margin: 16px 0;">{{.Code}}</div>
    <p>This code is valid for {{.ValidFor}}. If you did not request it, you can ignore this email.</p>
    <p style="font-size: 12px; color: #6b7280;">&copy; {{.CompanyName}}</p>
  </div>
</body>
</html>`))

// RenderOTP 渲染验证码邮件，返回主题与 HTML 正文。
func RenderOTP(data OTPEmail) (subject string, html string, err error) {
	if data.CompanyName == "" {
		data.CompanyName = "LibraryHub"
	}
	var buf bytes.Buffer
	if err := otpTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render otp email: %w", err)
	}
	return fmt.Sprintf("[%s] Your verification code", data.CompanyName), buf.String(), nil
}
