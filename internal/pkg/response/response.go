package response

import (
	"github.com/gin-gonic/gin"
)

// Envelope 是所有成功响应的统一结构。
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Data       any    `json:"data"`
}

// ErrorEnvelope 是所有错误响应的统一结构。stack 仅在非生产环境输出。
type ErrorEnvelope struct {
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Errors     any    `json:"errors"`
	Stack      string `json:"stack,omitempty"`
}

// New 构造成功响应，success 由状态码推导。
func New(status int, message string, data any) Envelope {
	if data == nil {
		data = gin.H{}
	}
	return Envelope{
		StatusCode: status,
		Success:    status < 400,
		Message:    message,
		Data:       data,
	}
}

// JSON 写出成功响应。
func JSON(c *gin.Context, status int, message string, data any) {
	c.JSON(status, New(status, message, data))
}
