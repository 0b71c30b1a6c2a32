package ginx

import (
	"github.com/gin-gonic/gin"
)

// requestIDKey gin.Context 中保存请求 ID 的 key
const requestIDKey = "ginx.request_id"

// SetRequestID 保存请求 ID，错误响应会带上它
func SetRequestID(ctx *gin.Context, requestID string) {
	ctx.Set(requestIDKey, requestID)
}

// RequestID 获取请求 ID，不存在时返回空字符串
func RequestID(ctx *gin.Context) string {
	return ctx.GetString(requestIDKey)
}
