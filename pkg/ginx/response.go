package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jimyag/assistd/pkg/apierror"
)

// renderResponse 渲染成功响应
// nil 返回 204，字符串按纯文本返回（供日志类接口使用），其余按 JSON 返回
func renderResponse(ctx *gin.Context, response any) {
	if response == nil {
		ctx.Status(http.StatusNoContent)
		return
	}
	if s, ok := response.(string); ok {
		ctx.String(http.StatusOK, s)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

// renderError 渲染错误响应
// 错误链中存在 *apierror.Error 时使用其 HTTP 状态码，并隐藏 RawError
func renderError(ctx *gin.Context, statusCode int, err error) {
	if apiErr := apierror.As(err); apiErr != nil {
		if apiErr.HTTPStatus > 0 {
			statusCode = apiErr.HTTPStatus
		}
		ctx.JSON(statusCode, apierror.NewErrorResponse(RequestID(ctx), apiErr))
		return
	}

	// 非业务错误统一按参数错误或内部错误返回，不暴露原始信息
	code := apierror.ErrInternalError
	if statusCode == http.StatusBadRequest {
		code = apierror.ErrInvalidParameterValue
	}
	ctx.JSON(statusCode, apierror.NewErrorResponse(RequestID(ctx), apierror.WrapError(code, err.Error(), err)))
}
