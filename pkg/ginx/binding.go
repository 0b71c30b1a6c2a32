package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// bindArgs 绑定请求参数到 args 结构体
// 有 body 时按 JSON 绑定，随后补充 URI 与 Query 参数
func bindArgs(ctx *gin.Context, args any) error {
	if ctx.Request.Body != nil && ctx.Request.Body != http.NoBody && ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(args); err != nil {
			return err
		}
	}
	if len(ctx.Params) > 0 {
		if err := ctx.ShouldBindUri(args); err != nil {
			return err
		}
	}
	if len(ctx.Request.URL.Query()) > 0 {
		if err := ctx.ShouldBindQuery(args); err != nil {
			return err
		}
	}
	return nil
}
