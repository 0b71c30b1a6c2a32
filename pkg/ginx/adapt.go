package ginx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Adapt0 适配无参数、无返回值的 handler
func Adapt0(fn func(*gin.Context)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		fn(ctx)
	}
}

// Adapt3 适配无参数、有返回值和 error 的 handler
func Adapt3[T any](fn func(*gin.Context) (T, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		result, err := fn(ctx)
		if err != nil {
			renderError(ctx, http.StatusInternalServerError, err)
			return
		}
		renderResponse(ctx, result)
	}
}

// Adapt4 适配有参数、只有 error 的 handler，成功时返回 204
func Adapt4[T any](fn func(*gin.Context, *T) error) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		args := new(T)
		if err := bindAndValidate(ctx, args); err != nil {
			renderError(ctx, http.StatusBadRequest, err)
			return
		}
		if err := fn(ctx, args); err != nil {
			renderError(ctx, http.StatusInternalServerError, err)
			return
		}
		ctx.Status(http.StatusNoContent)
	}
}

// Adapt5 适配有参数、有返回值和 error 的 handler
func Adapt5[TArgs any, TResp any](fn func(*gin.Context, *TArgs) (TResp, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		args := new(TArgs)
		if err := bindAndValidate(ctx, args); err != nil {
			renderError(ctx, http.StatusBadRequest, err)
			return
		}
		result, err := fn(ctx, args)
		if err != nil {
			renderError(ctx, http.StatusInternalServerError, err)
			return
		}
		renderResponse(ctx, result)
	}
}

// bindAndValidate 绑定参数，实现了 IsValid 的参数同时做校验
func bindAndValidate(ctx *gin.Context, args any) error {
	if err := bindArgs(ctx, args); err != nil {
		return err
	}
	if validator, ok := args.(interface{ IsValid() error }); ok {
		return validator.IsValid()
	}
	return nil
}
