// Package ginx 提供 gin 框架的 handler 适配器，支持自动参数绑定和响应处理
//
// 支持的 handler 签名：
//
//	// 有参数，有返回值，有 error
//	func(c *gin.Context, args *Args) (resp, error)   // Adapt5
//
//	// 有参数，只有 error（成功返回 204）
//	func(c *gin.Context, args *Args) error            // Adapt4
//
//	// 无参数，有返回值，有 error
//	func(c *gin.Context) (resp, error)                // Adapt3
//
// 参数实现 IsValid() error 时会在调用 handler 前校验。
// 返回 *apierror.Error（或错误链中包含它）时使用其 HTTPStatus 与错误码渲染。
//
// 使用示例：
//
//	router.POST("/servers/create", ginx.Adapt5(func(c *gin.Context, args *entity.CreateServerRequest) (*entity.CreateServerResponse, error) {
//	    return svc.CreateServer(c, args)
//	}))
package ginx
