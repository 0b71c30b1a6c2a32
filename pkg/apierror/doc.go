// Package apierror 提供带错误码的 API 错误类型
//
// 错误响应 JSON 格式：
//
//	{
//	    "errors": [
//	        {
//	            "code": "InsufficientCredits",
//	            "message": "Your credit balance is too low for this action. Please add credits and try again."
//	        }
//	    ],
//	    "requestID": "req-4e1c..."
//	}
//
// 使用示例：
//
//	// 使用预定义错误
//	return apierror.ErrServerNotFound
//
//	// 包装底层错误，保留错误码与 HTTP 状态码
//	return apierror.WrapError(apierror.ErrInternalError, "failed to load server", err)
//
//	// 判断错误类型
//	if errors.Is(err, apierror.ErrInsufficientCredits) { ... }
package apierror
