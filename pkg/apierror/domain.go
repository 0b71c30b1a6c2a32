package apierror

import "net/http"

// 通用错误
var (
	ErrInvalidParameterValue = &Error{
		Code:       "InvalidParameterValue",
		Message:    "A value specified in a parameter is not valid, is unsupported, or cannot be used.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingParameter = &Error{
		Code:       "MissingParameter",
		Message:    "The request is missing a required parameter.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInternalError = &Error{
		Code:       "InternalError",
		Message:    "An internal error has occurred. Retry your request.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailable = &Error{
		Code:       "ServiceUnavailable",
		Message:    "The request has failed due to a temporary failure of the server.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrRequestLimitExceeded = &Error{
		Code:       "RequestLimitExceeded",
		Message:    "The maximum request rate permitted has been exceeded.",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInvalidSignature = &Error{
		Code:       "InvalidSignature",
		Message:    "The request signature does not match.",
		HTTPStatus: http.StatusUnauthorized,
	}
)

// 业务错误
var (
	// ErrInsufficientCredits 余额不足，前端据此提示充值
	ErrInsufficientCredits = &Error{
		Code:       "InsufficientCredits",
		Message:    "Your credit balance is too low for this action. Please add credits and try again.",
		HTTPStatus: http.StatusPaymentRequired,
	}

	// ErrNoCapacityAvailable 所有 ready 主机都没有空闲槽位
	ErrNoCapacityAvailable = &Error{
		Code:       "NoCapacityAvailable",
		Message:    "No shared host has a free slot at the moment.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrServerNotFound = &Error{
		Code:       "InvalidServerID.NotFound",
		Message:    "The specified server does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrHostNotFound = &Error{
		Code:       "InvalidHostID.NotFound",
		Message:    "The specified docker host does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrInvalidServerState = &Error{
		Code:       "IncorrectServerState",
		Message:    "The server is not in a state that allows this operation.",
		HTTPStatus: http.StatusConflict,
	}

	ErrInvalidHostState = &Error{
		Code:       "IncorrectHostState",
		Message:    "The docker host is not in a state that allows this operation.",
		HTTPStatus: http.StatusConflict,
	}

	// ErrConcurrentModification 读取与提交之间记录被其他写者修改
	ErrConcurrentModification = &Error{
		Code:       "ConcurrentModification",
		Message:    "The resource was modified concurrently. Retry the request.",
		HTTPStatus: http.StatusConflict,
	}

	ErrUnknownTransactionType = &Error{
		Code:       "InvalidTransactionType",
		Message:    "The transaction type is not recognized.",
		HTTPStatus: http.StatusBadRequest,
	}
)
