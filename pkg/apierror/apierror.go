// Package apierror 提供带错误码的 API 错误类型，用于所有服务的统一错误处理
package apierror

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Response"     json:"-"`
	Errors    []Error  `xml:"Errors>Error" json:"errors"`
	RequestID string   `xml:"RequestID"    json:"requestID"`
}

func (er *ErrorResponse) Error() string {
	str := fmt.Sprintf("RequestID: %s", er.RequestID)
	for _, e := range er.Errors {
		str += fmt.Sprintf("; %s", e.Error())
	}
	return str
}

// Error 单个错误信息
type Error struct {
	Code       string `xml:"Code"    json:"code"`
	Message    string `xml:"Message" json:"message"`
	HTTPStatus int    `xml:"-"       json:"-"` // 不序列化
	RawError   error  `xml:"-"       json:"-"` // 仅用于服务端日志，不序列化
}

func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.RawError != nil {
		str += fmt.Sprintf(" (RawError: %v)", e.RawError)
	}
	return str
}

// Is 按 Code 判断是否同一类错误
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.RawError
}

// NewError 创建新的错误，默认 HTTP 状态码 500
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: 500}
}

// NewErrorWithStatus 创建新的错误，指定 HTTP 状态码
func NewErrorWithStatus(code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// NewErrorWithRaw 创建新的错误并附带原始错误
func NewErrorWithRaw(code, message string, rawError error) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: 500, RawError: rawError}
}

// WrapError 以预定义错误为模板，保留 Code 和 HTTPStatus，替换消息并附带原始错误
func WrapError(baseErr *Error, message string, rawError error) *Error {
	return &Error{
		Code:       baseErr.Code,
		Message:    message,
		HTTPStatus: baseErr.HTTPStatus,
		RawError:   rawError,
	}
}

// NewErrorResponse 创建新的错误响应
func NewErrorResponse(requestID string, errs ...*Error) *ErrorResponse {
	list := make([]Error, len(errs))
	for i, e := range errs {
		list[i] = *e
	}
	return &ErrorResponse{Errors: list, RequestID: requestID}
}

// AddError 添加错误到响应
func (er *ErrorResponse) AddError(err *Error) {
	er.Errors = append(er.Errors, *err)
}

// As 从错误链中取出 *Error，取不到时返回 nil
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}
