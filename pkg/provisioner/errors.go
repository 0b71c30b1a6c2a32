package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound 远端实例不存在
var ErrNotFound = errors.New("instance not found")

// Kind 错误类别
type Kind int

const (
	Transient Kind = iota + 1
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error 后端调用错误
type Error struct {
	Kind Kind
	Op   string // 操作名，如 create、delete
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient 构造瞬时错误
func NewTransient(op string, err error) error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewTerminal 构造终止错误
func NewTerminal(op string, err error) error {
	return &Error{Kind: Terminal, Op: op, Err: err}
}

// IsTransient 判断是否可重试
// 未分类的网络错误与超时也视为瞬时错误
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTerminal 判断是否不可重试
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind == Terminal
	}
	return !IsTransient(err)
}

// ClassifyHTTPStatus 按 HTTP 状态码分类：408、429、5xx 为瞬时错误，其余 4xx 为终止错误
func ClassifyHTTPStatus(op string, code int, body string) error {
	err := fmt.Errorf("unexpected status %d: %s", code, body)
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return NewTransient(op, err)
	default:
		return NewTerminal(op, err)
	}
}

// ClassifyTransportError 包装发送请求阶段的错误，均视为瞬时错误
func ClassifyTransportError(op string, err error) error {
	return NewTransient(op, err)
}
