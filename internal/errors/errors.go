package errors

import (
	stderrors "errors"
	"sync"

	"github.com/yanun0323/errors"
)

// 定义错误类型
var (
	ErrNotConnected        = stderrors.New("gateway: not connected")
	ErrAlreadyConnected    = stderrors.New("gateway: already connected")
	ErrFatalClose          = stderrors.New("gateway: fatal close")
	ErrBufferFull          = stderrors.New("gateway: send buffer full")
	ErrUnsupportedEncoding = stderrors.New("gateway: unsupported encoding")
	ErrDecompressionFailed = stderrors.New("gateway: decompression failed")

	ErrRequestTimeout = stderrors.New("rest: request timeout")
	ErrMissingParam   = stderrors.New("rest: missing route parameter")
)

// Wrap 附加上下文信息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// ErrorCenter 错误处理中心
type ErrorCenter struct {
	mu             sync.RWMutex
	errorCallbacks []func(error) // 错误回调函数列表
}

// NewErrorCenter 创建新的错误处理中心
func NewErrorCenter() *ErrorCenter {
	return &ErrorCenter{
		errorCallbacks: make([]func(error), 0),
	}
}

// AddErrorCallback 添加错误回调函数
func (ec *ErrorCenter) AddErrorCallback(callback func(error)) {
	if callback == nil {
		return
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = append(ec.errorCallbacks, callback)
}

// ReportError 报告错误
func (ec *ErrorCenter) ReportError(err error) {
	if ec == nil || err == nil {
		return
	}
	ec.mu.RLock()
	callbacks := make([]func(error), len(ec.errorCallbacks))
	copy(callbacks, ec.errorCallbacks)
	ec.mu.RUnlock()

	for _, callback := range callbacks {
		callback(err)
	}
}
