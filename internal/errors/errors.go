package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 错误码区分故障层级：热缓存、账本、回写、整体存储
type AppError struct {
	Code    int    // 错误码
	Message string // 错误消息
	Err     error  // 原始错误（可选）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is 按错误码匹配，包装后的错误仍能命中预定义错误
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 参数相关 11000-11999
	CodeInvalidParams = 11002

	// 系统错误 50000-50999
	CodeServerError = 50001

	// 存储相关 60000-60999
	CodeHotCacheUnavailable = 60001
	CodeLedgerUnavailable   = 60002
	CodeWriteBackFailed     = 60003
	CodeStorageUnavailable  = 60004
)

// ============== 预定义错误 ==============

var (
	ErrInvalidParams = NewError(CodeInvalidParams, "invalid params")
	ErrServerError   = NewError(CodeServerError, "internal server error")
)

// 存储相关
var (
	// ErrHotCacheUnavailable 热缓存不可达或出错，总是触发回源
	ErrHotCacheUnavailable = NewError(CodeHotCacheUnavailable, "hot cache unavailable")
	// ErrLedgerUnavailable 账本重算失败
	ErrLedgerUnavailable = NewError(CodeLedgerUnavailable, "ledger unavailable")
	// ErrWriteBackFailed 回源后回写缓存失败，只记录不返回
	ErrWriteBackFailed = NewError(CodeWriteBackFailed, "cache write-back failed")
	// ErrStorageUnavailable 缓存与账本均不可用
	ErrStorageUnavailable = NewError(CodeStorageUnavailable, "storage unavailable")
)
