package models

import (
	"errors"
)

// 领域错误。业务可预期的失败通过这些错误返回给调用方，
// 使用 errors.Is 判断，从不 panic
var (
	// ErrNotFound 操作引用了未知的报警ID
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition 状态机拒绝了请求的转换（如重复 resolve）
	ErrInvalidTransition = errors.New("invalid alert state transition")

	// ErrInvalidConfiguration 配置非法（仅在启动时致命）
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrConcurrencyConflict 写入冲突，调用方应重试
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
