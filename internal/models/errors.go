package models

import (
	"errors"
	"fmt"
)

// ErrorKind 错误类型枚举
// 所有可失败操作都返回带类型的错误,调用方按类型分支处理,而不是匹配错误消息文本
type ErrorKind int

const (
	KindUnknown              ErrorKind = iota
	KindInvalidInput                   // URL格式错误或协议不允许,在获取资源之前拒绝
	KindQueueFull                      // 等待队列已满
	KindQueueClosed                    // 队列已关闭,不再接收任务
	KindPoolExhausted                  // 在超时时间内未获取到会话资源
	KindPoolClosed                     // 会话池已关闭
	KindResourceCreateFailed           // 创建会话资源失败
	KindJobTimeout                     // 任务整体超时,任务被放弃
	KindNavigationFailure              // 导航策略全部失败
	KindLoginFailure                   // 登录失败(软失败,流水线继续)
	KindCaptureFailure                 // 截图重试与降级均失败
	KindResourceDisconnected           // 会话资源或浏览器连接已断开
	KindMemoryCritical                 // 内存压力超过阈值
	KindRestartBoundExceeded           // 重启次数超过上限,进程终止
	KindInternal                       // 内部错误(panic恢复等)
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "unknown",
	KindInvalidInput:         "invalid_input",
	KindQueueFull:            "queue_full",
	KindQueueClosed:          "queue_closed",
	KindPoolExhausted:        "pool_exhausted",
	KindPoolClosed:           "pool_closed",
	KindResourceCreateFailed: "resource_create_failed",
	KindJobTimeout:           "job_timeout",
	KindNavigationFailure:    "navigation_failure",
	KindLoginFailure:         "login_failure",
	KindCaptureFailure:       "capture_failure",
	KindResourceDisconnected: "resource_disconnected",
	KindMemoryCritical:       "memory_critical",
	KindRestartBoundExceeded: "restart_bound_exceeded",
	KindInternal:             "internal",
}

// String 返回错误类型名称
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText 实现encoding.TextMarshaler,JSON中输出类型名称
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Recoverable 判断该类错误是否可以通过重试或重启恢复
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindPoolExhausted, KindResourceCreateFailed, KindResourceDisconnected,
		KindJobTimeout, KindMemoryCritical, KindQueueFull:
		return true
	default:
		return false
	}
}

// Error 带类型的错误
type Error struct {
	Kind ErrorKind // 错误类型
	Op   string    // 出错的操作,如 "pool.acquire"
	Err  error     // 底层错误(可选)
}

// Error 实现error接口
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

// Unwrap 支持errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同类型的*Error视为相等,支持 errors.Is(err, &Error{Kind: KindJobTimeout})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// NewError 创建带类型的错误
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf 创建带类型的格式化错误
func Errorf(kind ErrorKind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf 提取错误链中的第一个错误类型,没有则返回KindUnknown
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind 判断错误链中是否包含指定类型
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
