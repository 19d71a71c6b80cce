// Package browser 定义渲染引擎能力集合,并提供基于go-rod的实现
//
// 上层(会话池、监督器、流水线)只依赖这里的接口:
//
//	Engine.Launch -> Browser
//	Browser.NewSession -> Session (一个标签页)
//	Browser.Events -> 断开/标签页崩溃/标签页关闭事件
//
// browsertest子包提供可编程的假实现,用于测试。
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/ysmood/gson"
)

// ErrSessionClosed 会话已关闭
var ErrSessionClosed = errors.New("会话已关闭")

// ErrBrowserClosed 浏览器已关闭或连接断开
var ErrBrowserClosed = errors.New("浏览器已关闭")

// WaitCondition 导航等待条件
type WaitCondition string

const (
	WaitNetworkIdle       WaitCondition = "networkidle"
	WaitNetworkAlmostIdle WaitCondition = "networkalmostidle"
	WaitLoad              WaitCondition = "load"
	WaitDOMContentLoaded  WaitCondition = "domcontentloaded"
	WaitNone              WaitCondition = "none" // 导航提交后立即返回
)

// ResourceType 网络资源类型,取值与CDP Network.ResourceType一致
type ResourceType string

const (
	ResourceDocument   ResourceType = "Document"
	ResourceStylesheet ResourceType = "Stylesheet"
	ResourceImage      ResourceType = "Image"
	ResourceMedia      ResourceType = "Media"
	ResourceFont       ResourceType = "Font"
	ResourceScript     ResourceType = "Script"
	ResourceXHR        ResourceType = "XHR"
	ResourceFetch      ResourceType = "Fetch"
	ResourceOther      ResourceType = "Other"
)

// Clip 截图区域
type Clip struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	Scale  float64
}

// ScreenshotOptions 截图参数
type ScreenshotOptions struct {
	Clip    Clip
	Quality int // JPEG质量 0-100
}

// EventKind 浏览器事件类型
type EventKind int

const (
	EventDisconnected  EventKind = iota + 1 // 浏览器连接断开/进程退出
	EventSessionError                       // 标签页崩溃
	EventSessionClosed                      // 标签页被关闭
)

// String 返回事件名称
func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventSessionError:
		return "session_error"
	case EventSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// Event 浏览器事件
type Event struct {
	Kind      EventKind
	SessionID string
	Err       error
	At        time.Time
}

// Engine 渲染引擎
type Engine interface {
	// Launch 启动(或连接)一个浏览器
	Launch(ctx context.Context) (Browser, error)
}

// Browser 已连接的浏览器句柄
type Browser interface {
	// NewSession 创建一个新标签页
	NewSession(ctx context.Context) (Session, error)
	// Ping 检查底层连接是否可达
	Ping(ctx context.Context) error
	// Events 返回浏览器事件流,浏览器关闭后不再产生事件
	Events() <-chan Event
	// Close 关闭浏览器并释放进程
	Close() error
}

// Session 单个标签页
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string, wait WaitCondition) error
	Evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	SetViewport(ctx context.Context, width, height int) error
	SetUserAgent(ctx context.Context, userAgent string) error
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	// SetInterception 安装请求拦截,allow返回false的请求被阻断
	SetInterception(allow func(ResourceType) bool) error
	StopLoading(ctx context.Context) error
	// DismissDialog 关闭当前打开的JS对话框,没有对话框时返回错误
	DismissDialog(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Input(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Close() error
	// Closed 标签页已关闭或所属浏览器已断开
	Closed() bool
}
