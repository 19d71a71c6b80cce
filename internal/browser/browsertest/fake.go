// Package browsertest 提供browser接口的可编程假实现
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/browser"
	"github.com/ysmood/gson"
)

// JPEGStub 假截图数据(JPEG文件头)
var JPEGStub = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

// ErrLaunchFailed 默认的启动失败错误
var ErrLaunchFailed = errors.New("模拟浏览器启动失败")

// Engine 假渲染引擎
type Engine struct {
	mu        sync.Mutex
	failNext  int
	failErr   error
	browsers  []*Browser
	launches  int
	launching time.Duration

	// OnBrowser 每个新浏览器创建后调用,用于安装会话钩子
	OnBrowser func(*Browser)
}

// NewEngine 创建假引擎
func NewEngine() *Engine {
	return &Engine{}
}

// FailNext 让接下来n次Launch失败
func (e *Engine) FailNext(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		err = ErrLaunchFailed
	}
	e.failNext = n
	e.failErr = err
}

// SetLaunchDelay 设置每次Launch的耗时
func (e *Engine) SetLaunchDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launching = d
}

func (e *Engine) Launch(ctx context.Context) (browser.Browser, error) {
	e.mu.Lock()
	e.launches++
	delay := e.launching
	if e.failNext > 0 {
		e.failNext--
		err := e.failErr
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b := NewBrowser()
	e.mu.Lock()
	e.browsers = append(e.browsers, b)
	hook := e.OnBrowser
	e.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	return b, nil
}

// Launches 返回Launch调用次数(包括失败的)
func (e *Engine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

// Browsers 返回成功启动的所有浏览器
func (e *Engine) Browsers() []*Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Browser(nil), e.browsers...)
}

// Last 返回最近一次启动的浏览器
func (e *Engine) Last() *Browser {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.browsers) == 0 {
		return nil
	}
	return e.browsers[len(e.browsers)-1]
}

// Browser 假浏览器
type Browser struct {
	mu        sync.Mutex
	events    chan browser.Event
	closed    bool
	pingErr   error
	createErr error
	sessions  []*Session
	created   atomic.Int64

	// OnSession 每个新会话创建后调用
	OnSession func(*Session)
}

// NewBrowser 创建假浏览器
func NewBrowser() *Browser {
	return &Browser{events: make(chan browser.Event, 16)}
}

func (b *Browser) NewSession(ctx context.Context) (browser.Session, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, browser.ErrBrowserClosed
	}
	if b.createErr != nil {
		err := b.createErr
		b.mu.Unlock()
		return nil, err
	}
	n := b.created.Add(1)
	s := NewSession(fmt.Sprintf("session-%d", n))
	b.sessions = append(b.sessions, s)
	hook := b.OnSession
	b.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return s, nil
}

func (b *Browser) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return browser.ErrBrowserClosed
	}
	return b.pingErr
}

func (b *Browser) Events() <-chan browser.Event {
	return b.events
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, s := range b.sessions {
		s.closed.Store(true)
	}
	return nil
}

// IsClosed 浏览器是否已关闭
func (b *Browser) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Disconnect 模拟浏览器崩溃: 会话全部失效并发出断开事件
func (b *Browser) Disconnect() {
	b.mu.Lock()
	b.closed = true
	for _, s := range b.sessions {
		s.closed.Store(true)
	}
	b.mu.Unlock()
	b.Emit(browser.Event{Kind: browser.EventDisconnected, Err: browser.ErrBrowserClosed})
}

// Emit 投递一个浏览器事件
func (b *Browser) Emit(ev browser.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.events <- ev:
	default:
	}
}

// SetPingError 设置Ping返回的错误
func (b *Browser) SetPingError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingErr = err
}

// SetCreateError 设置NewSession返回的错误
func (b *Browser) SetCreateError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// Created 返回创建过的会话数
func (b *Browser) Created() int {
	return int(b.created.Load())
}

// Sessions 返回创建过的所有会话
func (b *Browser) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Session(nil), b.sessions...)
}

// Session 假标签页,各操作可通过Func字段替换
type Session struct {
	id     string
	closed atomic.Bool

	mu       sync.Mutex
	url      string
	calls    []string
	headers  map[string]string
	ua       string
	viewport [2]int
	allow    func(browser.ResourceType) bool

	NavigateFunc   func(ctx context.Context, url string, wait browser.WaitCondition) error
	EvaluateFunc   func(ctx context.Context, js string, args ...interface{}) (gson.JSON, error)
	ScreenshotFunc func(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error)
	InputFunc      func(ctx context.Context, selector, text string) error
	ClickFunc      func(ctx context.Context, selector string) error
	URLFunc        func(ctx context.Context) (string, error)
	ConfigureFunc  func(op string) error
}

// NewSession 创建假标签页
func NewSession(id string) *Session {
	return &Session{id: id, url: "about:blank"}
}

func (s *Session) record(op string) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()
}

// Calls 返回按顺序记录的操作名
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CountCalls 统计某个操作的调用次数
func (s *Session) CountCalls(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// SetURL 设置当前URL
func (s *Session) SetURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = u
}

func (s *Session) currentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Kill 模拟标签页失效
func (s *Session) Kill() {
	s.closed.Store(true)
}

// Headers 返回设置的额外请求头
func (s *Session) Headers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

// UserAgent 返回设置的UA
func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ua
}

// Allows 使用已安装的拦截策略判断资源类型是否放行
func (s *Session) Allows(rt browser.ResourceType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allow == nil {
		return true
	}
	return s.allow(rt)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Closed() bool {
	return s.closed.Load()
}

func (s *Session) check() error {
	if s.closed.Load() {
		return browser.ErrSessionClosed
	}
	return nil
}

func (s *Session) configure(op string) error {
	s.record(op)
	if err := s.check(); err != nil {
		return err
	}
	if s.ConfigureFunc != nil {
		return s.ConfigureFunc(op)
	}
	return nil
}

func (s *Session) Navigate(ctx context.Context, url string, wait browser.WaitCondition) error {
	s.record("navigate")
	if err := s.check(); err != nil {
		return err
	}
	before := s.currentURL()
	if s.NavigateFunc != nil {
		if err := s.NavigateFunc(ctx, url, wait); err != nil {
			return err
		}
	}
	// NavigateFunc可以通过SetURL模拟重定向
	if s.currentURL() == before {
		s.SetURL(url)
	}
	return nil
}

func (s *Session) Evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	s.record("evaluate")
	if err := s.check(); err != nil {
		return gson.New(nil), err
	}
	if s.EvaluateFunc != nil {
		return s.EvaluateFunc(ctx, js, args...)
	}
	return gson.New(true), nil
}

func (s *Session) Screenshot(ctx context.Context, opts browser.ScreenshotOptions) ([]byte, error) {
	s.record("screenshot")
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.ScreenshotFunc != nil {
		return s.ScreenshotFunc(ctx, opts)
	}
	return append([]byte(nil), JPEGStub...), nil
}

func (s *Session) SetViewport(ctx context.Context, width, height int) error {
	if err := s.configure("set_viewport"); err != nil {
		return err
	}
	s.mu.Lock()
	s.viewport = [2]int{width, height}
	s.mu.Unlock()
	return nil
}

func (s *Session) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := s.configure("set_user_agent"); err != nil {
		return err
	}
	s.mu.Lock()
	s.ua = userAgent
	s.mu.Unlock()
	return nil
}

func (s *Session) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if err := s.configure("set_extra_headers"); err != nil {
		return err
	}
	s.mu.Lock()
	s.headers = headers
	s.mu.Unlock()
	return nil
}

func (s *Session) SetInterception(allow func(browser.ResourceType) bool) error {
	if err := s.configure("set_interception"); err != nil {
		return err
	}
	s.mu.Lock()
	s.allow = allow
	s.mu.Unlock()
	return nil
}

func (s *Session) StopLoading(ctx context.Context) error {
	s.record("stop_loading")
	return s.check()
}

func (s *Session) DismissDialog(ctx context.Context) error {
	s.record("dismiss_dialog")
	if err := s.check(); err != nil {
		return err
	}
	return errors.New("没有打开的对话框")
}

func (s *Session) URL(ctx context.Context) (string, error) {
	s.record("url")
	if err := s.check(); err != nil {
		return "", err
	}
	if s.URLFunc != nil {
		return s.URLFunc(ctx)
	}
	return s.currentURL(), nil
}

func (s *Session) Input(ctx context.Context, selector, text string) error {
	s.record("input")
	if err := s.check(); err != nil {
		return err
	}
	if s.InputFunc != nil {
		return s.InputFunc(ctx, selector, text)
	}
	return nil
}

func (s *Session) Click(ctx context.Context, selector string) error {
	s.record("click")
	if err := s.check(); err != nil {
		return err
	}
	if s.ClickFunc != nil {
		return s.ClickFunc(ctx, selector)
	}
	return nil
}

func (s *Session) Close() error {
	s.record("close")
	s.closed.Store(true)
	return nil
}

// BlockUntilDone 返回一个阻塞到ctx结束的截图函数,用于模拟超时
func BlockUntilDone(ctx context.Context, _ browser.ScreenshotOptions) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
