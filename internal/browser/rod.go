package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/RenderGuard/internal/models"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"
)

// RodOptions go-rod引擎配置
type RodOptions struct {
	Bin       string            // 浏览器可执行文件路径,为空时由launcher自动查找/下载
	RemoteURL string            // 已运行浏览器的DevTools地址,设置后不再本地启动
	Headless  bool              // 无头模式
	NoSandbox bool              // 容器内运行时需要关闭沙箱
	Flags     map[string]string // 额外启动参数
}

// RodEngine 基于go-rod的渲染引擎
type RodEngine struct {
	opts RodOptions
}

// NewRodEngine 创建go-rod引擎
func NewRodEngine(opts RodOptions) *RodEngine {
	return &RodEngine{opts: opts}
}

// Launch 启动浏览器并建立CDP连接
func (e *RodEngine) Launch(ctx context.Context) (Browser, error) {
	var l *launcher.Launcher
	var controlURL string
	var err error

	if e.opts.RemoteURL != "" {
		controlURL, err = launcher.ResolveURL(e.opts.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("解析远程浏览器地址失败: %w", err)
		}
		log.Debug().Str("control_url", controlURL).Msg("连接远程浏览器")
	} else {
		l = launcher.New().
			Headless(e.opts.Headless).
			Set("ignore-certificate-errors").
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("mute-audio")
		if e.opts.NoSandbox {
			l = l.NoSandbox(true)
		}
		if e.opts.Bin != "" {
			l = l.Bin(e.opts.Bin)
		}
		keys := make([]string, 0, len(e.opts.Flags))
		for k := range e.opts.Flags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v := e.opts.Flags[k]; v != "" {
				l = l.Set(flags.Flag(k), v)
			} else {
				l = l.Set(flags.Flag(k))
			}
		}

		controlURL, err = l.Launch()
		if err != nil {
			return nil, fmt.Errorf("启动浏览器失败: %w", err)
		}
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("连接浏览器失败: %w", err)
	}

	// 开启target发现,才能在浏览器级别收到标签页崩溃/销毁事件
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		log.Warn().Err(err).Msg("开启target发现失败,标签页事件将不可用")
	}

	rb := &rodBrowser{
		browser:  b,
		launcher: l,
		events:   make(chan Event, 16),
		sessions: make(map[proto.TargetTargetID]*rodSession),
	}
	go rb.watch()

	if ctx.Err() != nil {
		_ = rb.Close()
		return nil, ctx.Err()
	}

	log.Info().Str("control_url", controlURL).Msg("浏览器已启动")
	return rb, nil
}

// rodBrowser go-rod浏览器句柄
type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	events   chan Event

	mu       sync.Mutex
	sessions map[proto.TargetTargetID]*rodSession

	closing      atomic.Bool
	disconnected atomic.Bool
	closeOnce    sync.Once
}

// watch 把CDP事件翻译为Event,事件流结束即视为连接断开
func (rb *rodBrowser) watch() {
	wait := rb.browser.EachEvent(
		func(e *proto.TargetTargetCrashed) {
			rb.markSessionClosed(e.TargetID)
			rb.emit(Event{Kind: EventSessionError, SessionID: string(e.TargetID),
				Err: fmt.Errorf("标签页崩溃: status=%s code=%d", e.Status, e.ErrorCode)})
		},
		func(e *proto.TargetTargetDestroyed) {
			if rb.markSessionClosed(e.TargetID) {
				rb.emit(Event{Kind: EventSessionClosed, SessionID: string(e.TargetID)})
			}
		},
	)
	wait()

	rb.disconnected.Store(true)
	rb.mu.Lock()
	for _, s := range rb.sessions {
		s.closed.Store(true)
	}
	rb.mu.Unlock()

	if !rb.closing.Load() {
		rb.emit(Event{Kind: EventDisconnected, Err: ErrBrowserClosed})
	}
}

// markSessionClosed 标记会话关闭,返回该target是否属于本浏览器管理的会话
func (rb *rodBrowser) markSessionClosed(id proto.TargetTargetID) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	s, ok := rb.sessions[id]
	if !ok {
		return false
	}
	s.closed.Store(true)
	s.stopListen()
	delete(rb.sessions, id)
	return true
}

// emit 非阻塞投递事件,消费方跟不上时丢弃
func (rb *rodBrowser) emit(ev Event) {
	ev.At = time.Now()
	select {
	case rb.events <- ev:
	default:
		log.Warn().Str("event", ev.Kind.String()).Msg("浏览器事件队列已满,丢弃事件")
	}
}

func (rb *rodBrowser) NewSession(ctx context.Context) (Session, error) {
	if rb.disconnected.Load() || rb.closing.Load() {
		return nil, ErrBrowserClosed
	}
	page, err := rb.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("创建标签页失败: %w", err)
	}
	page = page.Context(context.Background())

	// 事件监听随会话关闭而退出
	listenCtx, stopListen := context.WithCancel(context.Background())
	s := &rodSession{page: page, owner: rb, stopListen: stopListen}
	rb.mu.Lock()
	rb.sessions[page.TargetID] = s
	rb.mu.Unlock()

	// JS对话框会阻塞导航和脚本执行,一律自动关闭
	go page.Context(listenCtx).EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		log.Debug().Str("type", string(e.Type)).Str("message", e.Message).Msg("自动关闭JS对话框")
		_ = proto.PageHandleJavaScriptDialog{Accept: false}.Call(page)
	})()

	return s, nil
}

func (rb *rodBrowser) Ping(ctx context.Context) error {
	if rb.disconnected.Load() {
		return ErrBrowserClosed
	}
	if _, err := (proto.BrowserGetVersion{}).Call(rb.browser.Context(ctx)); err != nil {
		return fmt.Errorf("浏览器连接不可达: %w", err)
	}
	return nil
}

func (rb *rodBrowser) Events() <-chan Event {
	return rb.events
}

func (rb *rodBrowser) Close() error {
	var err error
	rb.closeOnce.Do(func() {
		rb.closing.Store(true)
		err = rb.browser.Close()
		if rb.launcher != nil {
			rb.launcher.Kill()
			rb.launcher.Cleanup()
		}
	})
	return err
}

// rodSession go-rod标签页
type rodSession struct {
	page       *rod.Page
	owner      *rodBrowser
	closed     atomic.Bool
	stopListen context.CancelFunc

	mu     sync.Mutex
	router *rod.HijackRouter
}

func (s *rodSession) ID() string {
	return string(s.page.TargetID)
}

func (s *rodSession) Closed() bool {
	return s.closed.Load() || s.owner.disconnected.Load()
}

// wrap 会话已失效时把错误标记为资源断开
func (s *rodSession) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.Closed() {
		return models.NewError(models.KindResourceDisconnected, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func lifecycleEvent(wait WaitCondition) proto.PageLifecycleEventName {
	switch wait {
	case WaitNetworkIdle:
		return proto.PageLifecycleEventNameNetworkIdle
	case WaitNetworkAlmostIdle:
		return proto.PageLifecycleEventNameNetworkAlmostIdle
	case WaitDOMContentLoaded:
		return proto.PageLifecycleEventNameDOMContentLoaded
	case WaitLoad:
		return proto.PageLifecycleEventNameLoad
	default:
		return ""
	}
}

func (s *rodSession) Navigate(ctx context.Context, url string, wait WaitCondition) error {
	if s.Closed() {
		return models.NewError(models.KindResourceDisconnected, "navigate", ErrSessionClosed)
	}
	p := s.page.Context(ctx)

	var waitFn func()
	if ev := lifecycleEvent(wait); ev != "" {
		waitFn = p.WaitNavigation(ev)
	}
	if err := p.Navigate(url); err != nil {
		return s.wrap("navigate", err)
	}
	if waitFn != nil {
		waitFn()
	}
	if err := ctx.Err(); err != nil {
		return s.wrap("navigate", fmt.Errorf("等待%s超时: %w", wait, err))
	}
	return nil
}

func (s *rodSession) Evaluate(ctx context.Context, js string, args ...interface{}) (gson.JSON, error) {
	res, err := s.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return gson.New(nil), s.wrap("evaluate", err)
	}
	return res.Value, nil
}

func (s *rodSession) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	scale := opts.Clip.Scale
	if scale <= 0 {
		scale = 1
	}
	req := &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: gson.Int(opts.Quality),
		Clip: &proto.PageViewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  scale,
		},
		FromSurface: true,
	}
	data, err := s.page.Context(ctx).Screenshot(false, req)
	if err != nil {
		return nil, s.wrap("screenshot", err)
	}
	return data, nil
}

func (s *rodSession) SetViewport(ctx context.Context, width, height int) error {
	err := s.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
	return s.wrap("set_viewport", err)
}

func (s *rodSession) SetUserAgent(ctx context.Context, userAgent string) error {
	err := s.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent})
	return s.wrap("set_user_agent", err)
}

func (s *rodSession) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	dict := make([]string, 0, len(headers)*2)
	for _, name := range names {
		dict = append(dict, name, headers[name])
	}
	_, err := s.page.Context(ctx).SetExtraHeaders(dict)
	return s.wrap("set_extra_headers", err)
}

func (s *rodSession) SetInterception(allow func(ResourceType) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router != nil {
		_ = s.router.Stop()
		s.router = nil
	}
	if allow == nil {
		return nil
	}

	router := s.page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		if allow(ResourceType(h.Request.Type())) {
			h.ContinueRequest(&proto.FetchContinueRequest{})
			return
		}
		h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
	})
	if err != nil {
		return s.wrap("set_interception", err)
	}
	go router.Run()
	s.router = router
	return nil
}

func (s *rodSession) StopLoading(ctx context.Context) error {
	return s.wrap("stop_loading", proto.PageStopLoading{}.Call(s.page.Context(ctx)))
}

func (s *rodSession) DismissDialog(ctx context.Context) error {
	return proto.PageHandleJavaScriptDialog{Accept: false}.Call(s.page.Context(ctx))
}

func (s *rodSession) URL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", s.wrap("url", err)
	}
	return info.URL, nil
}

func (s *rodSession) Input(ctx context.Context, selector, text string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return s.wrap("input", err)
	}
	// 非文本元素不支持全选,忽略错误
	_ = el.SelectAllText()
	return s.wrap("input", el.Input(text))
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return s.wrap("click", err)
	}
	return s.wrap("click", el.Click(proto.InputMouseButtonLeft, 1))
}

func (s *rodSession) Close() error {
	s.stopListen()
	s.mu.Lock()
	if s.router != nil {
		_ = s.router.Stop()
		s.router = nil
	}
	s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}
	s.owner.mu.Lock()
	delete(s.owner.sessions, s.page.TargetID)
	s.owner.mu.Unlock()

	if s.owner.disconnected.Load() {
		return nil
	}
	if err := s.page.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("关闭标签页失败: %w", err)
	}
	return nil
}
