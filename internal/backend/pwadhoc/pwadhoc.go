// Package pwadhoc 是“每次调用一个浏览器 + 页面”的 backend（playwright-go）。
package pwadhoc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pw "github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog/log"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/infra/httpx"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// Config 是 playwright 的启动参数；零值可用。
type Config struct {
	// ExecutablePath 为空时使用 playwright 自带的 chromium。
	ExecutablePath string
	// InstallDriver=true 时首次使用前安装 driver（不安装浏览器）。
	InstallDriver bool
}

// Backend 只共享 playwright driver 进程；浏览器与页面每次调用独立创建并关闭。
type Backend struct {
	cfg Config

	once    sync.Once
	mu      sync.Mutex
	runtime *pw.Playwright
	initErr error
	closed  bool
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (*Backend) Kind() backend.Kind { return backend.KindAdHoc }

func (b *Backend) Fetch(ctx context.Context, u string, opt backend.Options) (html []byte, err error) {
	if !slug.Valid(u) {
		return nil, backend.Wrap(backend.KindAdHoc, u, backend.ErrInvalidURL)
	}
	opt = opt.WithDefaults()

	defer func() {
		if r := recover(); r != nil {
			html = nil
			err = backend.Wrap(backend.KindAdHoc, u, fmt.Errorf("playwright panic：%v", r))
		}
	}()

	rt, err := b.driver()
	if err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()

	launch := pw.BrowserTypeLaunchOptions{Headless: pw.Bool(true)}
	if p := strings.TrimSpace(b.cfg.ExecutablePath); p != "" {
		launch.ExecutablePath = pw.String(p)
	}
	browser, err := rt.Chromium.Launch(launch)
	if err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, fmt.Errorf("启动浏览器失败：%w", err))
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.NewPage(pw.BrowserNewPageOptions{UserAgent: pw.String(httpx.RandomUserAgent())})
	if err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, fmt.Errorf("创建页面失败：%w", err))
	}
	defer func() { _ = page.Close() }()

	// playwright 的调用不接收 ctx：每一步用剩余时间作为超时，并在步骤之间检查取消。
	if _, err := page.Goto(u, pw.PageGotoOptions{
		Timeout:   pw.Float(remainingMS(ctx)),
		WaitUntil: pw.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, fmt.Errorf("导航失败：%w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, err)
	}

	if sel := strings.TrimSpace(opt.WaitSelector); sel != "" {
		if err := page.Locator(sel).First().WaitFor(pw.LocatorWaitForOptions{
			Timeout: pw.Float(minMS(ctx, opt.WaitTimeout)),
		}); err != nil {
			return nil, backend.Wrap(backend.KindAdHoc, u, fmt.Errorf("等待 %q 超时：%w", sel, err))
		}
	}
	if sel := strings.TrimSpace(opt.OptionalSelector); sel != "" {
		if err := page.Locator(sel).First().WaitFor(pw.LocatorWaitForOptions{
			Timeout: pw.Float(minMS(ctx, opt.OptionalTimeout)),
		}); err != nil {
			log.Debug().Str("url", u).Str("selector", sel).Msg("可选元素未出现")
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, err)
	}

	s, err := page.Content()
	if err != nil {
		return nil, backend.Wrap(backend.KindAdHoc, u, fmt.Errorf("序列化 DOM 失败：%w", err))
	}
	out := []byte(s)
	if reason, blocked := backend.DetectBlocked(out); blocked {
		return nil, backend.Wrap(backend.KindAdHoc, u, &backend.BlockedError{URL: u, Reason: reason})
	}
	return out, nil
}

func (b *Backend) driver() (*pw.Playwright, error) {
	b.once.Do(func() {
		if b.cfg.InstallDriver {
			if err := pw.Install(&pw.RunOptions{SkipInstallBrowsers: b.cfg.ExecutablePath != ""}); err != nil {
				log.Warn().Err(err).Msg("playwright driver 安装失败")
			}
		}
		rt, err := pw.Run()
		if err != nil {
			b.initErr = fmt.Errorf("启动 playwright 失败：%w", err)
			return
		}
		b.mu.Lock()
		b.runtime = rt
		b.mu.Unlock()
	})
	if b.initErr != nil {
		return nil, b.initErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.runtime == nil {
		return nil, errors.New("playwright 已关闭")
	}
	return b.runtime, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.runtime == nil {
		return nil
	}
	err := b.runtime.Stop()
	b.runtime = nil
	return err
}

func remainingMS(ctx context.Context) float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return float64(backend.DefaultTimeout / time.Millisecond)
	}
	d := time.Until(dl)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return float64(d / time.Millisecond)
}

func minMS(ctx context.Context, d time.Duration) float64 {
	ms := float64(d / time.Millisecond)
	if r := remainingMS(ctx); r < ms {
		return r
	}
	return ms
}
