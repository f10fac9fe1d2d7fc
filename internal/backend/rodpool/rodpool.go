// Package rodpool 是“长驻浏览器 + 页面池”的 backend（go-rod）。
package rodpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/infra/httpx"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// Config 是浏览器启动参数；零值可用。
type Config struct {
	// PoolSize 是同时打开的页面上限（通常等于并发 worker 数）。
	PoolSize int
	// Bin 为空时由 launcher 自动查找/下载浏览器。
	Bin       string
	NoSandbox bool
	// Headful 仅用于本地排查。
	Headful bool
}

// Backend 持有一个浏览器进程，所有 Fetch 共享它；每次 Fetch 独占一个页面。
//
// 约束：
// - 浏览器懒启动（首个 Fetch 时），启动失败作为本次 Fetch 的 FetchError
// - 页面在所有退出路径上归还页面池；出错的页面直接关闭，不再复用
// - Restart 与 Fetch 互斥（Restart 等待进行中的 Fetch 结束）
type Backend struct {
	cfg Config

	mu       sync.RWMutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	pages    rod.Pool[rod.Page]
	closed   bool
}

var _ backend.Backend = (*Backend)(nil)

func New(cfg Config) *Backend {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return &Backend{cfg: cfg}
}

func (*Backend) Kind() backend.Kind { return backend.KindPooled }

func (b *Backend) Fetch(ctx context.Context, u string, opt backend.Options) (html []byte, err error) {
	if !slug.Valid(u) {
		return nil, backend.Wrap(backend.KindPooled, u, backend.ErrInvalidURL)
	}
	opt = opt.WithDefaults()

	defer func() {
		if r := recover(); r != nil {
			html = nil
			err = backend.Wrap(backend.KindPooled, u, fmt.Errorf("浏览器 panic：%v", r))
		}
	}()

	if err := b.ensureBrowser(); err != nil {
		return nil, backend.Wrap(backend.KindPooled, u, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || b.browser == nil {
		return nil, backend.Wrap(backend.KindPooled, u, errors.New("浏览器已关闭"))
	}

	ctx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()

	page, err := b.pages.Get(b.newPage)
	if err != nil {
		b.pages.Put(nil)
		return nil, backend.Wrap(backend.KindPooled, u, fmt.Errorf("创建页面失败：%w", err))
	}

	healthy := false
	defer func() {
		if healthy {
			b.pages.Put(page)
			return
		}
		_ = page.Close()
		b.pages.Put(nil)
	}()

	out, err := render(page.Context(ctx), u, opt)
	if err != nil {
		return nil, backend.Wrap(backend.KindPooled, u, err)
	}
	healthy = true

	if reason, blocked := backend.DetectBlocked(out); blocked {
		return nil, backend.Wrap(backend.KindPooled, u, &backend.BlockedError{URL: u, Reason: reason})
	}
	return out, nil
}

func render(p *rod.Page, u string, opt backend.Options) ([]byte, error) {
	if err := p.Navigate(u); err != nil {
		return nil, fmt.Errorf("导航失败：%w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("等待加载失败：%w", err)
	}
	if sel := strings.TrimSpace(opt.WaitSelector); sel != "" {
		if _, err := p.Timeout(opt.WaitTimeout).Element(sel); err != nil {
			return nil, fmt.Errorf("等待 %q 超时：%w", sel, err)
		}
	}
	if sel := strings.TrimSpace(opt.OptionalSelector); sel != "" {
		if _, err := p.Timeout(opt.OptionalTimeout).Element(sel); err != nil {
			log.Debug().Str("url", u).Str("selector", sel).Msg("可选元素未出现")
		}
	}
	s, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("序列化 DOM 失败：%w", err)
	}
	return []byte(s), nil
}

func (b *Backend) newPage() (*rod.Page, error) {
	p, err := b.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: httpx.RandomUserAgent()}); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (b *Backend) ensureBrowser() error {
	b.mu.RLock()
	ready := b.browser != nil || b.closed
	b.mu.RUnlock()
	if ready {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil || b.closed {
		return nil
	}

	l := launcher.New().
		Headless(!b.cfg.Headful).
		NoSandbox(b.cfg.NoSandbox).
		Set("disable-gpu").
		Set("disable-dev-shm-usage")
	if strings.TrimSpace(b.cfg.Bin) != "" {
		l = l.Bin(b.cfg.Bin)
	}

	started := time.Now()
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("启动浏览器失败：%w", err)
	}
	br := rod.New().ControlURL(controlURL)
	if err := br.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("连接浏览器失败：%w", err)
	}

	b.launcher = l
	b.browser = br
	b.pages = rod.NewPagePool(b.cfg.PoolSize)
	log.Info().Int("pool_size", b.cfg.PoolSize).Dur("took", time.Since(started)).Msg("浏览器已启动")
	return nil
}

// Restart 关闭当前浏览器；下一次 Fetch 会重新启动（长跑任务中定期释放内存）。
func (b *Backend) Restart() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	err := b.shutdownLocked()
	log.Info().Msg("浏览器已重启")
	return err
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.shutdownLocked()
}

func (b *Backend) shutdownLocked() error {
	if b.browser == nil {
		return nil
	}
	b.pages.Cleanup(func(p *rod.Page) { _ = p.Close() })
	err := b.browser.Close()
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	b.browser = nil
	b.launcher = nil
	b.pages = nil
	return err
}
