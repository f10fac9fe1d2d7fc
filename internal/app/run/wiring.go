package run

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/catalogue"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/fetch"
	"github.com/John-Robertt/boxdharvest/internal/infra/cache"
	"github.com/John-Robertt/boxdharvest/internal/pool"
)

// newDiscoverer 组装片单扫描器：HTTP 优先；注册了浏览器 backend 时才提供重扫通道。
func newDiscoverer(eff config.EffectiveConfig, reg backend.Registry) catalogue.Discoverer {
	listing := fetch.New(reg, fetch.Config{
		Order:           []backend.Kind{backend.KindHTTP},
		MaxRetries:      eff.Scrape.MaxRetries,
		BreakerFailures: -1,
		Sleep:           sleepFn,
		Jitter:          jitterFn,
	})
	httpOpt := backend.Options{Timeout: eff.HTTP.Timeout}

	d := catalogue.Discoverer{
		Fetch:    orchestratorFetcher(listing, httpOpt),
		BaseURL:  eff.BaseURL,
		Workers:  eff.Listing.Workers,
		MaxPages: eff.Listing.MaxPages,
	}

	browserKinds := reg.Kinds([]backend.Kind{backend.KindPooled, backend.KindAdHoc})
	if len(browserKinds) > 0 {
		browser := fetch.New(reg, fetch.Config{
			Order:           browserKinds,
			MaxRetries:      eff.Scrape.MaxRetries,
			BreakerFailures: -1,
			Sleep:           sleepFn,
			Jitter:          jitterFn,
		})
		d.Browser = orchestratorFetcher(browser, backend.Options{
			Timeout:      eff.Scrape.Timeout,
			WaitSelector: catalogue.LazyPosterSelector,
			WaitTimeout:  listingWaitTimeout,
		})
	}
	return d
}

func orchestratorFetcher(o *fetch.Orchestrator, opt backend.Options) catalogue.Fetcher {
	return func(ctx context.Context, url string) ([]byte, error) {
		res, err := o.Fetch(ctx, url, opt)
		if err != nil {
			return nil, err
		}
		return res.HTML, nil
	}
}

func newDetailOrchestrator(eff config.EffectiveConfig, reg backend.Registry) *fetch.Orchestrator {
	failures := eff.Breaker.Failures
	if failures == 0 {
		failures = -1
	}
	return fetch.New(reg, fetch.Config{
		Order:           eff.Order,
		MaxRetries:      eff.Scrape.MaxRetries,
		BreakerFailures: failures,
		BreakerCooldown: eff.Breaker.Cooldown,
		Sleep:           sleepFn,
		Jitter:          jitterFn,
	})
}

func detailOptions(eff config.EffectiveConfig) backend.Options {
	return backend.Options{
		Timeout:          eff.Scrape.Timeout,
		WaitSelector:     detailWaitSelector,
		WaitTimeout:      backend.DefaultWaitTimeout,
		OptionalSelector: detailOptionalSelector,
		OptionalTimeout:  backend.DefaultOptionalTimeout,
	}
}

func pageCache(eff config.EffectiveConfig) *cache.Store {
	if !eff.Cache.Enabled {
		return nil
	}
	s := cache.New(eff.OutDir, false)
	return &s
}

// restarter 是可周期性重启的 backend（目前只有页面池浏览器）。
type restarter interface {
	Restart() error
}

func controller(eff config.EffectiveConfig, reg backend.Registry) pool.Controller {
	c := pool.Controller{
		Mode:         eff.Mode,
		Workers:      eff.Scrape.Workers,
		Delay:        eff.Scrape.Delay,
		Sleep:        sleepFn,
		RefreshEvery: eff.Scrape.RefreshEvery,
	}
	if j := eff.Scrape.Jitter; j > 0 {
		c.Jitter = func() time.Duration { return rand.N(j) }
	}
	if b, ok := reg.Get(backend.KindPooled); ok {
		if r, ok := b.(restarter); ok {
			c.Refresh = r.Restart
		}
	}
	return c
}

func humanizeDiscoverError(err error) string {
	if errors.Is(err, catalogue.ErrInvalidUsername) {
		return "用户名非法（只允许字母、数字、下划线）"
	}
	return "片单扫描失败：" + humanizeFetchError(err)
}

// humanizeFetchError 把编排层的最终错误翻译成可操作的提示。
func humanizeFetchError(err error) string {
	if err == nil {
		return "抓取失败"
	}

	var be *backend.BlockedError
	if errors.As(err, &be) {
		return fmt.Sprintf("被站点拦截（%s）。当前不支持绕过；建议配置 http.proxy_url 或稍后重试。", be.Reason)
	}

	// HTTP 非 2xx：尽量给出可操作提示（反爬/限流是最常见问题）。
	var hs *backend.HTTPStatusError
	if errors.As(err, &hs) {
		switch hs.StatusCode {
		case 403, 429:
			return fmt.Sprintf("返回 HTTP %d（可能触发反爬/限流）。建议降低并发或切换到 sequential 模式。", hs.StatusCode)
		case 404, 410:
			return fmt.Sprintf("返回 HTTP %d（影片页不存在或已下架）。", hs.StatusCode)
		default:
			if loc := strings.TrimSpace(hs.Location); loc != "" {
				return fmt.Sprintf("返回 HTTP %d（重定向）：%s", hs.StatusCode, loc)
			}
			return fmt.Sprintf("返回 HTTP %d。", hs.StatusCode)
		}
	}

	low := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return "抓取超时。建议检查网络/代理，或降低并发后重试。"
	}
	if strings.Contains(low, "tls") || strings.Contains(low, "handshake") {
		return "连接失败（TLS/SSL）。建议配置 http.proxy_url 或稍后重试。"
	}
	return fmt.Sprintf("抓取失败：%v", err)
}

func humanizeExtractError(backendName string, err error) string {
	// 解析失败通常意味着站点结构漂移或被返回了非预期页面（例如验证页/空内容）。
	return fmt.Sprintf("%s 返回的页面无法解析（站点结构可能变化或不是影片详情页）：%v", backendName, err)
}
