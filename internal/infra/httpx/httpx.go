package httpx

import (
	"errors"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 20 * time.Second
)

// Transport 把“UA 池 + 浏览器请求头 + 代理 + 礼貌限速”固化为统一策略。
//
// 约束：Transport 不做重试（重试/降级由 fetch 编排层负责）。
type Transport struct {
	Base *http.Transport

	ua *uaPool

	// Limiter 非空时，每个请求发出前先等待令牌（随 request ctx 取消）。
	Limiter *rate.Limiter

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" && t.ua != nil {
		r.Header.Set("User-Agent", t.ua.random())
	}
	for k, v := range browserHeaders {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if t.DisableKeepAlives {
		r.Close = true
	}
	return t.Base.RoundTrip(r)
}

// browserHeaders 是与真实浏览器一致的请求头（UA 由池单独提供）。
var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.5",
	"Accept-Language":           "en-US,en;q=0.5",
	"DNT":                       "1",
	"Upgrade-Insecure-Requests": "1",
}

// Options 是页面抓取 client 的可选参数；零值即默认。
type Options struct {
	ProxyURL string
	Timeout  time.Duration

	// RatePerSecond <= 0 表示不限速。
	RatePerSecond float64
	Burst         int
}

// NewPageClient 构造用于页面抓取的 HTTP client。
//
// 规则：
// - proxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - 内置 UA 池：每个请求随机 UA，并补齐浏览器请求头
// - 可选限速 + 总超时
func NewPageClient(opt Options) (*http.Client, error) {
	base := &http.Transport{
		Proxy:                 nil,
		MaxIdleConnsPerHost:   16,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	disableKeepAlives := false
	if p := strings.TrimSpace(opt.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		DisableKeepAlives: disableKeepAlives,
	}
	if opt.RatePerSecond > 0 {
		burst := opt.Burst
		if burst < 1 {
			burst = 1
		}
		tr.Limiter = rate.NewLimiter(rate.Limit(opt.RatePerSecond), burst)
	}

	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// RandomUserAgent 从内置 UA 池随机取一个（浏览器 backend 也复用它）。
func RandomUserAgent() string {
	return globalUA.random()
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
