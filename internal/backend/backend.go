package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind 是 backend 的封闭枚举（不做继承，按 tag 选择策略）。
type Kind string

const (
	// KindPooled：长驻浏览器进程 + 页面池，每次调用独占一个页面。
	KindPooled Kind = "pooled"
	// KindAdHoc：每次调用启动一个浏览器 + 页面，用完即关。
	KindAdHoc Kind = "adhoc"
	// KindHTTP：单次 GET，返回未渲染的原始 HTML。
	KindHTTP Kind = "http"
)

// DefaultOrder 是固定的降级顺序：pooled -> adhoc -> http。
var DefaultOrder = []Kind{KindPooled, KindAdHoc, KindHTTP}

// ParseKind 解析配置中的 backend 名称（大小写不敏感）。
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindPooled:
		return KindPooled, nil
	case KindAdHoc:
		return KindAdHoc, nil
	case KindHTTP:
		return KindHTTP, nil
	case "":
		return "", fmt.Errorf("backend 不能为空")
	default:
		return "", fmt.Errorf("backend 只能是 pooled、adhoc 或 http，实际是 %q", s)
	}
}

// OrderFrom 返回以 preferred 开头、其余按 DefaultOrder 排列的降级顺序。
// preferred 为空时返回 DefaultOrder 的副本。
func OrderFrom(preferred Kind) []Kind {
	out := make([]Kind, 0, len(DefaultOrder))
	if preferred != "" {
		out = append(out, preferred)
	}
	for _, k := range DefaultOrder {
		if k != preferred {
			out = append(out, k)
		}
	}
	return out
}

// Options 是单次获取的参数；每个等待都有显式上限。
type Options struct {
	// Timeout 是整次获取（导航 + 等待 + 序列化）的上限。
	Timeout time.Duration
	// WaitSelector 非空时，浏览器 backend 在返回前等待该元素出现（最长 WaitTimeout）。
	WaitSelector string
	WaitTimeout  time.Duration
	// OptionalSelector 是可选的二次等待（例如评分区块），超时不算失败。
	OptionalSelector string
	OptionalTimeout  time.Duration
}

const (
	DefaultTimeout         = 45 * time.Second
	DefaultWaitTimeout     = 10 * time.Second
	DefaultOptionalTimeout = 5 * time.Second
)

// WithDefaults 补齐零值字段。
func (o Options) WithDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.OptionalTimeout <= 0 {
		o.OptionalTimeout = DefaultOptionalTimeout
	}
	return o
}

// Backend 把“URL -> HTML”的获取策略收敛到同一个能力接口。
//
// 约束：
// - Fetch 不做重试、不做降级（由 fetch 编排层统一实现）
// - Fetch 失败只返回 error（*FetchError），不得 panic 出边界
// - Fetch 必须并发安全；每次调用使用独立的页面/请求
// - Close 释放进程级资源（浏览器、页面池），可重复调用
type Backend interface {
	Kind() Kind
	Fetch(ctx context.Context, url string, opt Options) ([]byte, error)
	Close() error
}
