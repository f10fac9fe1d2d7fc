package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/app/run"
	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
	"github.com/John-Robertt/boxdharvest/internal/store"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是一个“简洁版”的交互终端进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：长时间无条目完成时也会定期输出一行，降低等待焦虑
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	done    int
	ok      int
	fail    int
	skip    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig, username string) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	paths := store.Paths(eff.OutDir, username)

	fmt.Fprintf(p.w, "[%s] boxdharvest scrape %s\n", now.Format("15:04:05"), username)
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigFile != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigFile)
	}
	fmt.Fprintf(p.w, "  mode: %s\n", eff.Mode)
	fmt.Fprintf(p.w, "  workers: %d\n", eff.Scrape.Workers)
	fmt.Fprintf(p.w, "  backend: %s\n", backendChain(eff.Order))
	fmt.Fprintf(p.w, "  max_retries: %d\n", eff.Scrape.MaxRetries)
	fmt.Fprintf(p.w, "  policy: %s\n", policy(eff))
	if eff.Listing.MaxPages > 0 {
		fmt.Fprintf(p.w, "  max_pages: %d\n", eff.Listing.MaxPages)
	}
	if eff.Scrape.MaxFilms > 0 {
		fmt.Fprintf(p.w, "  max_films: %d\n", eff.Scrape.MaxFilms)
	}
	fmt.Fprintf(p.w, "  proxy: %s\n", formatProxy(eff.HTTP.ProxyURL))
	fmt.Fprintf(p.w, "  cache: %s\n", onOff(eff.Cache.Enabled))

	fmt.Fprintln(p.w, "输出:")
	fmt.Fprintf(p.w, "  records: %s\n", paths.Detailed)
	fmt.Fprintf(p.w, "  minimal: %s\n", paths.Minimal)
	fmt.Fprintf(p.w, "  report: %s\n", paths.Report)
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "load":
		fmt.Fprintf(p.w, "读取: records=%d (%s)\n", intField(fields, "records"), formatShortDuration(dur))
	case "discover":
		fmt.Fprintf(p.w, "片单: films=%d (%s)\n", intField(fields, "films"), formatShortDuration(dur))
	case "plan":
		fmt.Fprintf(p.w, "规划: listed=%d jobs=%d resolved=%d deferred=%d (%s)\n",
			intField(fields, "listed"),
			intField(fields, "jobs"),
			intField(fields, "resolved"),
			intField(fields, "deferred"),
			formatShortDuration(dur),
		)
	case "exec":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "total_items")
		if mode, _ := fields["mode"].(string); mode == "sequential" {
			p.workers = 1
		}
		fmt.Fprintf(p.w, "执行: workers=%d total_items=%d\n\n", p.workers, p.total)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	case "persist":
		p.stopTickerLocked()
		fmt.Fprintf(p.w, "\n保存: records=%d fresh=%d ratings_updated=%d (%s)\n",
			intField(fields, "records"),
			intField(fields, "fresh"),
			intField(fields, "ratings_updated"),
			formatShortDuration(dur),
		)
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// idx/total 由 run 层给出；这里同时维护自己的计数，供 keepalive 使用。
	p.done = idx
	p.total = total

	status := strings.ToUpper(res.Status)
	switch res.Status {
	case domain.StatusScraped:
		p.ok++
		status = "OK"
	case domain.StatusFailed:
		p.fail++
		status = "FAIL"
	case domain.StatusSkipped:
		p.skip++
		status = "SKIP"
	}

	key := slug.Of(res.URL)
	if key == "" {
		key = "<unknown>"
	}

	switch res.Status {
	case domain.StatusFailed:
		chain := formatAttemptChain(res.Attempts, 3)
		if chain != "" {
			chain = " attempts=" + chain
		}
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s: %s%s (%s)\n",
			idx, total, key, status, res.ErrorCode, truncate(res.ErrorMsg, 160), chain, formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "[%d/%d] %s %s backend=%s%s (%s)\n",
			idx, total, key, status, res.BackendUsed, formatFallbackNote(res), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stop := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// printProgressLocked 输出一行 keepalive 进度。
func (p *progressUI) printProgressLocked() {
	active := min(p.workers, p.total-p.done)
	fmt.Fprintf(p.w, "进度: done=%d/%d ok=%d fail=%d skip=%d active=%d elapsed=%s\n",
		p.done, p.total, p.ok, p.fail, p.skip, active, formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

func (p *progressUI) stopTickerLocked() {
	if !p.tickerStarted {
		return
	}
	close(p.stopCh)
	p.tickerStarted = false
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func backendChain(order []backend.Kind) string {
	if len(order) == 0 {
		order = backend.DefaultOrder
	}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, string(k))
	}
	return strings.Join(parts, " -> ")
}

func policy(eff config.EffectiveConfig) string {
	switch {
	case eff.Scrape.Rescrape:
		return "rescrape（重抓片单内全部影片）"
	case eff.Scrape.RetryFailed:
		return "retry-failed（新影片 + 失败记录）"
	default:
		return "incremental（只抓新影片）"
	}
}

func formatProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "off"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "on (" + truncate(raw, 120) + ")"
	}
	auth := "off"
	if u.User != nil {
		auth = "on"
	}
	return fmt.Sprintf("on (%s://%s, auth=%s)", u.Scheme, u.Host, auth)
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// formatFallbackNote 在成功条目发生降级时说明首个 backend 为何失败。
func formatFallbackNote(res domain.ItemResult) string {
	used := strings.TrimSpace(res.BackendUsed)
	if used == "" || len(res.Attempts) == 0 {
		return ""
	}
	first := res.Attempts[0]
	if first.Backend == used {
		return ""
	}
	msg := strings.TrimSpace(first.ErrorMsg)
	if msg == "" {
		return " fallback(" + first.Backend + ")"
	}
	return " fallback(" + first.Backend + " " + truncate(msg, 90) + ")"
}

func formatAttemptChain(attempts []domain.Attempt, max int) string {
	if len(attempts) == 0 || max == 0 {
		return ""
	}
	if max < 0 {
		max = len(attempts)
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		s := fmt.Sprintf("%s#%d:%s", strings.TrimSpace(a.Backend), a.N, strings.TrimSpace(a.Stage))
		if em := strings.TrimSpace(a.ErrorMsg); em != "" {
			s += ":" + truncate(em, 80)
		}
		parts = append(parts, s)
		if len(parts) >= max {
			break
		}
	}
	return strings.Join(parts, ";")
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	default:
		return 0
	}
}
