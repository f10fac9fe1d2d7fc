package backend

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidURL 表示输入 URL 为空或格式不合法；这类输入不会触发任何网络请求。
var ErrInvalidURL = errors.New("无效或缺失的 URL")

// FetchError 是 backend 边界上唯一的失败形态（携带可读原因）。
type FetchError struct {
	Backend Kind
	URL     string
	Err     error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "fetch error"
	}
	return fmt.Sprintf("backend=%s url=%s: %v", e.Backend, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Wrap 把任意错误包装为 *FetchError（已是 *FetchError 则原样返回）。
func Wrap(kind Kind, url string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Backend: kind, URL: url, Err: err}
}

// HTTPStatusError 表示站点返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d location=%s", e.StatusCode, loc)
}

// BlockedError 表示请求被站点引导到了“验证/拦截”页面。
// 产品约束：不尝试绕过，直接视为获取失败，交给编排层换 backend。
type BlockedError struct {
	URL    string
	Reason string // 例如 "cloudflare-challenge"
}

func (e *BlockedError) Error() string {
	if e == nil {
		return "blocked"
	}
	if strings.TrimSpace(e.Reason) == "" {
		return "blocked"
	}
	return "blocked: " + strings.TrimSpace(e.Reason)
}

// Permanent 判断错误是否在同一 backend 内重试也无意义（应立即换 backend）。
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidURL) {
		return true
	}
	var be *BlockedError
	if errors.As(err, &be) {
		return true
	}
	var hs *HTTPStatusError
	if errors.As(err, &hs) {
		return hs.StatusCode == 404 || hs.StatusCode == 410
	}
	return false
}

// challengeMarkers 是反爬验证页（interstitial）本身的特征文本。
// 普通页面也会注入 /cdn-cgi/challenge-platform/scripts/jsd/ 脚本，因此不能按 challenge-platform 判断。
var challengeMarkers = []struct {
	needle string
	reason string
}{
	{"<title>just a moment...</title>", "cloudflare-challenge"},
	{"cf-chl-", "cloudflare-challenge"},
	{"_cf_chl_opt", "cloudflare-challenge"},
	{`id="challenge-form"`, "cloudflare-challenge"},
	{"attention required! | cloudflare", "cloudflare-block"},
}

// DetectBlocked 检查 HTML 是否为验证/拦截页；是则返回原因。
func DetectBlocked(html []byte) (string, bool) {
	if len(html) == 0 {
		return "", false
	}
	head := html
	if len(head) > 64*1024 {
		head = head[:64*1024]
	}
	low := strings.ToLower(string(head))
	for _, m := range challengeMarkers {
		if strings.Contains(low, m.needle) {
			return m.reason, true
		}
	}
	return "", false
}

// DetectBlockedResponse 结合响应头与状态码判断拦截：
// cf-mitigated: challenge 直接视为验证页；403/503 再看正文是否是验证页。
func DetectBlockedResponse(status int, mitigated string, body []byte) (string, bool) {
	if strings.EqualFold(strings.TrimSpace(mitigated), "challenge") {
		return "cloudflare-challenge", true
	}
	if status == 403 || status == 503 {
		return DetectBlocked(body)
	}
	return "", false
}
