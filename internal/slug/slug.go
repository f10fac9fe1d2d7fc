// Package slug 负责影片 URL 的规范化与 slug 推导（store 的唯一身份键来自这里）。
package slug

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

// ErrInvalidURL 表示 URL 为空、无法解析，或不是 http/https 绝对地址。
var ErrInvalidURL = errors.New("无效的 URL")

// 影片详情页路径：/film/<slug>/（可能带用户名前缀：/<user>/film/<slug>/）。
var filmPathRE = regexp.MustCompile(`(?i)/film/([a-z0-9][a-z0-9._-]*)`)

// Valid 判断 raw 是否为可请求的 http/https 绝对 URL。
func Valid(raw string) bool {
	_, err := parseAbs(raw)
	return err == nil
}

// NormalizeFilmURL 把影片 URL 规范化为稳定身份键：
// - scheme/host/path 小写
// - 丢弃 query/fragment
// - /<user>/film/<slug>/ 折叠为 /film/<slug>/
// - 末尾固定带 "/"
func NormalizeFilmURL(raw string) (string, error) {
	u, err := parseAbs(raw)
	if err != nil {
		return "", err
	}

	p := strings.ToLower(u.EscapedPath())
	if m := filmPathRE.FindStringSubmatch(p); len(m) == 2 {
		p = "/film/" + m[1] + "/"
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}

	out := url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Host),
	}
	return out.String() + p, nil
}

// Key 与 NormalizeFilmURL 相同，但无法规范化时退化为去空白的原值（用于 map 键）。
func Key(raw string) string {
	if n, err := NormalizeFilmURL(raw); err == nil {
		return n
	}
	return strings.TrimSpace(raw)
}

// Resolve 以 base 为基准把 href 解析为绝对 URL。
func Resolve(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}
	b, err := url.Parse(strings.TrimSpace(base))
	if err != nil || b.Scheme == "" || b.Host == "" {
		return ""
	}
	return b.ResolveReference(u).String()
}

// Of 返回 URL 的影片 slug（例如 .../film/some-movie/ -> some-movie）；
// 非 /film/ 路径退化为最后一个非空路径段。
func Of(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if m := filmPathRE.FindStringSubmatch(raw); len(m) == 2 {
		return strings.ToLower(m[1])
	}
	if u, err := url.Parse(raw); err == nil {
		raw = u.Path
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(parts[i]); s != "" {
			return s
		}
	}
	return ""
}

// TitleFromURL 由 slug 推导一个尽力而为的标题：some-movie -> Some Movie。
func TitleFromURL(raw string) string {
	s := Of(raw)
	if s == "" {
		return domain.DefaultTitleFallback
	}
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = titleWord(w)
	}
	t := strings.TrimSpace(strings.Join(words, " "))
	if t == "" {
		return domain.DefaultTitleFallback
	}
	return t
}

func titleWord(w string) string {
	r, size := utf8.DecodeRuneInString(w)
	if r == utf8.RuneError {
		return w
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
}

func parseAbs(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidURL
	}
	low := strings.ToLower(raw)
	if !strings.HasPrefix(low, "http://") && !strings.HasPrefix(low, "https://") {
		return nil, ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}
