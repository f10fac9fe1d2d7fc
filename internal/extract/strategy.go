package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// page 是单次提取的上下文；结构化数据块按需解析且只解析一次。
type page struct {
	doc *goquery.Document

	ldParsed bool
	ld       linkedData
}

func (p *page) linked() linkedData {
	if !p.ldParsed {
		p.ldParsed = true
		p.ld = parseLinkedData(p.doc)
	}
	return p.ld
}

// strategy 是单个字段的一种提取方式；ok=false 表示该方式没有产出。
type strategy[T any] func(p *page) (T, bool)

func firstOf[T any](p *page, field string, accept func(T) bool, ss ...strategy[T]) T {
	v, _ := firstOfOK(p, field, accept, ss...)
	return v
}

func firstOfOK[T any](p *page, field string, accept func(T) bool, ss ...strategy[T]) (T, bool) {
	var zero T
	for i, s := range ss {
		v, ok := runStrategy(p, field, i, s)
		if ok && accept(v) {
			return v, true
		}
	}
	return zero, false
}

func runStrategy[T any](p *page, field string, i int, s strategy[T]) (v T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Str("field", field).Int("strategy", i).Interface("panic", r).Msg("字段策略异常，已跳过")
			var zero T
			v, ok = zero, false
		}
	}()
	return s(p)
}

// --- 合理性判定 ---

func nonBlank(s string) bool { return strings.TrimSpace(s) != "" }

func nonEmpty(s []string) bool { return len(s) > 0 }

func ratingInRange(v float64) bool { return v >= 0 && v <= 5 }

func inRange(lo, hi int) func(int) bool {
	return func(v int) bool { return v >= lo && v <= hi }
}

func longEnough(n int) func(string) bool {
	return func(s string) bool { return utf8.RuneCountInString(s) > n }
}

// --- 通用策略构造 ---

// linkText 取第一个匹配元素的文本。
func linkText(sel string) strategy[string] {
	return func(p *page) (string, bool) {
		t := normSpace(p.doc.Find(sel).First().Text())
		return t, t != ""
	}
}

// linkTexts 取所有匹配元素的文本（保序去重），keep 为额外过滤条件。
func linkTexts(sel string, keep func(string) bool) strategy[[]string] {
	return func(p *page) ([]string, bool) {
		var out []string
		p.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			out = append(out, normSpace(s.Text()))
		})
		out = uniq(out, keep)
		return out, len(out) > 0
	}
}

// selectorInt 对第一个匹配元素的文本应用正则，取第一个捕获组。
func selectorInt(sel string, re *regexp.Regexp) strategy[int] {
	return func(p *page) (int, bool) {
		var (
			n  int
			ok bool
		)
		p.doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			n, ok = matchInt(re, s.Text())
			return !ok
		})
		return n, ok
	}
}

func matchInt(re *regexp.Regexp, s string) (int, bool) {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

var floatRE = regexp.MustCompile(`(\d+(?:\.\d+)?)`)

func parseFloat(s string) (float64, bool) {
	m := floatRE.FindStringSubmatch(s)
	if len(m) != 2 {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	return f, err == nil
}

func uniq(in []string, keep func(string) bool) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = normSpace(s)
		if s == "" {
			continue
		}
		if keep != nil && !keep(s) {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

// printable 去掉不可打印字符（例如标题前的方向标记）。
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}
