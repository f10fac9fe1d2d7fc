package catalogue

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// LazyPosterSelector 是脚本渲染版列表页的影片容器；浏览器重扫时也用它作为等待标记。
const LazyPosterSelector = "div.react-component[data-component-class='LazyPoster']"

// containerSelectors 按优先级排列：站点结构多次调整过，第一个有命中的选择器胜出。
var containerSelectors = []string{
	LazyPosterSelector,
	"li.poster-container",
	"li[data-film-id]",
	"li.griditem",
	"div.film-poster",
}

var linkSelectors = []string{
	"a.frame",
	"div.film-poster a",
	"a[href*='/film/']",
	"a",
}

var (
	pageNumRE = regexp.MustCompile(`/page/(\d+)/`)
	ratedRE   = regexp.MustCompile(`^rated-(\d{1,2})$`)
)

// MaxPage 返回分页链接中出现的最大页码；没有分页时为 1。
func MaxPage(html []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return 1
	}
	max := 1
	doc.Find(`a[href*="/films/page/"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		m := pageNumRE.FindStringSubmatch(href)
		if len(m) != 2 {
			return
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	})
	return max
}

// ParsePage 从单个列表页中解析影片条目（按页面出现顺序，未去重）。
func ParsePage(html []byte, base string) []domain.ListingEntry {
	if len(html) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	var containers *goquery.Selection
	for _, sel := range containerSelectors {
		if s := doc.Find(sel); s.Length() > 0 {
			containers = s
			break
		}
	}
	if containers == nil {
		return nil
	}

	out := make([]domain.ListingEntry, 0, containers.Length())
	containers.Each(func(_ int, c *goquery.Selection) {
		e, ok := parseContainer(c, base)
		if ok {
			out = append(out, e)
		}
	})
	return out
}

func parseContainer(c *goquery.Selection, base string) (domain.ListingEntry, bool) {
	link := firstMatch(c, linkSelectors)

	href := containerAttr(c, "data-item-link", "data-target-link", "data-film-link")
	if href == "" && link != nil {
		href, _ = link.Attr("href")
	}
	u := slug.Resolve(base, href)
	if u == "" {
		return domain.ListingEntry{}, false
	}
	if n, err := slug.NormalizeFilmURL(u); err == nil {
		u = n
	} else {
		return domain.ListingEntry{}, false
	}

	title := containerAttr(c, "data-item-name", "data-film-name")
	if title == "" && link != nil {
		title = firstAttr(link, "data-original-title", "title")
	}
	if title == "" {
		if alt, ok := c.Find("img").First().Attr("alt"); ok {
			title = normSpace(alt)
		}
	}
	if title == "" && link != nil {
		title = normSpace(link.Text())
	}
	if title == "" {
		title = slug.TitleFromURL(u)
	}

	return domain.ListingEntry{
		URL:            u,
		Title:          title,
		PersonalRating: personalRating(c),
	}, true
}

// personalRating 在容器内查找 rated-N；脚本渲染版的评分在容器外（同一个 li 下）。
func personalRating(c *goquery.Selection) *float64 {
	if r := ratingIn(c); r != nil {
		return r
	}
	if li := c.Closest("li"); li.Length() > 0 {
		return ratingIn(li)
	}
	return nil
}

func ratingIn(s *goquery.Selection) *float64 {
	var out *float64
	s.Find("[class*='rated-']").EachWithBreak(func(_ int, el *goquery.Selection) bool {
		if v, ok := RatingFromClass(el.AttrOr("class", "")); ok {
			out = &v
			return false
		}
		return true
	})
	return out
}

// RatingFromClass 从 class 列表中解析 rated-N（10 分制）并换算为 5 分制。
func RatingFromClass(class string) (float64, bool) {
	for _, c := range strings.Fields(class) {
		m := ratedRE.FindStringSubmatch(c)
		if len(m) != 2 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > 10 {
			continue
		}
		return float64(n) / 2, true
	}
	return 0, false
}

func firstMatch(s *goquery.Selection, sels []string) *goquery.Selection {
	for _, sel := range sels {
		if m := s.Find(sel).First(); m.Length() > 0 {
			return m
		}
	}
	return nil
}

// containerAttr 先查容器本身，再查其内层海报节点（旧版布局把 data-* 放在 li 内的 div 上）。
func containerAttr(c *goquery.Selection, names ...string) string {
	if v := firstAttr(c, names...); v != "" {
		return v
	}
	return firstAttr(c.Find("div.film-poster, div[data-target-link], div[data-item-link]").First(), names...)
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok {
			if v = normSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
