// Package catalogue 负责发现用户片单中的全部影片条目（分页列表页 → ListingEntry）。
package catalogue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

const (
	DefaultBaseURL = "https://letterboxd.com"
	DefaultWorkers = 10
)

var usernameRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrInvalidUsername 表示用户名为空或包含非法字符。
var ErrInvalidUsername = errors.New("用户名非法")

// Fetcher 获取单个列表页的 HTML。
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// Discoverer 枚举一个用户的全部已看影片。
//
// 约束：
// - Fetch 必填；Browser 可选，仅在 HTTP 结果为空时做一次整体重扫。
// - MaxPages<=0 表示不限制页数。
type Discoverer struct {
	Fetch    Fetcher
	Browser  Fetcher
	BaseURL  string
	Workers  int
	MaxPages int
}

// ValidUsername 校验用户名（只允许字母、数字、下划线）。
func ValidUsername(u string) bool { return usernameRE.MatchString(u) }

// PageURL 返回第 page 页的列表地址；page<=1 时为片单首页。
func PageURL(base, username string, page int) string {
	base = strings.TrimRight(base, "/")
	if page <= 1 {
		return fmt.Sprintf("%s/%s/films/", base, username)
	}
	return fmt.Sprintf("%s/%s/films/page/%d/", base, username, page)
}

// Discover 返回去重后的条目（按页序、页内出现顺序）。
func (d Discoverer) Discover(ctx context.Context, username string) ([]domain.ListingEntry, error) {
	username = strings.TrimSpace(username)
	if !ValidUsername(username) {
		return nil, fmt.Errorf("%w：%q", ErrInvalidUsername, username)
	}
	if d.Fetch == nil {
		return nil, fmt.Errorf("catalogue: Fetch 不能为空")
	}

	entries, err := d.scan(ctx, d.Fetch, username)
	if err == nil && len(entries) > 0 {
		return entries, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if d.Browser == nil {
		if err != nil {
			return nil, err
		}
		return entries, nil
	}

	log.Info().Str("user", username).Err(err).Msg("HTTP 列表为空，使用浏览器重扫")
	bEntries, bErr := d.scan(ctx, d.Browser, username)
	if bErr != nil {
		if err != nil {
			return nil, fmt.Errorf("列表获取失败：%w", errors.Join(err, bErr))
		}
		return nil, bErr
	}
	return bEntries, nil
}

func (d Discoverer) scan(ctx context.Context, fetch Fetcher, username string) ([]domain.ListingEntry, error) {
	base := d.BaseURL
	if strings.TrimSpace(base) == "" {
		base = DefaultBaseURL
	}
	workers := d.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	first, err := fetch(ctx, PageURL(base, username, 1))
	if err != nil {
		return nil, fmt.Errorf("获取片单首页失败：%w", err)
	}

	pages := MaxPage(first)
	if d.MaxPages > 0 && pages > d.MaxPages {
		pages = d.MaxPages
	}

	perPage := make([][]domain.ListingEntry, pages)
	perPage[0] = ParsePage(first, base)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for p := 2; p <= pages; p++ {
		g.Go(func() error {
			u := PageURL(base, username, p)
			html, err := fetch(gctx, u)
			if err != nil {
				// 单页失败不影响其它页。
				log.Warn().Str("url", u).Err(err).Msg("列表页获取失败")
				return nil
			}
			perPage[p-1] = ParsePage(html, base)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []domain.ListingEntry
	for _, es := range perPage {
		all = append(all, es...)
	}
	out := Dedup(all)
	log.Debug().Str("user", username).Int("pages", pages).Int("films", len(out)).Msg("片单扫描完成")
	return out, nil
}

// Dedup 按规范化 URL 去重：先出现者保留；后出现条目的评分可补齐缺失的评分。
func Dedup(in []domain.ListingEntry) []domain.ListingEntry {
	out := make([]domain.ListingEntry, 0, len(in))
	idx := make(map[string]int, len(in))
	for _, e := range in {
		k := slug.Key(e.URL)
		if k == "" {
			continue
		}
		if i, ok := idx[k]; ok {
			if out[i].PersonalRating == nil && e.PersonalRating != nil {
				out[i].PersonalRating = e.PersonalRating
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, e)
	}
	return out
}
