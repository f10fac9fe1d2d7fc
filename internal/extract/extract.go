// Package extract 把影片详情页 HTML 解析为结构化字段。
//
// 每个字段是一组按优先级排列的纯策略：第一个产出非空且合理值的策略胜出；
// 单个策略 panic 只会让该策略失效，不会让整条记录失败。
package extract

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

// ErrStructureMismatch 表示页面不像影片详情页（重试也不会改变页面形态）。
var ErrStructureMismatch = errors.New("页面结构不符合影片详情页")

// Fields 是详情页可提取的全部字段（不含 personal_rating，它只来自片单列表）。
type Fields struct {
	Title           string
	ReleaseYear     *int
	RuntimeMinutes  *int
	Genres          []string
	Directors       []string
	Actors          []string
	Studios         []string
	Language        string
	Countries       []string
	Writers         []string
	Composer        string
	Cinematographer string
	AverageRating   *float64
	Description     string
}

// Extract 校验页面结构并逐字段提取。
// 只有结构校验失败时返回 ErrStructureMismatch；字段缺失一律留空。
func Extract(html []byte) (Fields, error) {
	if len(bytes.TrimSpace(html)) == 0 {
		return Fields{}, ErrStructureMismatch
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Fields{}, err
	}
	if !looksLikeFilmPage(doc) {
		return Fields{}, ErrStructureMismatch
	}

	p := &page{doc: doc}
	f := Fields{
		Title:           firstOf(p, "title", plausibleTitle, titleStrategies...),
		ReleaseYear:     intPtr(firstOf(p, "release_year", inRange(1870, 2100), yearStrategies...)),
		RuntimeMinutes:  intPtr(firstOf(p, "runtime", inRange(1, 1500), runtimeStrategies...)),
		Genres:          capList(firstOf(p, "genres", nonEmpty, genreStrategies...), domain.MaxGenres),
		Directors:       capList(firstOf(p, "directors", nonEmpty, directorStrategies...), domain.MaxDirectors),
		Actors:          capList(firstOf(p, "actors", nonEmpty, actorStrategies...), domain.MaxActors),
		Studios:         firstOf(p, "studios", nonEmpty, studioStrategies...),
		Language:        firstOf(p, "language", nonBlank, languageStrategies...),
		Countries:       firstOf(p, "countries", nonEmpty, countryStrategies...),
		Writers:         capList(firstOf(p, "writers", nonEmpty, writerStrategies...), domain.MaxWriters),
		Composer:        firstOf(p, "composer", nonBlank, linkText("a[href*='/composer/']")),
		Cinematographer: firstOf(p, "cinematographer", nonBlank, linkText("a[href*='/cinematography/']")),
		Description:     truncateRunes(firstOf(p, "description", longEnough(10), descriptionStrategies...), domain.MaxDescriptionRunes),
	}
	if f.Title == "" {
		f.Title = domain.DefaultTitleFallback
	}
	if r, ok := firstOfOK(p, "average_rating", ratingInRange, ratingStrategies...); ok {
		f.AverageRating = &r
	}
	return f, nil
}

// Record 把字段组装为成功记录。
func (f Fields) Record(url string, now time.Time) domain.FilmRecord {
	r := domain.FilmRecord{
		URL:             url,
		Title:           f.Title,
		ReleaseYear:     f.ReleaseYear,
		RuntimeMinutes:  f.RuntimeMinutes,
		Genres:          f.Genres,
		Directors:       f.Directors,
		Actors:          f.Actors,
		Studios:         f.Studios,
		Language:        f.Language,
		Countries:       f.Countries,
		Writers:         f.Writers,
		Composer:        f.Composer,
		Cinematographer: f.Cinematographer,
		AverageRating:   f.AverageRating,
		Description:     f.Description,
		ScrapeStatus:    domain.ScrapeStatusSuccess,
		LastScraped:     now.UTC(),
	}
	r.Normalize()
	return r
}

// looksLikeFilmPage：<title> 含站点标记，或存在 h1 / 影片头部元素。
func looksLikeFilmPage(doc *goquery.Document) bool {
	t := doc.Find("title").First().Text()
	if strings.Contains(t, "directed by") || strings.Contains(t, "Letterboxd") {
		return true
	}
	return doc.Find("h1").Length() > 0 || doc.Find(".film-header").Length() > 0
}

func intPtr(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func capList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
