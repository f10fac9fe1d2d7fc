package recommend

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// ContentScorer 是基于内容的打分器：
//
//	score = w_genre*genre + w_director*director + w_actor*actor + w_decade*decade + w_rating*community
//
// 每一项都是候选影片特征在口味画像中的权重和（画像各维度归一化到和为 1）。
// community 是站点均分 /5。
type ContentScorer struct {
	GenreWeight    float64
	DirectorWeight float64
	ActorWeight    float64
	DecadeWeight   float64
	RatingWeight   float64

	// LikedThreshold 是“喜欢”的最低个人评分；实际阈值取它与已评分 70 分位数中的较大者。
	LikedThreshold float64
}

// NewContentScorer 返回默认权重的打分器。
func NewContentScorer() ContentScorer {
	return ContentScorer{
		GenreWeight:    0.35,
		DirectorWeight: 0.25,
		ActorWeight:    0.15,
		DecadeWeight:   0.05,
		RatingWeight:   0.20,
		LikedThreshold: 4.0,
	}
}

var _ Scorer = ContentScorer{}

// profile 是用户偏好画像（键统一小写）。
type profile struct {
	genres    map[string]float64
	directors map[string]float64
	actors    map[string]float64
	decades   map[int]float64
	liked     int
}

func (c ContentScorer) Score(ctx context.Context, rated, candidates []domain.FilmRecord, prefs Prefs) []Recommendation {
	topN := prefs.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}

	seen := make(map[string]struct{}, len(rated))
	for _, r := range rated {
		seen[slug.Key(r.URL)] = struct{}{}
	}
	prof := c.buildProfile(rated)

	out := make([]Recommendation, 0, len(candidates))
	emitted := make(map[string]struct{}, len(candidates))
	for _, f := range candidates {
		if ctx.Err() != nil {
			break
		}
		k := slug.Key(f.URL)
		if _, ok := seen[k]; ok {
			continue
		}
		if _, ok := emitted[k]; ok {
			continue
		}
		if f.Failed() {
			continue
		}
		if prefs.MinAverageRating > 0 && (f.AverageRating == nil || *f.AverageRating < prefs.MinAverageRating) {
			continue
		}
		emitted[k] = struct{}{}

		score, reasons := c.score(prof, f)
		out = append(out, Recommendation{
			URL:           f.URL,
			Title:         f.Title,
			ReleaseYear:   f.ReleaseYear,
			AverageRating: f.AverageRating,
			Score:         math.Round(score*1000) / 1000,
			Reasons:       reasons,
		})
	}

	slices.SortStableFunc(out, func(a, b Recommendation) int {
		if n := cmp.Compare(b.Score, a.Score); n != 0 {
			return n
		}
		return cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// buildProfile 只用“喜欢”的影片构建画像，权重为个人评分。
func (c ContentScorer) buildProfile(rated []domain.FilmRecord) profile {
	p := profile{
		genres:    map[string]float64{},
		directors: map[string]float64{},
		actors:    map[string]float64{},
		decades:   map[int]float64{},
	}

	threshold := likedThreshold(rated, c.LikedThreshold)
	for _, r := range rated {
		if r.PersonalRating == nil || r.Failed() || *r.PersonalRating < threshold {
			continue
		}
		w := *r.PersonalRating
		p.liked++
		addAll(p.genres, r.Genres, w)
		addAll(p.directors, r.Directors, w)
		addAll(p.actors, r.Actors, w)
		if r.ReleaseYear != nil {
			p.decades[*r.ReleaseYear/10*10] += w
		}
	}

	normalize(p.genres)
	normalize(p.directors)
	normalize(p.actors)
	normalize(p.decades)
	return p
}

// likedThreshold = max(floor, 已评分的 70 分位数)。
func likedThreshold(rated []domain.FilmRecord, floor float64) float64 {
	var rs []float64
	for _, r := range rated {
		if r.PersonalRating != nil && !r.Failed() {
			rs = append(rs, *r.PersonalRating)
		}
	}
	if len(rs) == 0 {
		return floor
	}
	slices.Sort(rs)
	q := rs[int(math.Ceil(0.7*float64(len(rs))))-1]
	return math.Max(floor, q)
}

func (c ContentScorer) score(p profile, f domain.FilmRecord) (float64, []string) {
	var reasons []string
	var s float64

	g, gm := match(p.genres, f.Genres)
	s += c.GenreWeight * g
	if len(gm) > 0 {
		reasons = append(reasons, "你偏爱的类型："+strings.Join(head(gm, 3), ", "))
	}
	d, dm := match(p.directors, f.Directors)
	s += c.DirectorWeight * d
	if len(dm) > 0 {
		reasons = append(reasons, "你喜欢的导演："+strings.Join(head(dm, 2), ", "))
	}
	a, am := match(p.actors, f.Actors)
	s += c.ActorWeight * a
	if len(am) > 0 {
		reasons = append(reasons, "你喜欢的演员："+strings.Join(head(am, 2), ", "))
	}
	if f.ReleaseYear != nil {
		dec := *f.ReleaseYear / 10 * 10
		if w, ok := p.decades[dec]; ok {
			s += c.DecadeWeight * w
		}
	}
	if f.AverageRating != nil {
		s += c.RatingWeight * math.Min(*f.AverageRating, 5) / 5
		if *f.AverageRating >= 3.5 {
			reasons = append(reasons, fmt.Sprintf("站点评分较高：%.1f/5", *f.AverageRating))
		}
	}

	if len(reasons) == 0 {
		if p.liked == 0 {
			reasons = []string{"暂无高分记录，按站点评分排序"}
		} else {
			reasons = []string{"与你的观影记录整体相近"}
		}
	}
	return s, reasons
}

// match 返回特征在画像中的权重和，以及命中的原始名称（按画像权重降序）。
func match(pref map[string]float64, names []string) (float64, []string) {
	if len(pref) == 0 || len(names) == 0 {
		return 0, nil
	}
	type hit struct {
		name string
		w    float64
	}
	var hits []hit
	var sum float64
	for _, n := range names {
		if w, ok := pref[strings.ToLower(strings.TrimSpace(n))]; ok {
			sum += w
			hits = append(hits, hit{n, w})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(b.w, a.w) })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.name)
	}
	return sum, out
}

func addAll(m map[string]float64, names []string, w float64) {
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			m[n] += w
		}
	}
}

func normalize[K comparable](m map[K]float64) {
	var sum float64
	for _, v := range m {
		sum += v
	}
	if sum > 0 {
		for k := range m {
			m[k] /= sum
		}
	}
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
