package report

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

// ChartTopGenres 是图表里类型排行的长度。
const ChartTopGenres = 15

// runtimeBucketWidth 是片长直方图的分档宽度（分钟）；最后一档开放（180+）。
const (
	runtimeBucketWidth = 30
	runtimeBucketOpen  = 180
)

// Charts 是可视化接口使用的序列数据。
//
// 约束：
// - 所有序列按键升序（类型排行除外，按次数降序）。
// - Runtimes 是原始片长列表（升序），前端可自行分档。
type Charts struct {
	RatingDistribution  []RatingCount   `json:"rating_distribution"`
	FilmsByYear         []YearCount     `json:"films_by_year"`
	TopGenres           []Count         `json:"top_genres"`
	RuntimeDistribution []RuntimeBucket `json:"runtime_distribution"`
	Runtimes            []int           `json:"runtimes"`
}

type RatingCount struct {
	Rating float64 `json:"rating"`
	Count  int     `json:"count"`
}

type YearCount struct {
	Year  int `json:"year"`
	Count int `json:"count"`
}

// RuntimeBucket 覆盖 [From, To) 分钟；To=0 表示开放上界。
type RuntimeBucket struct {
	Label string `json:"label"`
	From  int    `json:"from"`
	To    int    `json:"to,omitempty"`
	Count int    `json:"count"`
}

// BuildCharts 从记录计算图表序列；个人评分与 Summarize 一样包含失败记录。
func BuildCharts(records []domain.FilmRecord) Charts {
	ratings := map[float64]int{}
	years := map[int]int{}
	genres := map[string]int{}
	c := Charts{
		RatingDistribution: []RatingCount{},
		FilmsByYear:        []YearCount{},
		Runtimes:           []int{},
	}

	for _, r := range records {
		if r.PersonalRating != nil {
			ratings[math.Round(*r.PersonalRating*2)/2]++
		}
		if r.Failed() {
			continue
		}
		if r.ReleaseYear != nil {
			years[*r.ReleaseYear]++
		}
		if r.RuntimeMinutes != nil && *r.RuntimeMinutes > 0 {
			c.Runtimes = append(c.Runtimes, *r.RuntimeMinutes)
		}
		tally(genres, r.Genres)
	}

	for v, n := range ratings {
		c.RatingDistribution = append(c.RatingDistribution, RatingCount{Rating: v, Count: n})
	}
	slices.SortFunc(c.RatingDistribution, func(a, b RatingCount) int { return cmp.Compare(a.Rating, b.Rating) })

	for y, n := range years {
		c.FilmsByYear = append(c.FilmsByYear, YearCount{Year: y, Count: n})
	}
	slices.SortFunc(c.FilmsByYear, func(a, b YearCount) int { return cmp.Compare(a.Year, b.Year) })

	slices.Sort(c.Runtimes)
	c.RuntimeDistribution = runtimeBuckets(c.Runtimes)
	c.TopGenres = top(genres, ChartTopGenres)
	return c
}

// runtimeBuckets 总是返回完整的分档（空档计数为 0），便于前端直接画图。
func runtimeBuckets(sorted []int) []RuntimeBucket {
	var out []RuntimeBucket
	for from := 0; from < runtimeBucketOpen; from += runtimeBucketWidth {
		out = append(out, RuntimeBucket{
			Label: fmt.Sprintf("%d-%d", from, from+runtimeBucketWidth-1),
			From:  from,
			To:    from + runtimeBucketWidth,
		})
	}
	out = append(out, RuntimeBucket{Label: fmt.Sprintf("%d+", runtimeBucketOpen), From: runtimeBucketOpen})

	for _, m := range sorted {
		i := min(m/runtimeBucketWidth, len(out)-1)
		out[i].Count++
	}
	return out
}
