// Package report 从已落盘的记录计算汇总统计（stats 命令的数据来源）。
package report

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

// DefaultTopN 是 top 列表的默认长度。
const DefaultTopN = 10

// Stats 是一个用户全部记录的汇总。
//
// 约束：
// - 均值只统计有值的记录；没有任何值时为 nil（JSON 输出 null）。
// - 评分分布按 0.5 分档，键为 "0.5".."5.0"，只包含出现过的档位。
// - Top 列表按次数降序，次数相同按名称升序（输出稳定）。
type Stats struct {
	// Listed 是最近一次片单快照中的影片数（由调用方填写；没有快照时为 0）。
	Listed  int `json:"listed"`
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`

	WithAverageRating  int      `json:"with_average_rating"`
	MeanAverageRating  *float64 `json:"mean_average_rating"`
	WithPersonalRating int      `json:"with_personal_rating"`
	MeanPersonalRating *float64 `json:"mean_personal_rating"`

	RuntimeMinutesTotal int `json:"runtime_minutes_total"`

	PersonalRatingDistribution map[string]int `json:"personal_rating_distribution"`
	FilmsPerDecade             map[string]int `json:"films_per_decade"`

	TopGenres    []Count `json:"top_genres"`
	TopDirectors []Count `json:"top_directors"`
	TopActors    []Count `json:"top_actors"`
}

// Count 是 top 列表中的一项。
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summarize 计算统计；topN<=0 时使用 DefaultTopN。
// 失败记录只贡献 Total/Failed 与个人评分（个人评分来自片单，与详情抓取无关）。
func Summarize(records []domain.FilmRecord, topN int) Stats {
	if topN <= 0 {
		topN = DefaultTopN
	}
	s := Stats{
		Total:                      len(records),
		PersonalRatingDistribution: map[string]int{},
		FilmsPerDecade:             map[string]int{},
	}

	var avgSum, personalSum float64
	genres := map[string]int{}
	directors := map[string]int{}
	actors := map[string]int{}

	for _, r := range records {
		if r.PersonalRating != nil {
			s.WithPersonalRating++
			personalSum += *r.PersonalRating
			s.PersonalRatingDistribution[ratingBucket(*r.PersonalRating)]++
		}
		if r.Failed() {
			s.Failed++
			continue
		}
		s.Success++

		if r.AverageRating != nil {
			s.WithAverageRating++
			avgSum += *r.AverageRating
		}
		if r.RuntimeMinutes != nil {
			s.RuntimeMinutesTotal += *r.RuntimeMinutes
		}
		if r.ReleaseYear != nil {
			s.FilmsPerDecade[decade(*r.ReleaseYear)]++
		}
		tally(genres, r.Genres)
		tally(directors, r.Directors)
		tally(actors, r.Actors)
	}

	s.MeanAverageRating = mean(avgSum, s.WithAverageRating)
	s.MeanPersonalRating = mean(personalSum, s.WithPersonalRating)
	s.TopGenres = top(genres, topN)
	s.TopDirectors = top(directors, topN)
	s.TopActors = top(actors, topN)
	return s
}

// ratingBucket 把评分就近归到 0.5 档。
func ratingBucket(v float64) string {
	b := math.Round(v*2) / 2
	b = math.Max(0.5, math.Min(5, b))
	return strconv.FormatFloat(b, 'f', 1, 64)
}

func decade(year int) string {
	return strconv.Itoa(year/10*10) + "s"
}

func tally(m map[string]int, names []string) {
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			m[n]++
		}
	}
}

func mean(sum float64, n int) *float64 {
	if n == 0 {
		return nil
	}
	v := math.Round(sum/float64(n)*100) / 100
	return &v
}

func top(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Name: k, Count: v})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// WriteText 输出给终端看的简版统计（stats 命令在 TTY 下使用）。
func WriteText(w io.Writer, username string, s Stats) error {
	var b strings.Builder
	fmt.Fprintf(&b, "用户：%s\n", username)
	if s.Listed > 0 {
		fmt.Fprintf(&b, "片单：%d 部\n", s.Listed)
	}
	fmt.Fprintf(&b, "影片：%d（成功 %d，失败 %d）\n", s.Total, s.Success, s.Failed)
	fmt.Fprintf(&b, "站点均分：%s（%d 部有评分）\n", fmtMean(s.MeanAverageRating), s.WithAverageRating)
	fmt.Fprintf(&b, "个人均分：%s（%d 部有评分）\n", fmtMean(s.MeanPersonalRating), s.WithPersonalRating)
	fmt.Fprintf(&b, "总片长：%.1f 小时\n", float64(s.RuntimeMinutesTotal)/60)

	if len(s.PersonalRatingDistribution) > 0 {
		b.WriteString("个人评分分布：\n")
		keys := make([]string, 0, len(s.PersonalRatingDistribution))
		for k := range s.PersonalRatingDistribution {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s  %d\n", k, s.PersonalRatingDistribution[k])
		}
	}
	if len(s.FilmsPerDecade) > 0 {
		b.WriteString("年代分布：\n")
		keys := make([]string, 0, len(s.FilmsPerDecade))
		for k := range s.FilmsPerDecade {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s  %d\n", k, s.FilmsPerDecade[k])
		}
	}
	writeTop(&b, "类型", s.TopGenres)
	writeTop(&b, "导演", s.TopDirectors)
	writeTop(&b, "演员", s.TopActors)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeTop(b *strings.Builder, label string, cs []Count) {
	if len(cs) == 0 {
		return
	}
	fmt.Fprintf(b, "常见%s：\n", label)
	for _, c := range cs {
		fmt.Fprintf(b, "  %-28s %d\n", c.Name, c.Count)
	}
}

func fmtMean(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
