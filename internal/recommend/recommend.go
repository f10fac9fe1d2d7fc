// Package recommend 基于用户已评分影片的“口味画像”给候选影片打分。
package recommend

import (
	"context"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

// Prefs 是一次推荐的参数；零值字段使用默认值。
type Prefs struct {
	// TopN 是返回条数上限（<=0 使用 DefaultTopN）。
	TopN int
	// MinAverageRating>0 时过滤掉站点均分低于该值（或没有均分）的候选。
	MinAverageRating float64
}

const DefaultTopN = 10

// Recommendation 是一条推荐结果。
type Recommendation struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	ReleaseYear   *int     `json:"release_year"`
	AverageRating *float64 `json:"average_rating"`
	Score         float64  `json:"score"`
	Reasons       []string `json:"reasons"`
}

// Scorer 把候选影片按与 rated 的匹配程度排序。
//
// 约束：
// - rated 中已出现的影片（按规范化 URL）不会出现在结果中。
// - 结果按 Score 降序；Score 相同按标题升序。
// - ctx 取消时返回已完成部分的排序结果。
type Scorer interface {
	Score(ctx context.Context, rated, candidates []domain.FilmRecord, prefs Prefs) []Recommendation
}

// FromMinimal 把精简投影转成打分输入；没有任何可打分字段的条目（例如失败记录）被跳过。
func FromMinimal(ms []domain.MinimalRecord) []domain.FilmRecord {
	out := make([]domain.FilmRecord, 0, len(ms))
	for _, m := range ms {
		if len(m.Genres) == 0 && len(m.Directors) == 0 && len(m.Actors) == 0 && m.AverageRating == nil {
			continue
		}
		out = append(out, m.Record())
	}
	return out
}
