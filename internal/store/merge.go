// Package store 负责影片记录的合并与持久化。
package store

import (
	"sort"
	"strings"

	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// MergeInto 以规范化 URL 为键把 fresh 合并进 existing，返回新切片（不修改入参）。
//
// 约束：
// - 同键后写覆盖先写（fresh 覆盖 existing，fresh 内部同样后者胜出）
// - fresh 的 personal_rating 为空时保留旧记录的 personal_rating
// - 输出按标题（忽略大小写）排序，标题相同按 URL 排序
func MergeInto(existing, fresh []domain.FilmRecord) []domain.FilmRecord {
	byKey := make(map[string]domain.FilmRecord, len(existing)+len(fresh))
	for _, r := range existing {
		k := slug.Key(r.URL)
		if k == "" {
			continue
		}
		byKey[k] = r
	}
	for _, r := range fresh {
		k := slug.Key(r.URL)
		if k == "" {
			continue
		}
		if prev, ok := byKey[k]; ok && r.PersonalRating == nil && prev.PersonalRating != nil {
			v := *prev.PersonalRating
			r.PersonalRating = &v
		}
		byKey[k] = r
	}

	out := make([]domain.FilmRecord, 0, len(byKey))
	for _, r := range byKey {
		r.Normalize()
		out = append(out, r)
	}
	SortRecords(out)
	return out
}

// SortRecords 按标题（忽略大小写）再按 URL 稳定排序。
func SortRecords(rs []domain.FilmRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := strings.ToLower(rs[i].Title), strings.ToLower(rs[j].Title)
		if a != b {
			return a < b
		}
		return rs[i].URL < rs[j].URL
	})
}

// RefreshRatings 用当前片单的个人评分刷新已存记录（片单是个人评分的唯一来源）。
// 片单中没有评分的条目不会清空已有评分。返回被更新的记录数。
func RefreshRatings(records []domain.FilmRecord, listing []domain.ListingEntry) int {
	ratings := make(map[string]float64, len(listing))
	for _, e := range listing {
		if e.PersonalRating != nil {
			ratings[slug.Key(e.URL)] = *e.PersonalRating
		}
	}
	n := 0
	for i := range records {
		v, ok := ratings[slug.Key(records[i].URL)]
		if !ok {
			continue
		}
		if records[i].PersonalRating != nil && *records[i].PersonalRating == v {
			continue
		}
		records[i].PersonalRating = &v
		n++
	}
	return n
}
