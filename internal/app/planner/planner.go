// Package planner 决定本次运行需要抓取哪些影片（只做计算，不做任何 I/O）。
package planner

import (
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// 计划原因（写入日志与进度展示）。
const (
	ReasonNew      = "new"
	ReasonRetry    = "retry"
	ReasonRescrape = "rescrape"
)

// Policy 控制增量策略。
//
// 约束：
// - 默认只抓取 store 中不存在的 URL；失败记录视为已处理
// - RetryFailed 额外重抓失败记录；RescrapeAll 重抓片单中的全部 URL
// - MaxFilms>0 时截断本次批量（按片单顺序），其余留到下次运行
type Policy struct {
	RescrapeAll bool
	RetryFailed bool
	MaxFilms    int
}

// Job 是一次详情页抓取任务。
type Job struct {
	URL            string
	Title          string
	PersonalRating *float64
	Reason         string
}

// Plan 是确定性的执行计划。
type Plan struct {
	Jobs     []Job
	Resolved int // 已有且无需重抓
	Deferred int // 因 MaxFilms 截断而推迟
}

// Build 基于片单与已存记录生成计划；Jobs 保持片单顺序且按规范化 URL 去重。
func Build(entries []domain.ListingEntry, existing []domain.FilmRecord, p Policy) Plan {
	stored := make(map[string]domain.FilmRecord, len(existing))
	for _, r := range existing {
		stored[slug.Key(r.URL)] = r
	}

	var plan Plan
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		k := slug.Key(e.URL)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		reason, need := decide(stored, k, p)
		if !need {
			plan.Resolved++
			continue
		}
		if p.MaxFilms > 0 && len(plan.Jobs) >= p.MaxFilms {
			plan.Deferred++
			continue
		}
		plan.Jobs = append(plan.Jobs, Job{
			URL:            e.URL,
			Title:          e.Title,
			PersonalRating: e.PersonalRating,
			Reason:         reason,
		})
	}
	return plan
}

func decide(stored map[string]domain.FilmRecord, key string, p Policy) (string, bool) {
	r, ok := stored[key]
	switch {
	case !ok:
		return ReasonNew, true
	case p.RescrapeAll:
		return ReasonRescrape, true
	case p.RetryFailed && r.Failed():
		return ReasonRetry, true
	default:
		return "", false
	}
}

// URLs 返回计划中的全部 URL（按计划顺序）。
func (p Plan) URLs() []string {
	out := make([]string, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		out = append(out, j.URL)
	}
	return out
}
