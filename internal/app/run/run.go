package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/John-Robertt/boxdharvest/internal/app/planner"
	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/catalogue"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/extract"
	"github.com/John-Robertt/boxdharvest/internal/fetch"
	"github.com/John-Robertt/boxdharvest/internal/infra/cache"
	"github.com/John-Robertt/boxdharvest/internal/pool"
	"github.com/John-Robertt/boxdharvest/internal/slug"
	"github.com/John-Robertt/boxdharvest/internal/store"
)

// 详情页等待的元素：标题必须出现；评分区块是可选的二次等待。
const (
	detailWaitSelector     = "h1.filmtitle, h1.headline-1, section.film-header h1"
	detailOptionalSelector = ".film-poster[data-average-rating], .average-rating, meta[name='twitter:data2']"
	listingWaitTimeout     = 8 * time.Second
)

// 通过可替换的函数指针，让测试能跳过退避睡眠并固定时间。
var (
	sleepFn  = fetch.SleepContext
	jitterFn = fetch.DefaultJitter
	nowFn    = time.Now
)

// Execute 执行一次抓取 run，并返回对外稳定的 RunReport。
// 该函数尽量把错误“降级”为 item 级失败（单条失败不影响其他）。
func Execute(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, username, reg, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
//
// 流程：discover -> 写片单快照 -> plan -> 抓取（pool + 编排器 + extract）-> merge -> 持久化。
// 取消时：停止派发，等待在途任务收敛，然后照常合并与持久化（不丢已完成的结果）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry, obs Observer) domain.RunReport {
	started := nowFn()
	if obs != nil {
		obs.OnStart(eff, username)
	}

	rr := domain.NewRunReport(username, eff.OutDir, started)
	finish := func() domain.RunReport {
		rr.FinishedAt = nowFn().UTC()
		if ctx.Err() != nil {
			rr.Interrupted = true
		}
		rr.Finalize()
		return rr
	}

	if !catalogue.ValidUsername(username) {
		rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeConfigInvalid, fmt.Sprintf("用户名非法：%q（只允许字母、数字、下划线）", username)))
		return finish()
	}

	paths := store.Paths(eff.OutDir, username)
	var persister store.Persister = store.FileStore{}

	loadStarted := nowFn()
	existing, err := persister.Load(paths.Detailed)
	if err != nil {
		// 已有快照损坏时不继续：否则本次写回会覆盖掉历史记录。
		rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("读取已有记录失败：%v", err)))
		return finish()
	}
	if obs != nil {
		obs.OnPhaseDone("load", map[string]any{"records": len(existing)}, time.Since(loadStarted))
	}

	discoverStarted := nowFn()
	disc := newDiscoverer(eff, reg)
	entries, err := disc.Discover(ctx, username)
	if err != nil {
		if ctx.Err() != nil {
			rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeCancelled, "片单扫描被中断"))
		} else {
			rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeDiscoverFailed, humanizeDiscoverError(err)))
		}
		return finish()
	}
	rr.Discovered = len(entries)
	if obs != nil {
		obs.OnPhaseDone("discover", map[string]any{"films": len(entries)}, time.Since(discoverStarted))
	}

	if err := store.SaveListing(paths.Listing, entries); err != nil {
		rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("写入片单快照失败：%v", err)))
	}

	planStarted := nowFn()
	plan := planner.Build(entries, existing, planner.Policy{
		RescrapeAll: eff.Scrape.Rescrape,
		RetryFailed: eff.Scrape.RetryFailed,
		MaxFilms:    eff.Scrape.MaxFilms,
	})
	log.Debug().Int("jobs", len(plan.Jobs)).Strs("urls", plan.URLs()).Msg("抓取计划")
	if obs != nil {
		obs.OnPhaseDone("plan", map[string]any{
			"listed":   len(entries),
			"jobs":     len(plan.Jobs),
			"resolved": plan.Resolved,
			"deferred": plan.Deferred,
		}, time.Since(planStarted))
	}

	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"mode":        string(eff.Mode),
			"workers":     eff.Scrape.Workers,
			"total_items": len(plan.Jobs),
		}, 0)
	}

	s := &scraper{
		orch:  newDetailOrchestrator(eff, reg),
		opt:   detailOptions(eff),
		cache: pageCache(eff),
	}
	results, sum := pool.Run(ctx, controller(eff, reg), plan.Jobs, s.scrape, recoverJob,
		func(done, total int, o outcome) {
			if obs != nil {
				obs.OnItemDone(done, total, o.item, o.dur)
			}
		})

	fresh := make([]domain.FilmRecord, 0, len(results))
	finished := make(map[int]struct{}, len(results))
	for _, r := range results {
		finished[r.Index] = struct{}{}
		fresh = append(fresh, r.Value.record)
		rr.Items = append(rr.Items, r.Value.item)
	}
	// 未派发的任务：不生成记录（下次运行仍会被计划），只在报告中标记 skipped。
	for i, j := range plan.Jobs {
		if _, ok := finished[i]; ok {
			continue
		}
		rr.Items = append(rr.Items, domain.ItemResult{
			URL:       j.URL,
			Title:     j.Title,
			Status:    domain.StatusSkipped,
			ErrorCode: domain.ErrCodeCancelled,
			ErrorMsg:  domain.ReasonCancelled,
			Attempts:  []domain.Attempt{},
		})
	}
	rr.Interrupted = sum.Interrupted

	persistStarted := nowFn()
	merged := store.MergeInto(existing, fresh)
	refreshed := store.RefreshRatings(merged, entries)
	if err := persister.Save(paths.Detailed, merged); err != nil {
		rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("写入记录失败：%v", err)))
	} else {
		rr.Stored = len(merged)
	}
	if err := store.SaveMinimal(paths.Minimal, merged); err != nil {
		rr.Items = append(rr.Items, syntheticFailed(domain.ErrCodeIOFailed, fmt.Sprintf("写入精简记录失败：%v", err)))
	}
	if obs != nil {
		obs.OnPhaseDone("persist", map[string]any{
			"records":         len(merged),
			"fresh":           len(fresh),
			"ratings_updated": refreshed,
		}, time.Since(persistStarted))
	}

	return finish()
}

// outcome 是单个抓取任务的产出：一条记录 + 一条报告条目。
type outcome struct {
	record domain.FilmRecord
	item   domain.ItemResult
	dur    time.Duration
}

type scraper struct {
	orch  *fetch.Orchestrator
	opt   backend.Options
	cache *cache.Store
}

func (s *scraper) scrape(ctx context.Context, j planner.Job) outcome {
	started := nowFn()
	item := domain.ItemResult{
		URL:      j.URL,
		Title:    j.Title,
		Status:   domain.StatusScraped,
		Attempts: []domain.Attempt{},
	}
	fail := func(code, reason, msg string) outcome {
		item.Status = domain.StatusFailed
		item.ErrorCode = code
		item.ErrorMsg = msg
		return outcome{
			record: domain.NewFailedRecord(j.URL, slug.TitleFromURL(j.URL), reason, nowFn()),
			item:   item,
			dur:    time.Since(started),
		}
	}

	res, err := s.orch.Fetch(ctx, j.URL, s.opt)
	item.Attempts = append(item.Attempts, res.Attempts...)
	item.BackendUsed = string(res.Backend)
	if err != nil {
		switch {
		case errors.Is(err, backend.ErrInvalidURL):
			return fail(domain.ErrCodeInvalidURL, domain.ReasonInvalidURL, err.Error())
		case errors.Is(err, context.Canceled):
			return fail(domain.ErrCodeCancelled, domain.ReasonCancelled, domain.ReasonCancelled)
		default:
			return fail(domain.ErrCodeFetchFailed, domain.ReasonFetchFailed, humanizeFetchError(err))
		}
	}

	if s.cache != nil {
		if err := s.cache.WritePageHTML(slug.Of(j.URL), res.HTML); err != nil {
			log.Debug().Str("url", j.URL).Err(err).Msg("写入页面缓存失败")
		}
	}

	fields, err := extract.Extract(res.HTML)
	if err != nil {
		return fail(domain.ErrCodeInvalidPage, domain.ReasonInvalidPage, humanizeExtractError(string(res.Backend), err))
	}
	if fields.Title == domain.DefaultTitleFallback && strings.TrimSpace(j.Title) != "" {
		fields.Title = j.Title
	}

	rec := fields.Record(j.URL, nowFn())
	rec.PersonalRating = j.PersonalRating
	if item.Title == "" {
		item.Title = rec.Title
	}
	return outcome{record: rec, item: item, dur: time.Since(started)}
}

func recoverJob(j planner.Job, v any) outcome {
	reason := domain.ReasonPanicPrefix + fmt.Sprint(v)
	return outcome{
		record: domain.NewFailedRecord(j.URL, slug.TitleFromURL(j.URL), reason, nowFn()),
		item: domain.ItemResult{
			URL:       j.URL,
			Title:     j.Title,
			Status:    domain.StatusFailed,
			ErrorCode: domain.ErrCodePanic,
			ErrorMsg:  reason,
			Attempts:  []domain.Attempt{},
		},
	}
}

func syntheticFailed(code, msg string) domain.ItemResult {
	return domain.ItemResult{
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
		Attempts:  []domain.Attempt{},
	}
}
