// Package pool 是详情页抓取的并发控制器：顺序模式或有界并行模式。
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Mode 是调度模式。
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSequential:
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	case "":
		return "", fmt.Errorf("mode 不能为空")
	default:
		return "", fmt.Errorf("mode 只能是 sequential 或 parallel，实际是 %q", s)
	}
}

// Controller 是调度参数。零值等价于“顺序、无间隔”。
type Controller struct {
	Mode Mode
	// Workers 是并行模式下同时在途的任务上限（<1 视为 1）。
	Workers int

	// Delay 是顺序模式下两次完成之间的礼貌间隔；Jitter 非空时叠加随机抖动。
	Delay  time.Duration
	Jitter func() time.Duration
	Sleep  func(ctx context.Context, d time.Duration) error

	// RefreshEvery>0 且 Refresh 非空时，顺序模式每完成 RefreshEvery 个任务调用一次 Refresh
	// （例如重启浏览器释放内存）。Refresh 失败只记日志。
	RefreshEvery int
	Refresh      func() error
}

// Task 处理单个 job；ctx 不会因外部取消而取消（任务依赖自身超时收敛）。
type Task[J, R any] func(ctx context.Context, job J) R

// Recover 把任务内的 panic 转换为该 job 的失败结果。
type Recover[J, R any] func(job J, panicValue any) R

// Result 是已完成任务的结果；Index 是 job 在输入中的下标。
type Result[R any] struct {
	Index int
	Value R
}

// Summary 描述一次调度的整体情况。
type Summary struct {
	Total       int
	Dispatched  int
	Completed   int
	Interrupted bool
}

// Run 调度 jobs，返回所有已完成任务的结果（顺序不保证）。
//
// 约束：
// - 并行模式下在途任务数永远不超过 Workers
// - 单个任务 panic 只影响该 job（经 Recover 转为失败结果），不影响其它任务
// - ctx 取消后停止派发；已派发任务继续运行直到完成或自身超时，然后 Run 返回
// - onDone 串行调用（无需调用方加锁）
func Run[J, R any](ctx context.Context, c Controller, jobs []J, task Task[J, R], rec Recover[J, R], onDone func(done, total int, r R)) ([]Result[R], Summary) {
	sum := Summary{Total: len(jobs)}
	out := make([]Result[R], 0, len(jobs))
	if len(jobs) == 0 {
		return out, sum
	}

	taskCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	collect := func(i int, r R) {
		mu.Lock()
		defer mu.Unlock()
		out = append(out, Result[R]{Index: i, Value: r})
		sum.Completed++
		if onDone != nil {
			onDone(sum.Completed, sum.Total, r)
		}
	}

	if c.Mode == ModeParallel {
		runParallel(ctx, taskCtx, c, jobs, task, rec, collect, &sum)
	} else {
		runSequential(ctx, taskCtx, c, jobs, task, rec, collect, &sum)
	}
	return out, sum
}

func runParallel[J, R any](ctx, taskCtx context.Context, c Controller, jobs []J, task Task[J, R], rec Recover[J, R], collect func(int, R), sum *Summary) {
	workers := c.Workers
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))

	var g errgroup.Group
	for i := range jobs {
		// Acquire 在 ctx 取消时立即返回：这就是“停止派发”的唯一入口。
		if err := sem.Acquire(ctx, 1); err != nil {
			sum.Interrupted = true
			break
		}
		i, job := i, jobs[i]
		sum.Dispatched++
		g.Go(func() error {
			defer sem.Release(1)
			collect(i, safeCall(taskCtx, job, task, rec))
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil && sum.Dispatched < sum.Total {
		sum.Interrupted = true
	}
}

func runSequential[J, R any](ctx, taskCtx context.Context, c Controller, jobs []J, task Task[J, R], rec Recover[J, R], collect func(int, R), sum *Summary) {
	sleep := c.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for i := range jobs {
		if ctx.Err() != nil {
			sum.Interrupted = true
			return
		}
		sum.Dispatched++
		collect(i, safeCall(taskCtx, jobs[i], task, rec))

		if c.RefreshEvery > 0 && c.Refresh != nil && (i+1)%c.RefreshEvery == 0 && i+1 < len(jobs) {
			if err := c.Refresh(); err != nil {
				log.Warn().Err(err).Int("done", i+1).Msg("刷新资源失败")
			}
		}

		if i+1 < len(jobs) {
			d := c.Delay
			if c.Jitter != nil {
				d += c.Jitter()
			}
			if d > 0 {
				if err := sleep(ctx, d); err != nil {
					sum.Interrupted = true
					return
				}
			}
		}
	}
}

func safeCall[J, R any](ctx context.Context, job J, task Task[J, R], rec Recover[J, R]) (r R) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("任务 panic")
			if rec != nil {
				r = rec(job, p)
			}
		}
	}()
	return task(ctx, job)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
