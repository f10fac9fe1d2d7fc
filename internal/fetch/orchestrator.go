package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

const (
	DefaultMaxRetries = 2

	defaultBreakerFailures = 5
	defaultBreakerCooldown = time.Minute
)

// ErrExhausted 表示所有 backend 都已尝试且失败。
var ErrExhausted = errors.New("所有 backend 均获取失败")

// Config 是编排器参数；零值字段使用默认值。
type Config struct {
	// Order 是降级顺序；为空时使用 backend.DefaultOrder。未注册的 backend 会被跳过。
	Order      []backend.Kind
	MaxRetries int

	// BreakerFailures 是触发熔断的连续失败次数；<0 表示不启用熔断。
	BreakerFailures int
	BreakerCooldown time.Duration

	// Sleep / Jitter 可注入（测试用零睡眠）。
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration
}

// Orchestrator 驱动状态机完成单个 URL 的获取；并发安全。
type Orchestrator struct {
	reg        backend.Registry
	order      []backend.Kind
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() time.Duration

	breakers map[backend.Kind]*gobreaker.CircuitBreaker[[]byte]
}

// Result 是一次编排的结果。
type Result struct {
	HTML     []byte
	Backend  backend.Kind
	Attempts []domain.Attempt
}

func New(reg backend.Registry, cfg Config) *Orchestrator {
	order := cfg.Order
	if len(order) == 0 {
		order = backend.DefaultOrder
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	o := &Orchestrator{
		reg:        reg,
		order:      reg.Kinds(order),
		maxRetries: maxRetries,
		sleep:      cfg.Sleep,
		jitter:     cfg.Jitter,
	}
	if o.sleep == nil {
		o.sleep = SleepContext
	}
	if o.jitter == nil {
		o.jitter = DefaultJitter
	}

	if cfg.BreakerFailures >= 0 {
		failures := cfg.BreakerFailures
		if failures == 0 {
			failures = defaultBreakerFailures
		}
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = defaultBreakerCooldown
		}
		o.breakers = make(map[backend.Kind]*gobreaker.CircuitBreaker[[]byte], len(o.order))
		for _, k := range o.order {
			o.breakers[k] = newBreaker(k, uint32(failures), cooldown)
		}
	}
	return o
}

func newBreaker(k backend.Kind, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "backend-" + string(k),
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 站点级“确定性”失败（404/拦截/取消）不代表 backend 本身不健康。
		IsSuccessful: func(err error) bool {
			return err == nil || backend.Permanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("熔断状态变化")
		},
	})
}

// Order 返回实际生效的降级顺序（已过滤未注册 backend）。
func (o *Orchestrator) Order() []backend.Kind {
	return append([]backend.Kind(nil), o.order...)
}

// Fetch 按状态机获取 u 的 HTML。失败时返回的 error 为：
// - backend.ErrInvalidURL（未发起任何请求）
// - ctx.Err()（外部取消）
// - 包裹 ErrExhausted 与最后一个 backend 错误的 error
func (o *Orchestrator) Fetch(ctx context.Context, u string, opt backend.Options) (Result, error) {
	var res Result
	limits := Limits{MaxRetries: o.maxRetries, Backends: len(o.order)}

	if !slug.Valid(u) {
		return res, backend.ErrInvalidURL
	}

	var (
		lastErr   error
		cancelled bool
	)
	st := Start(limits)
	for !st.Terminal() {
		switch st.Phase {
		case PhaseAttempt:
			if err := ctx.Err(); err != nil {
				lastErr, cancelled = err, true
				st = Next(st, EventCancelled, limits)
				continue
			}
			kind := o.order[st.Backend]
			html, err := o.attempt(ctx, kind, u, opt)
			ev := classify(ctx, err)

			a := domain.Attempt{Backend: string(kind), N: st.N, Stage: "fetch"}
			switch ev {
			case EventSucceeded:
				a.Stage = "ok"
				res.HTML = html
				res.Backend = kind
			case EventSkip:
				a.Stage = "skip"
				a.ErrorMsg = err.Error()
				lastErr = err
			default:
				a.ErrorMsg = err.Error()
				lastErr = err
			}
			res.Attempts = append(res.Attempts, a)
			if ev == EventCancelled {
				cancelled = true
			}
			if ev != EventSucceeded {
				log.Debug().Str("url", u).Str("backend", string(kind)).Int("attempt", st.N).Err(err).Msg("获取失败")
			}
			st = Next(st, ev, limits)

		case PhaseRetry:
			d := Delay(st.N, o.jitter())
			if err := o.sleep(ctx, d); err != nil {
				lastErr, cancelled = err, true
				st = Next(st, EventCancelled, limits)
				continue
			}
			st = Next(st, EventSlept, limits)

		case PhaseSwitch:
			st = Next(st, EventSwitched, limits)
		}
	}

	if st.Phase == PhaseDone {
		return res, nil
	}
	if cancelled && ctx.Err() != nil {
		return res, ctx.Err()
	}
	if lastErr == nil {
		return res, ErrExhausted
	}
	return res, fmt.Errorf("%w：%w", ErrExhausted, lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, kind backend.Kind, u string, opt backend.Options) ([]byte, error) {
	b, ok := o.reg.Get(kind)
	if !ok {
		return nil, &skipError{kind: kind, err: errors.New("backend 未注册")}
	}
	cb := o.breakers[kind]
	if cb == nil {
		return callBackend(ctx, b, u, opt)
	}
	html, err := cb.Execute(func() ([]byte, error) {
		return callBackend(ctx, b, u, opt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &skipError{kind: kind, err: err}
	}
	return html, err
}

// callBackend 兜底 backend 的 panic，保证错误不越过 backend 边界。
func callBackend(ctx context.Context, b backend.Backend, u string, opt backend.Options) (html []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			html = nil
			err = backend.Wrap(b.Kind(), u, fmt.Errorf("backend panic：%v", r))
		}
	}()
	html, err = b.Fetch(ctx, u, opt)
	if err == nil && len(html) == 0 {
		err = backend.Wrap(b.Kind(), u, errors.New("返回内容为空"))
	}
	return html, err
}

type skipError struct {
	kind backend.Kind
	err  error
}

func (e *skipError) Error() string {
	return fmt.Sprintf("跳过 backend %s：%v", e.kind, e.err)
}

func (e *skipError) Unwrap() error { return e.err }

func classify(ctx context.Context, err error) Event {
	if err == nil {
		return EventSucceeded
	}
	var se *skipError
	switch {
	case errors.As(err, &se):
		return EventSkip
	case errors.Is(err, backend.ErrInvalidURL):
		return EventInvalid
	case ctx.Err() != nil:
		return EventCancelled
	case backend.Permanent(err):
		return EventPermanent
	default:
		return EventFailed
	}
}

// SleepContext 睡眠 d，期间 ctx 取消则提前返回 ctx.Err()。
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	jitterMu  sync.Mutex
	jitterRnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// DefaultJitter 返回 [1s, 3s) 内的均匀随机抖动。
func DefaultJitter() time.Duration {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return time.Second + time.Duration(jitterRnd.Int63n(int64(2*time.Second)))
}
