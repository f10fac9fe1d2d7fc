// Package fetch 实现单个 URL 的重试/降级编排。
//
// 编排被拆成两层：
// - machine.go：纯状态机（Next），不做 IO、不睡眠，可独立测试
// - orchestrator.go：驱动状态机，负责调用 backend、睡眠与记录尝试轨迹
package fetch

import (
	"fmt"
	"math"
	"time"
)

// Phase 是状态机的阶段。
type Phase int

const (
	PhaseAttempt Phase = iota
	PhaseRetry
	PhaseSwitch
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseAttempt:
		return "attempt"
	case PhaseRetry:
		return "retry"
	case PhaseSwitch:
		return "switch_backend"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Event 是驱动状态迁移的输入。
type Event int

const (
	// EventSucceeded：本次尝试拿到了 HTML。
	EventSucceeded Event = iota
	// EventFailed：本次尝试失败，可在同一 backend 内重试。
	EventFailed
	// EventPermanent：本次尝试失败，且同一 backend 内重试无意义（拦截页/404）。
	EventPermanent
	// EventSkip：backend 不可用（未注册/熔断打开），直接换下一个。
	EventSkip
	// EventSlept：退避睡眠结束。
	EventSlept
	// EventSwitched：切换 backend 的动作完成。
	EventSwitched
	// EventInvalid：输入非法（空/格式错误的 URL），不做任何网络请求。
	EventInvalid
	// EventCancelled：外部取消。
	EventCancelled
)

// State 是某个 URL 的编排状态。
//
// Backend 是降级顺序中的下标；N 是当前 backend 内的尝试序号（从 0 开始）。
type State struct {
	Phase   Phase
	Backend int
	N       int
}

// Limits 是状态机的静态参数。
type Limits struct {
	// MaxRetries 是每个 backend 在首次尝试之外的最大重试次数。
	MaxRetries int
	// Backends 是降级顺序的长度。
	Backends int
}

// Terminal 判断是否已到终态。
func (s State) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseFailed
}

// Start 返回初始状态；没有任何 backend 时直接失败。
func Start(l Limits) State {
	if l.Backends <= 0 {
		return State{Phase: PhaseFailed}
	}
	return State{Phase: PhaseAttempt}
}

// Next 是纯迁移函数：
//
//	ATTEMPT --succeeded--> DONE
//	ATTEMPT --failed (n < max)--> RETRY --slept--> ATTEMPT(n+1)
//	ATTEMPT --failed (n == max) / permanent / skip--> SWITCH_BACKEND
//	SWITCH_BACKEND --switched--> ATTEMPT(next, 0) | FAILED（已无 backend）
//	* --invalid / cancelled--> FAILED
//
// 非法的 (phase, event) 组合保持原状态不变。
func Next(s State, ev Event, l Limits) State {
	if s.Terminal() {
		return s
	}
	switch ev {
	case EventInvalid, EventCancelled:
		return State{Phase: PhaseFailed, Backend: s.Backend, N: s.N}
	}

	switch s.Phase {
	case PhaseAttempt:
		switch ev {
		case EventSucceeded:
			return State{Phase: PhaseDone, Backend: s.Backend, N: s.N}
		case EventFailed:
			if s.N < l.MaxRetries {
				return State{Phase: PhaseRetry, Backend: s.Backend, N: s.N}
			}
			return State{Phase: PhaseSwitch, Backend: s.Backend, N: s.N}
		case EventPermanent, EventSkip:
			return State{Phase: PhaseSwitch, Backend: s.Backend, N: s.N}
		}
	case PhaseRetry:
		if ev == EventSlept {
			return State{Phase: PhaseAttempt, Backend: s.Backend, N: s.N + 1}
		}
	case PhaseSwitch:
		if ev == EventSwitched {
			if s.Backend+1 < l.Backends {
				return State{Phase: PhaseAttempt, Backend: s.Backend + 1, N: 0}
			}
			return State{Phase: PhaseFailed, Backend: s.Backend, N: s.N}
		}
	}
	return s
}

// maxBackoffExp 限制指数，避免配置异常时出现溢出/超长睡眠。
const maxBackoffExp = 8

// Delay 计算第 n 次失败后的退避：2^n 秒 + jitter。
func Delay(n int, jitter time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > maxBackoffExp {
		n = maxBackoffExp
	}
	if jitter < 0 {
		jitter = 0
	}
	return time.Duration(math.Pow(2, float64(n)))*time.Second + jitter
}
