package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/backend"
)

type stubBackend struct {
	kind backend.Kind

	mu    sync.Mutex
	calls int
	fn    func(call int) ([]byte, error)
}

func (s *stubBackend) Kind() backend.Kind { return s.kind }

func (s *stubBackend) Fetch(_ context.Context, u string, _ backend.Options) ([]byte, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	return s.fn(n)
}

func (s *stubBackend) Close() error { return nil }

func (s *stubBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func failing(kind backend.Kind) *stubBackend {
	return &stubBackend{kind: kind, fn: func(int) ([]byte, error) {
		return nil, backend.Wrap(kind, "u", errors.New("timeout"))
	}}
}

func ok(kind backend.Kind, html string) *stubBackend {
	return &stubBackend{kind: kind, fn: func(int) ([]byte, error) { return []byte(html), nil }}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newOrchestrator(t *testing.T, cfg Config, bs ...backend.Backend) (*Orchestrator, *sleepRecorder) {
	t.Helper()
	reg, err := backend.NewRegistry(bs...)
	if err != nil {
		t.Fatalf("创建 registry 失败：%v", err)
	}
	rec := &sleepRecorder{}
	cfg.Sleep = rec.sleep
	cfg.Jitter = func() time.Duration { return 100 * time.Millisecond }
	return New(reg, cfg), rec
}

const filmURL = "https://letterboxd.com/film/some-movie/"

func TestFetch_FallsBackAfterRetriesExhausted(t *testing.T) {
	pooled := failing(backend.KindPooled)
	adhoc := ok(backend.KindAdHoc, "<html>ok</html>")
	httpB := ok(backend.KindHTTP, "<html>http</html>")

	o, rec := newOrchestrator(t, Config{MaxRetries: 2, BreakerFailures: -1}, pooled, adhoc, httpB)

	res, err := o.Fetch(context.Background(), filmURL, backend.Options{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if res.Backend != backend.KindAdHoc || string(res.HTML) != "<html>ok</html>" {
		t.Fatalf("期望由 adhoc 成功，实际 backend=%s html=%q", res.Backend, res.HTML)
	}
	if pooled.Calls() != 3 {
		t.Fatalf("pooled 期望尝试 3 次，实际 %d", pooled.Calls())
	}
	if httpB.Calls() != 0 {
		t.Fatalf("adhoc 已成功，不应调用 http")
	}
	want := []time.Duration{1100 * time.Millisecond, 2100 * time.Millisecond}
	if len(rec.delays) != len(want) || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Fatalf("退避序列期望 %v，实际 %v", want, rec.delays)
	}
	if len(res.Attempts) != 4 || res.Attempts[3].Stage != "ok" || res.Attempts[0].Backend != "pooled" {
		t.Fatalf("尝试轨迹不符合预期：%+v", res.Attempts)
	}
}

func TestFetch_AllBackendsFail(t *testing.T) {
	bs := []*stubBackend{failing(backend.KindPooled), failing(backend.KindAdHoc), failing(backend.KindHTTP)}
	o, _ := newOrchestrator(t, Config{MaxRetries: 1, BreakerFailures: -1}, bs[0], bs[1], bs[2])

	res, err := o.Fetch(context.Background(), filmURL, backend.Options{})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("期望 ErrExhausted，实际 %v", err)
	}
	var fe *backend.FetchError
	if !errors.As(err, &fe) || fe.Backend != backend.KindHTTP {
		t.Fatalf("期望携带最后一个 backend 的 FetchError，实际 %v", err)
	}
	for _, b := range bs {
		if b.Calls() != 2 {
			t.Fatalf("%s 期望尝试 2 次，实际 %d", b.kind, b.Calls())
		}
	}
	if len(res.Attempts) != 6 {
		t.Fatalf("期望 6 条尝试记录，实际 %d", len(res.Attempts))
	}
}

func TestFetch_InvalidURL_NoNetwork(t *testing.T) {
	b := ok(backend.KindHTTP, "<html/>")
	o, _ := newOrchestrator(t, Config{}, b)

	for _, u := range []string{"", "   ", "film/some-movie", "mailto:x@y"} {
		_, err := o.Fetch(context.Background(), u, backend.Options{})
		if !errors.Is(err, backend.ErrInvalidURL) {
			t.Fatalf("%q 期望 ErrInvalidURL，实际 %v", u, err)
		}
	}
	if b.Calls() != 0 {
		t.Fatalf("非法输入不应触发 backend 调用，实际 %d", b.Calls())
	}
}

func TestFetch_PermanentErrorSwitchesImmediately(t *testing.T) {
	blocked := &stubBackend{kind: backend.KindHTTP, fn: func(int) ([]byte, error) {
		return nil, backend.Wrap(backend.KindHTTP, filmURL, &backend.BlockedError{URL: filmURL, Reason: "cloudflare-challenge"})
	}}
	adhoc := ok(backend.KindAdHoc, "<html/>")

	o, rec := newOrchestrator(t, Config{Order: []backend.Kind{backend.KindHTTP, backend.KindAdHoc}, MaxRetries: 3, BreakerFailures: -1}, blocked, adhoc)

	res, err := o.Fetch(context.Background(), filmURL, backend.Options{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if blocked.Calls() != 1 || len(rec.delays) != 0 {
		t.Fatalf("拦截页不应重试：calls=%d sleeps=%d", blocked.Calls(), len(rec.delays))
	}
	if res.Backend != backend.KindAdHoc {
		t.Fatalf("期望 adhoc 成功，实际 %s", res.Backend)
	}
}

func TestFetch_OpenBreakerSkipsBackend(t *testing.T) {
	pooled := failing(backend.KindPooled)
	httpB := ok(backend.KindHTTP, "<html/>")
	o, _ := newOrchestrator(t, Config{MaxRetries: 0, BreakerFailures: 1, BreakerCooldown: time.Hour}, pooled, httpB)

	if _, err := o.Fetch(context.Background(), filmURL, backend.Options{}); err != nil {
		t.Fatalf("第一次应由 http 成功：%v", err)
	}
	res, err := o.Fetch(context.Background(), filmURL, backend.Options{})
	if err != nil {
		t.Fatalf("第二次应由 http 成功：%v", err)
	}
	if pooled.Calls() != 1 {
		t.Fatalf("熔断打开后不应再调用 pooled，实际 calls=%d", pooled.Calls())
	}
	if res.Attempts[0].Stage != "skip" {
		t.Fatalf("期望第一条尝试为 skip，实际 %+v", res.Attempts[0])
	}
}

func TestFetch_UnregisteredBackendsIgnored(t *testing.T) {
	httpB := ok(backend.KindHTTP, "<html/>")
	o, _ := newOrchestrator(t, Config{}, httpB)

	if got := o.Order(); len(got) != 1 || got[0] != backend.KindHTTP {
		t.Fatalf("期望只保留已注册 backend，实际 %v", got)
	}
	res, err := o.Fetch(context.Background(), filmURL, backend.Options{})
	if err != nil || res.Backend != backend.KindHTTP {
		t.Fatalf("期望 http 成功，实际 backend=%s err=%v", res.Backend, err)
	}
}

func TestFetch_CancelDuringBackoff(t *testing.T) {
	pooled := failing(backend.KindPooled)
	reg, _ := backend.NewRegistry(pooled)

	ctx, cancel := context.WithCancel(context.Background())
	o := New(reg, Config{
		MaxRetries:      5,
		BreakerFailures: -1,
		Jitter:          func() time.Duration { return 0 },
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return SleepContext(ctx, d)
		},
	})

	_, err := o.Fetch(ctx, filmURL, backend.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
	if pooled.Calls() != 1 {
		t.Fatalf("取消后不应再尝试，实际 calls=%d", pooled.Calls())
	}
}

func TestFetch_PanickingBackendIsContained(t *testing.T) {
	bad := &stubBackend{kind: backend.KindPooled, fn: func(int) ([]byte, error) { panic("driver crashed") }}
	good := ok(backend.KindHTTP, "<html/>")
	o, _ := newOrchestrator(t, Config{MaxRetries: 0, BreakerFailures: -1}, bad, good)

	res, err := o.Fetch(context.Background(), filmURL, backend.Options{})
	if err != nil {
		t.Fatalf("panic 应被转换为失败并降级：%v", err)
	}
	if res.Backend != backend.KindHTTP {
		t.Fatalf("期望降级到 http，实际 %s", res.Backend)
	}
}
