package backend

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeBackend struct {
	kind   Kind
	closed int
}

func (f *fakeBackend) Kind() Kind { return f.kind }
func (f *fakeBackend) Fetch(context.Context, string, Options) ([]byte, error) {
	return nil, nil
}
func (f *fakeBackend) Close() error { f.closed++; return nil }

func TestOrderFrom(t *testing.T) {
	if got := OrderFrom(KindHTTP); !reflect.DeepEqual(got, []Kind{KindHTTP, KindPooled, KindAdHoc}) {
		t.Fatalf("顺序错误：%v", got)
	}
	if got := OrderFrom(""); !reflect.DeepEqual(got, DefaultOrder) {
		t.Fatalf("空 preferred 应返回默认顺序：%v", got)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Pooled "); err != nil || k != KindPooled {
		t.Fatalf("期望 pooled，实际 %q err=%v", k, err)
	}
	if _, err := ParseKind("selenium"); err == nil {
		t.Fatalf("未知 backend 应报错")
	}
}

func TestRegistry_DuplicateAndClose(t *testing.T) {
	a := &fakeBackend{kind: KindHTTP}
	if _, err := NewRegistry(a, &fakeBackend{kind: KindHTTP}); err == nil {
		t.Fatalf("重复 backend 应报错")
	}

	p := &fakeBackend{kind: KindPooled}
	reg, err := NewRegistry(a, p)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := reg.Kinds(DefaultOrder); !reflect.DeepEqual(got, []Kind{KindPooled, KindHTTP}) {
		t.Fatalf("Kinds 应按顺序过滤未注册项：%v", got)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if a.closed != 1 || p.closed != 1 {
		t.Fatalf("期望每个 backend 关闭一次，实际 http=%d pooled=%d", a.closed, p.closed)
	}
}

func TestWrap_KeepsExistingFetchError(t *testing.T) {
	inner := &FetchError{Backend: KindAdHoc, URL: "u", Err: errors.New("boom")}
	if got := Wrap(KindHTTP, "u", inner); got != error(inner) {
		t.Fatalf("已是 FetchError 时应原样返回")
	}
	if Wrap(KindHTTP, "u", nil) != nil {
		t.Fatalf("nil 应返回 nil")
	}
}

func TestDetectBlocked(t *testing.T) {
	cases := []struct {
		name    string
		html    string
		blocked bool
	}{
		{"interstitial title", `<html><head><title>Just a moment...</title></head></html>`, true},
		{"challenge form", `<form id="challenge-form" action="/x"></form>`, true},
		{"chl widget", `<div id="cf-chl-widget-abc"></div>`, true},
		{"chl opt", `<script>window._cf_chl_opt={cvId:'3'}</script>`, true},
		{"attention required", `<title>Attention Required! | Cloudflare</title>`, true},
		{"jsd snippet on normal page", `<h1 class="filmtitle">Heat</h1><script>a.src='/cdn-cgi/challenge-platform/scripts/jsd/main.js'</script>`, false},
		{"empty", ``, false},
	}
	for _, tc := range cases {
		if _, got := DetectBlocked([]byte(tc.html)); got != tc.blocked {
			t.Fatalf("%s：期望 blocked=%v，实际 %v", tc.name, tc.blocked, got)
		}
	}
}

func TestDetectBlockedResponse(t *testing.T) {
	if _, ok := DetectBlockedResponse(200, "challenge", nil); !ok {
		t.Fatalf("cf-mitigated: challenge 应视为拦截")
	}
	if _, ok := DetectBlockedResponse(503, "", []byte(`<title>Just a moment...</title>`)); !ok {
		t.Fatalf("503 验证页应视为拦截")
	}
	if _, ok := DetectBlockedResponse(403, "", []byte(`<h1>Forbidden</h1>`)); ok {
		t.Fatalf("普通 403 不应视为拦截")
	}
	if _, ok := DetectBlockedResponse(404, "", []byte(`<title>Just a moment...</title>`)); ok {
		t.Fatalf("404 不看正文")
	}
}
