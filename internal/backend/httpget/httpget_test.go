package httpget

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/infra/httpx"
)

func newClient(t *testing.T) *http.Client {
	t.Helper()
	c, err := httpx.NewPageClient(httpx.Options{})
	if err != nil {
		t.Fatalf("创建 client 失败：%v", err)
	}
	return c
}

func TestFetch_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><h1>Heat</h1></html>"))
	}))
	defer srv.Close()

	b := New(newClient(t))
	got, err := b.Fetch(context.Background(), srv.URL+"/film/heat/", backend.Options{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if string(got) != "<html><h1>Heat</h1></html>" {
		t.Fatalf("内容不一致：%q", got)
	}
}

func TestFetch_InvalidURL_NoRequest(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	b := New(newClient(t))
	for _, u := range []string{"", "letterboxd.com/film/x/", "javascript:alert(1)"} {
		_, err := b.Fetch(context.Background(), u, backend.Options{})
		if !errors.Is(err, backend.ErrInvalidURL) {
			t.Fatalf("%q 期望 ErrInvalidURL，实际 %v", u, err)
		}
		var fe *backend.FetchError
		if !errors.As(err, &fe) || fe.Backend != backend.KindHTTP {
			t.Fatalf("期望 *FetchError(http)，实际 %T %v", err, err)
		}
	}
	if hits != 0 {
		t.Fatalf("无效 URL 不应触发请求，实际 hits=%d", hits)
	}
}

func TestFetch_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(newClient(t)).Fetch(context.Background(), srv.URL, backend.Options{})
	var hs *backend.HTTPStatusError
	if !errors.As(err, &hs) || hs.StatusCode != 429 {
		t.Fatalf("期望 HTTP 429，实际 %v", err)
	}
	if backend.Permanent(err) {
		t.Fatalf("429 应可重试")
	}
}

func TestFetch_ChallengePageIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><head><title>Just a moment...</title></head><body><div id="cf-challenge"></div></body></html>`))
	}))
	defer srv.Close()

	_, err := New(newClient(t)).Fetch(context.Background(), srv.URL, backend.Options{})
	var be *backend.BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("期望 BlockedError，实际 %v", err)
	}
	if !backend.Permanent(err) {
		t.Fatalf("拦截页应视为同 backend 内不可重试")
	}
}

func TestFetch_PageWithCloudflareScriptIsNotBlocked(t *testing.T) {
	page := `<html><head><title>Heat (1995) directed by Michael Mann • Letterboxd</title></head>` +
		`<body><section class="film-header"><h1 class="headline-1 filmtitle">Heat</h1></section>` +
		`<script>(function(){var a=document.createElement('script');a.src='/cdn-cgi/challenge-platform/scripts/jsd/main.js';document.getElementsByTagName('head')[0].appendChild(a);})();</script>` +
		`</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	got, err := New(newClient(t)).Fetch(context.Background(), srv.URL+"/film/heat-1995/", backend.Options{})
	if err != nil {
		t.Fatalf("注入 JSD 脚本的正常页面不应视为拦截：%v", err)
	}
	if string(got) != page {
		t.Fatalf("内容不一致：%q", got)
	}
}

func TestFetch_MitigatedChallengeStatusIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-mitigated", "challenge")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	_, err := New(newClient(t)).Fetch(context.Background(), srv.URL, backend.Options{})
	var be *backend.BlockedError
	if !errors.As(err, &be) || be.Reason != "cloudflare-challenge" {
		t.Fatalf("期望 cloudflare-challenge 拦截，实际 %v", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	start := time.Now()
	_, err := New(newClient(t)).Fetch(context.Background(), srv.URL, backend.Options{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatalf("期望超时错误，但得到 nil")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("超时未生效，耗时 %s", time.Since(start))
	}
}
