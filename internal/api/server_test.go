package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/backend/httpget"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/pool"
	"github.com/John-Robertt/boxdharvest/internal/report"
	"github.com/John-Robertt/boxdharvest/internal/store"
)

const listingPage = `<ul class="poster-list">
  <li class="poster-container"><div class="film-poster" data-target-link="/film/alien/" data-film-name="Alien"></div><span class="rating rated-9"></span></li>
  <li class="poster-container"><div class="film-poster" data-target-link="/film/heat-1995/" data-film-name="Heat"></div><span class="rating rated-7"></span></li>
</ul>`

func filmPage(title string, year int, director string) string {
	return fmt.Sprintf(`<html><head>
<title>%[1]s (%[2]d) directed by %[3]s • Reviews, film + cast • Letterboxd</title>
<meta name="twitter:data2" content="4.20 out of 5">
</head><body>
<section class="film-header"><h1 class="headline-1 filmtitle">%[1]s</h1></section>
<a href="/director/x/">%[3]s</a>
<a href="/films/genre/thriller/">Thriller</a>
</body></html>`, title, year, director)
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/alice/films/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(listingPage))
	})
	mux.HandleFunc("/film/alien/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(filmPage("Alien", 1979, "Ridley Scott")))
	})
	mux.HandleFunc("/film/heat-1995/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(filmPage("Heat", 1995, "Michael Mann")))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testServer(t *testing.T, site *httptest.Server) *Server {
	t.Helper()
	c := config.Defaults()
	c.OutDir = t.TempDir()
	c.Scrape.MaxRetries = 0
	c.Scrape.Delay = 0
	c.Scrape.Jitter = 0
	c.Scrape.Timeout = 5 * time.Second
	c.HTTP.Timeout = 5 * time.Second
	c.Server.ScrapesPerMinute = 0

	client := http.DefaultClient
	if site != nil {
		c.BaseURL = site.URL
		client = site.Client()
	}
	reg, err := backend.NewRegistry(httpget.New(client))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	return New(config.EffectiveConfig{
		Config: c,
		Mode:   pool.ModeSequential,
		Order:  []backend.Kind{backend.KindHTTP},
	}, reg)
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("响应不是合法 JSON：%v\nbody=%s", err, w.Body.String())
	}
	return v
}

func saveRecords(t *testing.T, s *Server, username string, recs []domain.FilmRecord) {
	t.Helper()
	if err := (store.FileStore{}).Save(store.Paths(s.eff.OutDir, username).Detailed, recs); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
}

func TestHealth(t *testing.T) {
	s := testServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", w.Code)
	}
	got := decodeBody[healthResponse](t, w)
	if got.Status != "ok" || got.Version != Version || !got.Features["scraping"] || !got.Features["visualizations"] {
		t.Fatalf("健康检查不符合预期：%+v", got)
	}
}

func TestScrape_RunsAndPersists(t *testing.T) {
	site := newSite(t)
	s := testServer(t, site)

	w := post(t, s.Handler(), "/api/scrape", map[string]any{"username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d：%s", w.Code, w.Body.String())
	}
	got := decodeBody[scrapeResponse](t, w)
	if !got.Success || got.Username != "alice" || got.TotalFilms != 2 {
		t.Fatalf("响应不符合预期：%+v", got)
	}
	if got.Report.Summary.Scraped != 2 || got.Stats.Listed != 2 || got.Stats.Total != 2 {
		t.Fatalf("报告/统计不符合预期：report=%+v stats=%+v", got.Report.Summary, got.Stats)
	}

	// 抓取后的记录可直接用于图表接口。
	w = post(t, s.Handler(), "/api/visualizations", map[string]any{"username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d：%s", w.Code, w.Body.String())
	}
	vis := decodeBody[visualizationsResponse](t, w)
	if len(vis.Charts.FilmsByYear) != 2 || vis.Charts.FilmsByYear[0].Year != 1979 {
		t.Fatalf("年份序列不符合预期：%+v", vis.Charts.FilmsByYear)
	}
}

func TestScrape_RequestOverridesAndStatusMapping(t *testing.T) {
	s := testServer(t, nil)
	var gotEff config.EffectiveConfig
	var next domain.RunReport
	s.execute = func(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry) domain.RunReport {
		gotEff = eff
		return next
	}

	next = domain.RunReport{Username: "alice"}
	w := post(t, s.Handler(), "/api/scrape", map[string]any{"username": "alice", "max_pages": 2, "workers": 99, "mode": "parallel"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("空片单期望 404，实际 %d", w.Code)
	}
	if gotEff.Listing.MaxPages != 2 || gotEff.Scrape.Workers != config.MaxWorkers || gotEff.Mode != pool.ModeParallel {
		t.Fatalf("请求覆盖项未生效：%+v", gotEff)
	}
	if s.eff.Listing.MaxPages != config.Defaults().Listing.MaxPages {
		t.Fatalf("请求覆盖项不应修改服务端配置")
	}

	cases := []struct {
		name string
		code string
		want int
	}{
		{name: "discover", code: domain.ErrCodeDiscoverFailed, want: http.StatusBadGateway},
		{name: "cancelled", code: domain.ErrCodeCancelled, want: http.StatusServiceUnavailable},
		{name: "config", code: domain.ErrCodeConfigInvalid, want: http.StatusBadRequest},
		{name: "io", code: domain.ErrCodeIOFailed, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next = domain.RunReport{
				Username:   "alice",
				Discovered: 3,
				Items:      []domain.ItemResult{{Status: domain.StatusFailed, ErrorCode: tc.code, ErrorMsg: "x"}},
			}
			w := post(t, s.Handler(), "/api/scrape", map[string]any{"username": "alice"})
			if w.Code != tc.want {
				t.Fatalf("期望 %d，实际 %d", tc.want, w.Code)
			}
			if e := decodeBody[errorResponse](t, w); e.Success || e.Error != "x" {
				t.Fatalf("错误响应不符合预期：%+v", e)
			}
		})
	}
}

func TestScrape_BadRequests(t *testing.T) {
	s := testServer(t, nil)
	var calls atomic.Int32
	s.execute = func(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry) domain.RunReport {
		calls.Add(1)
		return domain.RunReport{}
	}

	cases := []struct {
		name string
		body any
	}{
		{name: "empty username", body: map[string]any{"username": " "}},
		{name: "bad username", body: map[string]any{"username": "../etc"}},
		{name: "negative pages", body: map[string]any{"username": "alice", "max_pages": -1}},
		{name: "bad mode", body: map[string]any{"username": "alice", "mode": "turbo"}},
		{name: "not json", body: "nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := post(t, s.Handler(), "/api/scrape", tc.body); w.Code != http.StatusBadRequest {
				t.Fatalf("期望 400，实际 %d：%s", w.Code, w.Body.String())
			}
		})
	}
	if calls.Load() != 0 {
		t.Fatalf("非法请求不应触发运行，实际 %d 次", calls.Load())
	}
}

func TestScrape_ConcurrentRequestsShareOneRun(t *testing.T) {
	s := testServer(t, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	s.execute = func(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry) domain.RunReport {
		calls.Add(1)
		<-release
		return domain.RunReport{Username: username}
	}
	h := s.Handler()

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/scrape", bytes.NewReader([]byte(`{"username":"alice"}`)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			codes[i] = w.Code
		}()
	}
	// 等第一个请求进入运行后再放行。
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 2 {
		t.Fatalf("运行次数不符合预期：%d", n)
	}
	for _, c := range codes {
		if c != http.StatusNotFound {
			t.Fatalf("期望两个请求都得到 404（空片单），实际 %v", codes)
		}
	}
}

func TestScrape_RateLimitedPerIP(t *testing.T) {
	s := testServer(t, nil)
	s.eff.Server.ScrapesPerMinute = 1
	s.execute = func(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry) domain.RunReport {
		return domain.RunReport{Username: username}
	}
	h := s.Handler()

	if w := post(t, h, "/api/scrape", map[string]any{"username": "alice"}); w.Code != http.StatusNotFound {
		t.Fatalf("第一次请求期望 404（空片单），实际 %d", w.Code)
	}
	w := post(t, h, "/api/scrape", map[string]any{"username": "alice"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("第二次请求期望 429，实际 %d", w.Code)
	}
	if e := decodeBody[errorResponse](t, w); e.Success || e.Error == "" {
		t.Fatalf("限流响应不符合预期：%+v", e)
	}
	// 只读接口不受限流影响。
	if w := post(t, h, "/api/visualizations", map[string]any{"username": "alice"}); w.Code != http.StatusNotFound {
		t.Fatalf("图表接口期望 404（无记录），实际 %d", w.Code)
	}
}

func TestRecommendations(t *testing.T) {
	s := testServer(t, nil)
	r5, avg := 5.0, 4.1
	saveRecords(t, s, "alice", []domain.FilmRecord{{
		URL:            "https://letterboxd.com/film/alien/",
		Title:          "Alien",
		Genres:         []string{"Horror", "Science Fiction"},
		Directors:      []string{"Ridley Scott"},
		PersonalRating: &r5,
		ScrapeStatus:   domain.ScrapeStatusSuccess,
	}})

	w := post(t, s.Handler(), "/api/recommendations", map[string]any{
		"username": "alice",
		"top_n":    5,
		"candidates": []domain.MinimalRecord{
			{URL: "https://letterboxd.com/film/the-martian/", Title: "The Martian", Genres: []string{"Science Fiction"}, Directors: []string{"Ridley Scott"}, AverageRating: &avg},
			{URL: "https://letterboxd.com/film/alien/", Title: "Alien", Genres: []string{"Horror"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d：%s", w.Code, w.Body.String())
	}
	got := decodeBody[recommendResponse](t, w)
	if got.Count != 1 || len(got.Recommendations) != 1 || got.Recommendations[0].Title != "The Martian" {
		t.Fatalf("推荐结果不符合预期：%+v", got)
	}

	w = post(t, s.Handler(), "/api/recommendations", map[string]any{"username": "alice", "candidates": []domain.MinimalRecord{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("空候选期望 400，实际 %d", w.Code)
	}
	w = post(t, s.Handler(), "/api/recommendations", map[string]any{
		"username":   "bob",
		"candidates": []domain.MinimalRecord{{URL: "https://letterboxd.com/film/x/", Title: "X", Genres: []string{"Drama"}}},
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("无记录期望 404，实际 %d", w.Code)
	}
}

func TestVisualizations(t *testing.T) {
	s := testServer(t, nil)
	if w := post(t, s.Handler(), "/api/visualizations", map[string]any{"username": "alice"}); w.Code != http.StatusNotFound {
		t.Fatalf("无记录期望 404，实际 %d", w.Code)
	}

	y, rt, r4 := 1982, 117, 4.0
	saveRecords(t, s, "alice", []domain.FilmRecord{{
		URL:            "https://letterboxd.com/film/blade-runner/",
		Title:          "Blade Runner",
		ReleaseYear:    &y,
		RuntimeMinutes: &rt,
		Genres:         []string{"Science Fiction"},
		PersonalRating: &r4,
		ScrapeStatus:   domain.ScrapeStatusSuccess,
	}})
	w := post(t, s.Handler(), "/api/visualizations", map[string]any{"username": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d：%s", w.Code, w.Body.String())
	}
	got := decodeBody[visualizationsResponse](t, w)
	want := report.YearCount{Year: 1982, Count: 1}
	if len(got.Charts.FilmsByYear) != 1 || got.Charts.FilmsByYear[0] != want {
		t.Fatalf("年份序列不符合预期：%+v", got.Charts.FilmsByYear)
	}
	if len(got.Charts.RuntimeDistribution) != 7 || got.Charts.RuntimeDistribution[3].Count != 1 {
		t.Fatalf("片长分档不符合预期：%+v", got.Charts.RuntimeDistribution)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := testServer(t, nil)
	s.eff.Server.CORSOrigins = []string{"https://example.org"}
	req := httptest.NewRequest(http.MethodOptions, "/api/visualizations", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.org" {
		t.Fatalf("期望允许该来源，实际 %q（status=%d）", got, w.Code)
	}
}
