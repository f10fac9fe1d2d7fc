// Package api 是 serve 子命令的 HTTP 接口：抓取、推荐、图表数据与健康检查。
//
// 约束：
// - 同一用户的并发抓取请求合并为一次运行（共享结果），避免同时写同一份记录文件。
// - /api/scrape 按客户端 IP 限流；其余接口只读本地记录。
// - 抓取运行挂在服务的 ctx 上而不是请求上：客户端断开不会中止运行；服务关闭时运行排空并落盘。
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/boxdharvest/internal/app/run"
	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/recommend"
)

// Version 出现在 /health 响应中。
const Version = "1.0.0"

// ExecuteFunc 执行一次抓取运行（默认是 run.Execute）。
type ExecuteFunc func(ctx context.Context, eff config.EffectiveConfig, username string, reg backend.Registry) domain.RunReport

type Server struct {
	eff     config.EffectiveConfig
	reg     backend.Registry
	scorer  recommend.Scorer
	execute ExecuteFunc

	// base 是抓取运行使用的 ctx（服务关闭时取消），与单个请求的生命周期无关。
	base    context.Context
	scrapes singleflight.Group
}

// New 返回使用 eff 作为默认抓取参数的服务；reg 由调用方负责关闭。
func New(eff config.EffectiveConfig, reg backend.Registry) *Server {
	return &Server{
		eff:     eff,
		reg:     reg,
		scorer:  recommend.NewContentScorer(),
		execute: run.Execute,
		base:    context.Background(),
	}
}

// Handler 组装路由与中间件。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.eff.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.With(s.scrapeLimit()).Post("/scrape", s.scrape)
		r.Post("/recommendations", s.recommendations)
		r.Post("/visualizations", s.visualizations)
	})
	return r
}

func (s *Server) scrapeLimit() func(http.Handler) http.Handler {
	n := s.eff.Server.ScrapesPerMinute
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(n, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "抓取请求过于频繁，请稍后再试")
		}),
	)
}

// accessLog 每个请求输出一行结构化日志。
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("dur", time.Since(started)).
			Msg("http")
	})
}

// ListenAndServe 监听 eff.Server.Addr，ctx 取消后优雅关闭（等待在途请求最多 grace）。
func (s *Server) ListenAndServe(ctx context.Context, grace time.Duration) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.eff.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
