package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/John-Robertt/boxdharvest/internal/catalogue"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/pool"
	"github.com/John-Robertt/boxdharvest/internal/recommend"
	"github.com/John-Robertt/boxdharvest/internal/report"
	"github.com/John-Robertt/boxdharvest/internal/store"
)

// maxRequestBytes 限制请求体（推荐接口会携带候选列表）。
const maxRequestBytes = 8 << 20

var errNoRecords = errors.New("没有记录")

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Features map[string]bool `json:"features"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: Version,
		Features: map[string]bool{
			"scraping":        len(s.reg.Kinds(s.eff.Order)) > 0,
			"recommendations": true,
			"visualizations":  true,
		},
	})
}

// scrapeRequest 中的指针字段为 nil 时沿用服务端配置。
type scrapeRequest struct {
	Username    string `json:"username"`
	MaxPages    *int   `json:"max_pages"`
	Workers     *int   `json:"workers"`
	Mode        string `json:"mode"`
	MaxFilms    *int   `json:"max_films"`
	RetryFailed *bool  `json:"retry_failed"`
	Rescrape    *bool  `json:"rescrape"`
}

type scrapeResponse struct {
	Success    bool             `json:"success"`
	Username   string           `json:"username"`
	TotalFilms int              `json:"total_films"`
	Report     domain.RunReport `json:"report"`
	Stats      report.Stats     `json:"stats"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if !decode(w, r, &req) {
		return
	}
	username, ok := requireUsername(w, req.Username)
	if !ok {
		return
	}
	eff, err := s.scrapeConfig(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// 同一用户的并发请求共享一次运行；运行不随单个请求取消而中止。
	v, _, shared := s.scrapes.Do(username, func() (any, error) {
		return s.execute(s.base, eff, username, s.reg), nil
	})
	rr := v.(domain.RunReport)
	log.Info().Str("username", username).Bool("shared", shared).Int("scraped", rr.Summary.Scraped).Int("failed", rr.Summary.Failed).Msg("抓取完成")

	if status, msg, failed := runFailure(rr); failed {
		writeError(w, status, msg)
		return
	}
	if rr.Discovered == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("没有找到 %s 的任何影片", username))
		return
	}

	recs, err := loadRecords(eff.OutDir, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st := report.Summarize(recs, report.DefaultTopN)
	st.Listed = rr.Discovered
	writeJSON(w, http.StatusOK, scrapeResponse{
		Success:    true,
		Username:   username,
		TotalFilms: len(recs),
		Report:     rr,
		Stats:      st,
	})
}

// scrapeConfig 把请求里的覆盖项叠加到服务端配置上（与 CLI 同样的范围约束）。
func (s *Server) scrapeConfig(req scrapeRequest) (config.EffectiveConfig, error) {
	eff := s.eff
	if req.MaxPages != nil {
		if *req.MaxPages < 0 {
			return eff, fmt.Errorf("max_pages 不能为负数：%d", *req.MaxPages)
		}
		eff.Listing.MaxPages = *req.MaxPages
	}
	if req.MaxFilms != nil {
		if *req.MaxFilms < 0 {
			return eff, fmt.Errorf("max_films 不能为负数：%d", *req.MaxFilms)
		}
		eff.Scrape.MaxFilms = *req.MaxFilms
	}
	if req.Workers != nil {
		eff.Scrape.Workers = min(max(*req.Workers, config.MinWorkers), config.MaxWorkers)
	}
	if strings.TrimSpace(req.Mode) != "" {
		m, err := pool.ParseMode(req.Mode)
		if err != nil {
			return eff, err
		}
		eff.Mode = m
		eff.Scrape.Mode = string(m)
	}
	if req.RetryFailed != nil {
		eff.Scrape.RetryFailed = *req.RetryFailed
	}
	if req.Rescrape != nil {
		eff.Scrape.Rescrape = *req.Rescrape
	}
	return eff, nil
}

// runFailure 识别运行级（非单条影片）的失败：用户名、记录文件、片单扫描。
func runFailure(rr domain.RunReport) (int, string, bool) {
	for _, it := range rr.Items {
		if it.URL != "" || it.Status != domain.StatusFailed {
			continue
		}
		switch it.ErrorCode {
		case domain.ErrCodeConfigInvalid:
			return http.StatusBadRequest, it.ErrorMsg, true
		case domain.ErrCodeDiscoverFailed:
			return http.StatusBadGateway, it.ErrorMsg, true
		case domain.ErrCodeCancelled:
			return http.StatusServiceUnavailable, it.ErrorMsg, true
		default:
			return http.StatusInternalServerError, it.ErrorMsg, true
		}
	}
	return 0, "", false
}

type recommendRequest struct {
	Username   string                 `json:"username"`
	TopN       int                    `json:"top_n"`
	MinRating  float64                `json:"min_rating"`
	Candidates []domain.MinimalRecord `json:"candidates"`
}

type recommendResponse struct {
	Success         bool                       `json:"success"`
	Username        string                     `json:"username"`
	Count           int                        `json:"count"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
}

func (s *Server) recommendations(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if !decode(w, r, &req) {
		return
	}
	username, ok := requireUsername(w, req.Username)
	if !ok {
		return
	}
	candidates := recommend.FromMinimal(req.Candidates)
	if len(candidates) == 0 {
		writeError(w, http.StatusBadRequest, "candidates 不能为空（至少一条带类型/导演/演员/均分的影片）")
		return
	}
	rated, ok := s.records(w, username)
	if !ok {
		return
	}

	recs := s.scorer.Score(r.Context(), rated, candidates, recommend.Prefs{
		TopN:             req.TopN,
		MinAverageRating: req.MinRating,
	})
	writeJSON(w, http.StatusOK, recommendResponse{
		Success:         true,
		Username:        username,
		Count:           len(recs),
		Recommendations: recs,
	})
}

type visualizationsRequest struct {
	Username string `json:"username"`
}

type visualizationsResponse struct {
	Success  bool          `json:"success"`
	Username string        `json:"username"`
	Charts   report.Charts `json:"charts"`
}

func (s *Server) visualizations(w http.ResponseWriter, r *http.Request) {
	var req visualizationsRequest
	if !decode(w, r, &req) {
		return
	}
	username, ok := requireUsername(w, req.Username)
	if !ok {
		return
	}
	recs, ok := s.records(w, username)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, visualizationsResponse{
		Success:  true,
		Username: username,
		Charts:   report.BuildCharts(recs),
	})
}

// records 读取用户记录；没有记录时写 404。
func (s *Server) records(w http.ResponseWriter, username string) ([]domain.FilmRecord, bool) {
	recs, err := loadRecords(s.eff.OutDir, username)
	switch {
	case errors.Is(err, errNoRecords):
		writeError(w, http.StatusNotFound, fmt.Sprintf("没有 %s 的记录，请先抓取", username))
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return recs, true
}

func loadRecords(outDir, username string) ([]domain.FilmRecord, error) {
	path := store.Paths(outDir, username).Detailed
	if _, err := os.Stat(path); err != nil {
		return nil, errNoRecords
	}
	return store.FileStore{}.Load(path)
}

func requireUsername(w http.ResponseWriter, raw string) (string, bool) {
	u := strings.TrimSpace(raw)
	if u == "" {
		writeError(w, http.StatusBadRequest, "username 不能为空")
		return "", false
	}
	if !catalogue.ValidUsername(u) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("用户名非法：%q", u))
		return "", false
	}
	return u, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "请求体过大")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("请求体不是合法 JSON：%v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("序列化响应失败")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}
