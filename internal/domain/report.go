package domain

import (
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	StatusScraped = "scraped"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const (
	ErrCodeInvalidURL     = "invalid_url"
	ErrCodeFetchFailed    = "fetch_failed"
	ErrCodeInvalidPage    = "invalid_page"
	ErrCodePanic          = "panic"
	ErrCodeCancelled      = "cancelled"
	ErrCodeDiscoverFailed = "discover_failed"
	ErrCodeIOFailed       = "io_failed"
	ErrCodeConfigInvalid  = "config_invalid"
)

// RunReport 是对外稳定输出（stdout JSON / <user>_report.json）的结构。
type RunReport struct {
	RunID    string `json:"run_id"`
	Username string `json:"username"`
	OutDir   string `json:"out_dir"`

	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Interrupted bool      `json:"interrupted"`

	Discovered int `json:"discovered"`
	Stored     int `json:"stored"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Scraped int `json:"scraped"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// ItemResult 是单个 URL 的处理结果（一次 run 内）。
type ItemResult struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	BackendUsed string `json:"backend_used"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	Attempts []Attempt `json:"attempts"`
}

// Attempt 记录一次 backend 获取尝试（用于解释降级链路）。
type Attempt struct {
	Backend  string `json:"backend"`
	N        int    `json:"n"`
	Stage    string `json:"stage"` // fetch|skip|ok
	ErrorMsg string `json:"error_msg"`
}

// NewRunReport 创建带随机 run_id 的空报告。
func NewRunReport(username, outDir string, started time.Time) RunReport {
	return RunReport{
		RunID:     uuid.NewString(),
		Username:  username,
		OutDir:    outDir,
		StartedAt: started.UTC(),
		Items:     make([]ItemResult, 0, 64),
	}
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 稳定排序：按 url 字典序；url=="" 的合成条目排在最后
// 3) summary 由 items 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Items, func(i, j int) bool {
		a := strings.ToLower(r.Items[i].URL)
		b := strings.ToLower(r.Items[j].URL)
		if a == "" || b == "" {
			return a != "" && b == ""
		}
		return a < b
	})

	var s ReportSummary
	for i := range r.Items {
		if r.Items[i].Attempts == nil {
			r.Items[i].Attempts = []Attempt{}
		}
		switch r.Items[i].Status {
		case StatusScraped:
			s.Scraped++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	r.Summary = s
}

// MarshalJSON 集中约束输出的稳定性。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	if r.Items == nil {
		r.Items = []ItemResult{}
	}
	return json.Marshal(Alias(r))
}
