package domain

import (
	"strings"
	"time"
)

const (
	// ScrapeStatusSuccess 表示详情页抓取并解析成功。
	ScrapeStatusSuccess = "success"
	// scrapeStatusFailedPrefix 是失败状态的固定前缀（写入 JSON 的对外契约）。
	scrapeStatusFailedPrefix = "failed: "
)

// 失败原因（英文，作为 scrape_status 的一部分落盘）。
const (
	ReasonInvalidURL     = "Invalid or missing URL"
	ReasonFetchFailed    = "Failed to get page content"
	ReasonInvalidPage    = "Invalid page structure"
	ReasonPanicPrefix    = "panic: "
	ReasonCancelled      = "Cancelled before completion"
	DefaultTitleFallback = "Unknown Title"
)

// 列表字段上限（噪音抑制）。
const (
	MaxGenres    = 10
	MaxDirectors = 2
	MaxActors    = 10
	MaxWriters   = 2

	MaxDescriptionRunes = 500
)

// FilmRecord 是每个影片 URL 对应的一条记录（store 的基本单元）。
//
// 约束：
// - URL 是唯一身份键（规范化后），store 中不会出现两条同 URL 的记录。
// - scrape_status 以 "failed: " 开头的记录只保证 Title（由 URL slug 推导）与片单上的 PersonalRating，其它字段为空。
// - PersonalRating 只来自片单列表页，详情页抓取不会覆盖它。
type FilmRecord struct {
	URL             string   `json:"url"`
	Title           string   `json:"title"`
	ReleaseYear     *int     `json:"release_year"`
	RuntimeMinutes  *int     `json:"runtime_minutes"`
	Genres          []string `json:"genres"`
	Directors       []string `json:"directors"`
	Actors          []string `json:"actors"`
	Studios         []string `json:"studios"`
	Language        string   `json:"language"`
	Countries       []string `json:"countries"`
	Writers         []string `json:"writers"`
	Composer        string   `json:"composer"`
	Cinematographer string   `json:"cinematographer"`

	AverageRating  *float64 `json:"average_rating"`
	PersonalRating *float64 `json:"personal_rating"`

	Description  string    `json:"description"`
	ScrapeStatus string    `json:"scrape_status"`
	LastScraped  time.Time `json:"last_scraped"`
}

// Failed 判断记录是否为失败记录。
func (r FilmRecord) Failed() bool {
	return strings.HasPrefix(r.ScrapeStatus, strings.TrimSpace(scrapeStatusFailedPrefix))
}

// FailedStatus 生成 "failed: <reason>"。
func FailedStatus(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	return scrapeStatusFailedPrefix + reason
}

// FailureReason 取出失败原因；成功记录返回空串。
func (r FilmRecord) FailureReason() string {
	if !r.Failed() {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(r.ScrapeStatus, strings.TrimSpace(scrapeStatusFailedPrefix)))
}

// NewFailedRecord 构造失败记录：只保留 URL、由调用方给出的 slug 标题与状态，其它字段全部置空。
func NewFailedRecord(url, title, reason string, now time.Time) FilmRecord {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitleFallback
	}
	return FilmRecord{
		URL:          url,
		Title:        title,
		Genres:       []string{},
		Directors:    []string{},
		Actors:       []string{},
		Studios:      []string{},
		Countries:    []string{},
		Writers:      []string{},
		ScrapeStatus: FailedStatus(reason),
		LastScraped:  now.UTC(),
	}
}

// Normalize 把 nil 切片替换为空切片，保证 JSON 输出为 [] 而不是 null。
func (r *FilmRecord) Normalize() {
	if r.Genres == nil {
		r.Genres = []string{}
	}
	if r.Directors == nil {
		r.Directors = []string{}
	}
	if r.Actors == nil {
		r.Actors = []string{}
	}
	if r.Studios == nil {
		r.Studios = []string{}
	}
	if r.Countries == nil {
		r.Countries = []string{}
	}
	if r.Writers == nil {
		r.Writers = []string{}
	}
	r.LastScraped = r.LastScraped.UTC()
}

// ListingEntry 是片单列表页中的一个条目。
type ListingEntry struct {
	URL            string   `json:"url"`
	Title          string   `json:"title"`
	PersonalRating *float64 `json:"personal_rating"`
}

// MinimalRecord 是对外的精简投影（去掉 scrape_status / last_scraped 等簿记字段）。
// 字段名沿用历史的 minimal 文件格式（runtime / country）。
type MinimalRecord struct {
	Title           string   `json:"title"`
	ReleaseYear     *int     `json:"release_year"`
	Runtime         *int     `json:"runtime"`
	AverageRating   *float64 `json:"average_rating"`
	PersonalRating  *float64 `json:"personal_rating"`
	Genres          []string `json:"genres"`
	Directors       []string `json:"directors"`
	Actors          []string `json:"actors"`
	Studios         []string `json:"studios"`
	Language        string   `json:"language"`
	Country         []string `json:"country"`
	Writers         []string `json:"writers"`
	Composer        string   `json:"composer"`
	Cinematographer string   `json:"cinematographer"`
	Description     string   `json:"description"`
	URL             string   `json:"url"`
}

// Minimal 生成精简投影。
func (r FilmRecord) Minimal() MinimalRecord {
	r.Normalize()
	return MinimalRecord{
		Title:           r.Title,
		ReleaseYear:     r.ReleaseYear,
		Runtime:         r.RuntimeMinutes,
		AverageRating:   r.AverageRating,
		PersonalRating:  r.PersonalRating,
		Genres:          r.Genres,
		Directors:       r.Directors,
		Actors:          r.Actors,
		Studios:         r.Studios,
		Language:        r.Language,
		Country:         r.Countries,
		Writers:         r.Writers,
		Composer:        r.Composer,
		Cinematographer: r.Cinematographer,
		Description:     r.Description,
		URL:             r.URL,
	}
}

// Record 把精简投影还原为记录（用于读取推荐候选；簿记字段留空）。
func (m MinimalRecord) Record() FilmRecord {
	r := FilmRecord{
		URL:             m.URL,
		Title:           m.Title,
		ReleaseYear:     m.ReleaseYear,
		RuntimeMinutes:  m.Runtime,
		Genres:          m.Genres,
		Directors:       m.Directors,
		Actors:          m.Actors,
		Studios:         m.Studios,
		Language:        m.Language,
		Countries:       m.Country,
		Writers:         m.Writers,
		Composer:        m.Composer,
		Cinematographer: m.Cinematographer,
		AverageRating:   m.AverageRating,
		PersonalRating:  m.PersonalRating,
		Description:     m.Description,
		ScrapeStatus:    ScrapeStatusSuccess,
	}
	r.Normalize()
	return r
}
