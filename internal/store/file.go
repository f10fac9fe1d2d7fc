package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/infra/fsx"
)

// Persister 抽象记录快照的读写。
//
// 约束：
// - Load 对不存在的文件返回空切片与 nil
// - Save 必须原子替换（中断不会留下半截文件）
type Persister interface {
	Load(path string) ([]domain.FilmRecord, error)
	Save(path string, records []domain.FilmRecord) error
}

// FileStore 是基于 JSON 文件的 Persister。
type FileStore struct{}

var _ Persister = FileStore{}

// FilePaths 是某个用户的全部输出文件。
type FilePaths struct {
	Detailed string
	Minimal  string
	Listing  string
	Report   string
}

// Paths 返回 dir 下 username 对应的输出文件路径。
func Paths(dir, username string) FilePaths {
	u := strings.TrimSpace(username)
	return FilePaths{
		Detailed: filepath.Join(dir, u+"_detailed_films.json"),
		Minimal:  filepath.Join(dir, u+"_films_minimal.json"),
		Listing:  filepath.Join(dir, u+"_collected_films.json"),
		Report:   filepath.Join(dir, u+"_report.json"),
	}
}

func (FileStore) Load(path string) ([]domain.FilmRecord, error) {
	b, ok, err := fsx.ReadFileIfExists(path)
	if err != nil {
		return nil, err
	}
	if !ok || len(strings.TrimSpace(string(b))) == 0 {
		return []domain.FilmRecord{}, nil
	}
	var rs []domain.FilmRecord
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, fmt.Errorf("解析记录文件失败（%s）：%w", path, err)
	}
	for i := range rs {
		rs[i].Normalize()
	}
	return rs, nil
}

func (FileStore) Save(path string, records []domain.FilmRecord) error {
	if records == nil {
		records = []domain.FilmRecord{}
	}
	for i := range records {
		records[i].Normalize()
	}
	return writeJSON(path, records)
}

// SaveMinimal 写出精简投影（推荐器读取的格式）。
func SaveMinimal(path string, records []domain.FilmRecord) error {
	out := make([]domain.MinimalRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r.Minimal())
	}
	return writeJSON(path, out)
}

// LoadMinimal 读取精简投影；文件不存在时返回空切片。
func LoadMinimal(path string) ([]domain.MinimalRecord, error) {
	b, ok, err := fsx.ReadFileIfExists(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []domain.MinimalRecord{}, nil
	}
	var out []domain.MinimalRecord
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("解析精简记录失败（%s）：%w", path, err)
	}
	return out, nil
}

// SaveListing 写出片单快照。
func SaveListing(path string, entries []domain.ListingEntry) error {
	if entries == nil {
		entries = []domain.ListingEntry{}
	}
	return writeJSON(path, entries)
}

// LoadListing 读取片单快照；文件不存在时返回空切片。
func LoadListing(path string) ([]domain.ListingEntry, error) {
	b, ok, err := fsx.ReadFileIfExists(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []domain.ListingEntry{}, nil
	}
	var out []domain.ListingEntry
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("解析片单快照失败（%s）：%w", path, err)
	}
	return out, nil
}

// WriteJSON 以缩进格式原子写出任意值（报告等）。
func WriteJSON(path string, v any) error { return writeJSON(path, v) }

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return fsx.WriteFileAtomic(dir, name, b)
}
