package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/John-Robertt/boxdharvest/internal/infra/fsx"
)

// Store 提供 <out>/cache/pages/ 下的详情页 HTML 缓存。
//
// 约束：
// - 缓存只用于排查站点结构漂移（离线重放 extract），不参与抓取决策
// - ReadOnly=true 时拒绝写入
type Store struct {
	Root     string // <out>
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// PageHTMLPath 返回某个影片 slug 的 HTML 缓存绝对路径。
func (s Store) PageHTMLPath(slug string) (string, error) {
	slug, err := cleanSlug(slug)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "cache", "pages", slug+".html"), nil
}

func (s Store) ReadPageHTML(slug string) ([]byte, bool, error) {
	path, err := s.PageHTMLPath(slug)
	if err != nil {
		return nil, false, err
	}
	return fsx.ReadFileIfExists(path)
}

func (s Store) WritePageHTML(slug string, html []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	slug, err := cleanSlug(slug)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Join(s.Root, "cache", "pages"), slug+".html", html)
}

var slugRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func cleanSlug(slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return "", fmt.Errorf("slug 不能为空")
	}
	// 最小约束：避免路径穿越。
	if !slugRE.MatchString(slug) || strings.Contains(slug, "..") {
		return "", fmt.Errorf("非法 slug：%q", slug)
	}
	return slug, nil
}
