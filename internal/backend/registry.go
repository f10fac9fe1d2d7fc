package backend

import (
	"errors"
	"fmt"
)

// Registry 是 backend 的只读注册表（按 Kind 索引）。
type Registry struct {
	byKind map[Kind]Backend
}

func NewRegistry(backends ...Backend) (Registry, error) {
	byKind := make(map[Kind]Backend, len(backends))
	for _, b := range backends {
		if b == nil {
			return Registry{}, fmt.Errorf("backend 不能为空")
		}
		k := b.Kind()
		if _, err := ParseKind(string(k)); err != nil {
			return Registry{}, err
		}
		if _, ok := byKind[k]; ok {
			return Registry{}, fmt.Errorf("重复的 backend：%q", k)
		}
		byKind[k] = b
	}
	return Registry{byKind: byKind}, nil
}

func (r Registry) Get(k Kind) (Backend, bool) {
	if r.byKind == nil {
		return nil, false
	}
	b, ok := r.byKind[k]
	return b, ok
}

// Kinds 返回 order 中已注册的 backend（保持 order 顺序）。
func (r Registry) Kinds(order []Kind) []Kind {
	out := make([]Kind, 0, len(order))
	for _, k := range order {
		if _, ok := r.Get(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Close 关闭所有 backend，返回合并后的错误。
func (r Registry) Close() error {
	var errs []error
	for _, k := range DefaultOrder {
		if b, ok := r.byKind[k]; ok {
			if err := b.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭 backend %s 失败：%w", k, err))
			}
		}
	}
	return errors.Join(errs...)
}
