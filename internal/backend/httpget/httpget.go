// Package httpget 是轻量 HTTP backend：单次 GET，返回服务端渲染的原始 HTML。
package httpget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/slug"
)

// maxBodyBytes 限制单页读取上限（详情页通常 < 1MB）。
const maxBodyBytes = 8 << 20

// Backend 复用同一个 *http.Client（连接池并发安全）。
type Backend struct {
	Client *http.Client
}

var _ backend.Backend = (*Backend)(nil)

func New(c *http.Client) *Backend {
	return &Backend{Client: c}
}

func (*Backend) Kind() backend.Kind { return backend.KindHTTP }

func (b *Backend) Fetch(ctx context.Context, u string, opt backend.Options) ([]byte, error) {
	if !slug.Valid(u) {
		return nil, backend.Wrap(backend.KindHTTP, u, backend.ErrInvalidURL)
	}
	if b.Client == nil {
		return nil, backend.Wrap(backend.KindHTTP, u, errors.New("http client 不能为空"))
	}
	opt = opt.WithDefaults()

	ctx, cancel := context.WithTimeout(ctx, opt.Timeout)
	defer cancel()

	body, err := get(ctx, b.Client, u)
	if err != nil {
		return nil, backend.Wrap(backend.KindHTTP, u, err)
	}
	if reason, blocked := backend.DetectBlocked(body); blocked {
		return nil, backend.Wrap(backend.KindHTTP, u, &backend.BlockedError{URL: u, Reason: reason})
	}
	return body, nil
}

func (*Backend) Close() error { return nil }

func get(ctx context.Context, c *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if reason, blocked := backend.DetectBlockedResponse(resp.StatusCode, resp.Header.Get("cf-mitigated"), head); blocked {
			return nil, &backend.BlockedError{URL: u, Reason: reason}
		}
		return nil, &backend.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxBodyBytes {
		return nil, fmt.Errorf("响应体超过上限 %d 字节", maxBodyBytes)
	}
	return b, nil
}
