package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PostgREST 定义对 PostgREST（Supabase REST）表的最小操作集，便于 gomock 打桩。
// 功能：select / insert / 条件 update；过滤条件采用 PostgREST 语法（见 Eq、In、Lt）。
type PostgREST interface {
	// Select GET /{table}?{query}，结果解码到 out（通常为切片指针）。
	Select(ctx context.Context, table string, query url.Values, out any) error
	// Insert POST /{table}；out 非 nil 时请求 return=representation 并解码插入后的行。
	Insert(ctx context.Context, table string, rows any, out any) error
	// Update PATCH /{table}?{filter}；out 非 nil 时解码被更新的行（用于判断影响行数）。
	Update(ctx context.Context, table string, filter url.Values, patch any, out any) error
}

// APIError 非 2xx 响应。
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s => %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// httpPostgREST 实现 PostgREST。
type httpPostgREST struct {
	hc   *http.Client
	base string
	key  string
}

// NewHTTPPostgREST 构造 HTTP 实现。
// 参数：endpoint 形如 https://xyz.supabase.co（自动补 /rest/v1），key 为访问密钥。
func NewHTTPPostgREST(endpoint, key string) PostgREST {
	return NewHTTPPostgRESTWithClient(endpoint, key, &http.Client{Timeout: 15 * time.Second})
}

// NewHTTPPostgRESTWithClient 使用自定义 http.Client 构造（测试或自定义传输层）。
func NewHTTPPostgRESTWithClient(endpoint, key string, hc *http.Client) PostgREST {
	base := strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(base, "/rest/v1") {
		base += "/rest/v1"
	}
	return &httpPostgREST{hc: hc, base: base, key: key}
}

func (h *httpPostgREST) Select(ctx context.Context, table string, query url.Values, out any) error {
	return h.do(ctx, http.MethodGet, h.url(table, query), nil, "", out)
}

func (h *httpPostgREST) Insert(ctx context.Context, table string, rows any, out any) error {
	return h.do(ctx, http.MethodPost, h.url(table, nil), rows, prefer(out), out)
}

func (h *httpPostgREST) Update(ctx context.Context, table string, filter url.Values, patch any, out any) error {
	if len(filter) == 0 {
		// 无过滤条件的 PATCH 会更新整表
		return errors.New("update without filter is not allowed")
	}
	return h.do(ctx, http.MethodPatch, h.url(table, filter), patch, prefer(out), out)
}

func (h *httpPostgREST) url(table string, q url.Values) string {
	u := h.base + "/" + url.PathEscape(table)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func prefer(out any) string {
	if out == nil {
		return "return=minimal"
	}
	return "return=representation"
}

// do 执行请求并可选解码 JSON 响应。
func (h *httpPostgREST) do(ctx context.Context, method, u string, body any, preferHdr string, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode body")
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("apikey", h.key)
	req.Header.Set("Authorization", "Bearer "+h.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if preferHdr != "" {
		req.Header.Set("Prefer", preferHdr)
	}
	res, err := h.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &APIError{Method: method, URL: u, Status: res.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, u)
	}
	return nil
}

// ---- 过滤条件构造 ----

// Eq 生成 eq.<v>。
func Eq(v string) string { return "eq." + v }

// Lt 生成 lt.<v>。
func Lt(v string) string { return "lt." + v }

// In 生成 in.(a,b,c)。
func In(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return "in.(" + strings.Join(parts, ",") + ")"
}
