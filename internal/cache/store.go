package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Storage 对应一组具名缓存分区，分区按创建顺序排列。磁盘布局由具体驱动决定：
//
//	fs:     <StoragePath>/<partition>/<sha1>.json + <sha1>.body
//	sqlite: <StoragePath>/offline-agent.db
type Storage interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在，不会创建分区。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个分区及其条目，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 按创建顺序返回全部分区名称。
	Keys(ctx context.Context) ([]string, error)

	// Match 依创建顺序在所有分区中查找请求，返回第一个命中。未命中返回 ErrNotFound。
	Match(ctx context.Context, req Request, opts MatchOptions) (*Response, error)

	Close() error
}

// Partition 是单个具名缓存，保存 Request → Response 映射，并维护插入顺序。
type Partition interface {
	Name() string

	// Put 写入条目。同一 method+URL 的旧条目会被替换，新条目移到插入顺序末尾。
	Put(ctx context.Context, req Request, resp *Response) error

	// Match 查找条目，未命中返回 ErrNotFound。
	Match(ctx context.Context, req Request, opts MatchOptions) (*Response, error)

	// Delete 删除条目，返回条目此前是否存在。
	Delete(ctx context.Context, req Request) (bool, error)

	// Keys 按插入顺序（最旧在前）返回所有条目的请求。
	Keys(ctx context.Context) ([]Request, error)
}

// MatchOptions 控制查找时是否比较 Vary 头。
type MatchOptions struct {
	IgnoreVary bool
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartition 表示分区名称非法（空或包含路径分隔符）。
	ErrInvalidPartition = errors.New("invalid partition name")
	// ErrNotCacheable 表示请求或响应不允许写入缓存。
	ErrNotCacheable = errors.New("response not cacheable")
)

// Request 描述缓存键：方法 + 站内 URL（path?query，不含 fragment）+ 请求头。
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// NewRequest 规范化方法与 URL。绝对 URL 只保留 path 与 query，因为代理只服务单一站点。
func NewRequest(method, rawURL string, header http.Header) Request {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return Request{
		Method: method,
		URL:    normalizeURL(rawURL),
		Header: header,
	}
}

func normalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		if idx := strings.Index(raw, "#"); idx >= 0 {
			return raw[:idx]
		}
		return raw
	}
	out := parsed.EscapedPath()
	if out == "" {
		out = "/"
	}
	if parsed.RawQuery != "" {
		out += "?" + parsed.RawQuery
	}
	return out
}

// Key 返回条目的唯一键。
func (r Request) Key() string {
	return r.Method + " " + r.URL
}

// Path 返回 URL 的 pathname 部分。
func (r Request) Path() string {
	if idx := strings.IndexByte(r.URL, '?'); idx >= 0 {
		return r.URL[:idx]
	}
	return r.URL
}

// Accept 返回请求声明的 Accept 头，缺省时按 text/html 处理。
func (r Request) Accept() string {
	if r.Header != nil {
		if accept := r.Header.Get("Accept"); accept != "" {
			return accept
		}
	}
	return "text/html"
}

// Response 是缓存中保存的完整响应。Body 已全部读入内存。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone 深拷贝响应，写缓存的副本与返回给调用方的响应互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   body,
	}
}

// OK 表示 2xx 响应。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}
