package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
)

// checkPut 按 Cache API 语义拒绝非 GET 请求、206 与 Vary: * 响应。
func checkPut(req Request, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", ErrNotCacheable)
	}
	if req.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrNotCacheable, req.Method)
	}
	if resp.Status == http.StatusPartialContent {
		return fmt.Errorf("%w: partial content", ErrNotCacheable)
	}
	if resp.Status == http.StatusNotModified {
		return fmt.Errorf("%w: not modified", ErrNotCacheable)
	}
	for _, field := range varyFields(resp.Header) {
		if field == "*" {
			return fmt.Errorf("%w: vary *", ErrNotCacheable)
		}
	}
	return nil
}

// storedHeaders 去掉不应持久化的头，Content-Length 由写出方按正文重新计算。
func storedHeaders(src http.Header) http.Header {
	dst := http.Header{}
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if canonical == "Content-Length" || isHopByHop(canonical) {
			continue
		}
		dst[canonical] = append([]string(nil), values...)
	}
	return dst
}

// varyRequestHeaders 只保留响应 Vary 中列出的请求头，用于后续比较。
func varyRequestHeaders(req Request, resp *Response) http.Header {
	fields := varyFields(resp.Header)
	if len(fields) == 0 {
		return nil
	}
	out := http.Header{}
	for _, field := range fields {
		if values := req.Header.Values(field); len(values) > 0 {
			out[field] = append([]string(nil), values...)
		}
	}
	return out
}

func varyFields(header http.Header) []string {
	var fields []string
	for _, raw := range header.Values("Vary") {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "*" {
				fields = append(fields, part)
				continue
			}
			fields = append(fields, textproto.CanonicalMIMEHeaderKey(part))
		}
	}
	return fields
}

// varyMatches 比较查找请求与写入时记录的请求头。
func varyMatches(lookup Request, stored http.Header, resp *Response, opts MatchOptions) bool {
	if opts.IgnoreVary {
		return true
	}
	for _, field := range varyFields(resp.Header) {
		if field == "*" {
			return false
		}
		if lookup.Header.Get(field) != stored.Get(field) {
			return false
		}
	}
	return true
}

// matchAcross 依次查询 names 对应的分区，供各驱动实现 Storage.Match。
func matchAcross(ctx context.Context, s Storage, names []string, req Request, opts MatchOptions) (*Response, error) {
	for _, name := range names {
		partition, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := partition.Match(ctx, req, opts)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func validPartitionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	return nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

func isHopByHop(canonical string) bool {
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHop(textproto.CanonicalMIMEHeaderKey(key))
}
