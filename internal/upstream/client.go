// Package upstream 封装对源站的访问：共享 http.Client、hop-by-hop 头过滤，
// 以及把源站响应完整读入 cache.Response 的 Fetch。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/config"
)

// conditionalHeaders 不向源站转发：缓存需要完整正文，304 不能替代已缓存的条目。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// ErrNetwork 表示请求未拿到任何源站响应（离线、超时、连接被拒等）。
var ErrNetwork = errors.New("network request failed")

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 对单一源站发起请求，所有拦截与透传共享同一个实例。
type Client struct {
	http   *http.Client
	origin *url.URL
}

// NewClient 根据全局配置构建源站客户端。
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %s", cfg.Global.Origin)
	}

	timeout := 30 * time.Second
	if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		origin: origin,
	}, nil
}

// Origin 返回解析后的源站地址。
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Fetch 发起单次 GET，不重试。任何状态码都视为成功拿到响应；
// 只有传输层失败才返回 ErrNetwork。
func (c *Client) Fetch(ctx context.Context, req cache.Request) (*cache.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(req.URL), http.NoBody)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	// 交给 Transport 自行协商压缩并透明解压，缓存中只保存未压缩正文。
	httpReq.Header.Del("Accept-Encoding")
	for _, key := range conditionalHeaders {
		httpReq.Header.Del(key)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Forward 原样透传请求，调用方负责关闭返回的 Body。
func (c *Client) Forward(ctx context.Context, method, uri string, header http.Header, body io.Reader) (*http.Response, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(uri), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(req.Header, header)
	req.Header.Del("Accept-Encoding")
	req.Host = c.origin.Host

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return resp, nil
}

func (c *Client) resolve(uri string) string {
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return strings.TrimRight(c.origin.String(), "/") + uri
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if cache.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
