package agent

import (
	"context"
	"net/http"

	"github.com/any-hub/offline-agent/internal/cache"
)

const offlinePlaceholderSVG = `<svg viewBox="0 0 400 300" xmlns="http://www.w3.org/2000/svg">
  <path fill="#dde3ed" d="M0 0h400v300H0z"/>
  <text fill="#8e99ab" font-family="-apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif" font-size="72" font-weight="bold">
    <tspan x="93" y="172">offline</tspan>
  </text>
</svg>
`

// fallback 在网络与缓存都失败时生成降级响应：HTML 返回缓存的离线页，
// 图片返回内联 SVG 占位图，其余类型返回 503。
func (a *Agent) fallback(ctx context.Context, req cache.Request) *cache.Response {
	if isRequestOfType(req, "text/html") {
		offline := cache.NewRequest(http.MethodGet, a.gen.OfflineFallback(), nil)
		if resp := a.readCaches(ctx, offline); resp != nil {
			return resp
		}
		// 离线页在安装阶段必定写入，这里只会在存储被外部破坏时走到。
		a.logger.WithField("url", a.gen.OfflineFallback()).Error("offline_page_missing")
		return serviceUnavailable()
	}
	if isRequestOfType(req, "image") {
		return placeholderImage()
	}
	return serviceUnavailable()
}

func placeholderImage() *cache.Response {
	return &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"image/svg+xml"}},
		Body:   []byte(offlinePlaceholderSVG),
	}
}

func serviceUnavailable() *cache.Response {
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{
			"Content-Type":  {"text/plain; charset=utf-8"},
			"Cache-Control": {"no-store"},
		},
		Body: []byte("offline"),
	}
}
