package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/agent"
	"github.com/any-hub/offline-agent/internal/cache"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/server"
	"github.com/any-hub/offline-agent/internal/upstream"
)

const (
	headerSource = "X-Offline-Agent-Source"
	headerState  = "X-Offline-Agent-State"
)

// Handler 把 Fiber 请求交给 Agent 状态机；不在拦截范围内的请求原样透传到源站。
type Handler struct {
	agent  *agent.Agent
	client *upstream.Client
	logger *logrus.Logger
	scope  string
}

// NewHandler constructs a proxy handler. scope 按路径段匹配，统一补齐结尾的 "/"，
// 为空时视为 "/"。
func NewHandler(a *agent.Agent, client *upstream.Client, logger *logrus.Logger, scope string) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return &Handler{
		agent:  a,
		client: client,
		logger: logger,
		scope:  scope,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	uri := requestURI(c)

	if !h.shouldIntercept(c.Method(), requestPath(c)) {
		return h.passThrough(c, ctx, uri, requestID, started)
	}

	req := cache.NewRequest(c.Method(), uri, fiberHeadersAsHTTP(c))
	out, err := h.agent.Respond(ctx, req)
	if errors.Is(err, agent.ErrNotIntercepted) {
		return h.passThrough(c, ctx, uri, requestID, started)
	}
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "intercept",
			"path":       req.Path(),
			"request_id": requestID,
		}).Error("intercept_failed")
		return h.writeError(c, fiber.StatusInternalServerError, "intercept_failed")
	}

	h.logResult(req, out, requestID, started)
	return h.writeOutcome(c, out, requestID)
}

// shouldIntercept：仅已激活 Agent 的作用域内 GET 请求进入状态机。
func (h *Handler) shouldIntercept(method, path string) bool {
	if method != http.MethodGet {
		return false
	}
	if !inScope(path, h.scope) {
		return false
	}
	return h.agent != nil && h.agent.Controlling()
}

func (h *Handler) writeOutcome(c fiber.Ctx, out *agent.Outcome, requestID string) error {
	resp := out.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del("Content-Length")
	c.Set(headerSource, string(out.Source))
	c.Set(headerState, out.State.String())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	return c.Send(resp.Body)
}

// passThrough 不经过缓存，直接把请求与响应在客户端和源站之间流式转发。
func (h *Handler) passThrough(c fiber.Ctx, ctx context.Context, uri, requestID string, started time.Time) error {
	resp, err := h.client.Forward(ctx, c.Method(), uri, fiberHeadersAsHTTP(c), bytesReader(c.Body()))
	if err != nil {
		h.logPassThrough(c, uri, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logPassThrough(c, uri, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logPassThrough(c, uri, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(req cache.Request, out *agent.Outcome, requestID string, started time.Time) {
	fields := logging.RequestFields(
		h.agent.Generation().Tag(),
		req.Method,
		req.Path(),
		string(out.Strategy),
		out.State.String(),
		string(out.Source),
		string(out.Partition),
	)
	fields["action"] = "intercept"
	fields["status"] = out.Response.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if out.NetworkErr != nil {
		fields["network_error"] = out.NetworkErr.Error()
	}
	if out.State == agent.StateFallback {
		h.logger.WithFields(fields).Warn("intercept_fallback")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func (h *Handler) logPassThrough(c fiber.Ctx, uri, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":          "passthrough",
		"method":          c.Method(),
		"path":            uri,
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("passthrough_failed")
		return
	}
	h.logger.WithFields(fields).Debug("passthrough_complete")
}

// inScope 按路径段比较：scope "/app/" 覆盖 "/app" 与 "/app/x"，不覆盖 "/apple"。
func inScope(path, scope string) bool {
	return strings.HasPrefix(path, scope) || path+"/" == scope
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

// requestURI 返回 path?query，与缓存键的 URL 形式一致。
func requestURI(c fiber.Ctx) string {
	p := requestPath(c)
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		return p + "?" + string(query)
	}
	return p
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if cache.IsHopByHopHeader(key) {
			continue
		}
		// 首个值覆盖默认头，其余追加，保留 Set-Cookie 等多值头。
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
