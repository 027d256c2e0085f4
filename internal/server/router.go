package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	fiberrecover "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers every non-diagnostics
// request. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
}

const contextKeyRequestID = "_offline_agent_request_id"

// DiagnosticsPrefix marks paths served by the agent itself instead of the origin.
const DiagnosticsPrefix = "/-/"

// NewApp builds a Fiber application with request-ID middleware and
// structured error handling. Diagnostics routes registered after NewApp
// take precedence over the proxy for paths under DiagnosticsPrefix.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(fiberrecover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if IsDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return invokeProxy(c, opts.Proxy, opts.Logger)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID，并回写到响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// invokeProxy 捕获 handler panic，输出结构化日志并返回 JSON 错误，避免连接被直接断开。
func invokeProxy(c fiber.Ctx, handler ProxyHandler, logger *logrus.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			requestID := RequestID(c)
			logger.WithFields(logrus.Fields{
				"action":     "proxy",
				"error":      "proxy_handler_panic",
				"method":     c.Method(),
				"path":       string(c.Request().URI().Path()),
				"request_id": requestID,
			}).Error(fmt.Sprintf("panic: %v", r))
			if requestID != "" {
				c.Set("X-Request-ID", requestID)
			}
			err = c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "proxy_handler_panic"})
		}
	}()
	return handler.Handle(c)
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsDiagnosticsPath reports whether path belongs to the agent's own endpoints.
func IsDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, DiagnosticsPrefix)
}
