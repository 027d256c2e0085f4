package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-agent/internal/agent"
	"github.com/any-hub/offline-agent/internal/server"
)

// RegisterAgentRoutes 暴露 /-/agent、/-/message 与 /-/metrics 诊断接口。
// metrics 为 nil 时不注册 /-/metrics。
func RegisterAgentRoutes(app *fiber.App, a *agent.Agent, metrics *agent.Metrics, logger *logrus.Logger) {
	if app == nil || a == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get(server.DiagnosticsPrefix+"agent", func(c fiber.Ctx) error {
		status, err := a.Status(c.Context())
		if err != nil {
			logger.WithError(err).WithField("action", "agent_status").Warn("agent_status_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	app.Post(server.DiagnosticsPrefix+"message", func(c fiber.Ctx) error {
		msg, err := decodeMessage(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if err := a.HandleMessage(c.Context(), msg); err != nil {
			if errors.Is(err, agent.ErrUnknownCommand) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_command"})
			}
			if errors.Is(err, agent.ErrNotActivated) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "agent_inactive"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		logger.WithFields(logrus.Fields{
			"action":     "message",
			"command":    msg.Command,
			"request_id": server.RequestID(c),
		}).Info("message_accepted")
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"accepted": msg.Command})
	})

	if metrics != nil {
		app.Get(server.DiagnosticsPrefix+"metrics", adaptor.HTTPHandler(metrics.Handler()))
	}
}

func decodeMessage(body []byte) (agent.Message, error) {
	var msg agent.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, err
	}
	msg.Command = strings.TrimSpace(msg.Command)
	return msg, nil
}
