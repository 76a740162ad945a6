package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleEnroll exchanges an enrollment token for device credentials.
//
//	POST /api/enroll
//	Body: { "token": "...", "hostname": "web-01", "os": "linux", "ip": "10.0.0.5" }
func (s *Server) handleEnroll(c *gin.Context) {
	var payload EnrollPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if payload.IP == "" {
		payload.IP = c.ClientIP()
	}
	dev, secret, err := s.repo.EnrollDevice(c.Request.Context(), payload)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("device enrolled",
		zap.String("device_id", dev.DeviceID),
		zap.String("hostname", dev.Hostname),
		zap.Uintp("client_id", dev.ClientID),
	)
	c.JSON(http.StatusCreated, gin.H{"device_id": dev.DeviceID, "secret": secret})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.Heartbeat(c.Request.Context(), deviceFrom(c)); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleTelemetry ingests one check result.
//
//	POST /api/telemetry
//	Body: { "check_type": "cpu", "payload": { "usagePercent": 91.5 } }
func (s *Server) handleTelemetry(c *gin.Context) {
	var body struct {
		CheckType string          `json:"check_type" binding:"required"`
		Payload   json.RawMessage `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fired, err := s.ProcessTelemetry(c.Request.Context(), deviceFrom(c), body.CheckType, body.Payload)
	if errors.Is(err, ErrInvalidPayload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "alerts_fired": len(fired)})
}

// handleCommandPoll hands the agent its pending commands.
func (s *Server) handleCommandPoll(c *gin.Context) {
	cmds, err := s.repo.ClaimPending(c.Request.Context(), deviceFrom(c).DeviceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cmds})
}

// handleCommandResult records the outcome the agent reports.
//
//	POST /api/commands/:id/result
//	Body: { "ok": true, "output": "killed 2 processes" }
func (s *Server) handleCommandResult(c *gin.Context) {
	var body struct {
		OK     bool   `json:"ok"`
		Output string `json:"output"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dev := deviceFrom(c)
	if err := s.repo.CompleteCommand(c.Request.Context(), dev.DeviceID, c.Param("id"), body.OK, body.Output); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
