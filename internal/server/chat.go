package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonops/internal/directive"
	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
)

// handleChatReply acts on the directive embedded in an assistant reply for
// one device and returns the reply with the tag removed.
//
//	POST /api/devices/:id/chat/reply
//	Body: { "text": "Checking disks. [ACTION:DIAGNOSE:disk]" }
func (s *Server) handleChatReply(c *gin.Context) {
	dev, ok := s.scopedDevice(c)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := directive.Parse(body.Text)
	resp := gin.H{"text": res.Text, "directive": nil}
	ctx := c.Request.Context()

	switch d := res.Directive.(type) {
	case directive.Diagnose:
		cmd := &models.AgentCommand{
			DeviceID: dev.DeviceID,
			Kind:     models.CommandDiagnose,
			Target:   d.CheckType,
		}
		if err := s.repo.CreateCommand(ctx, cmd, false); err != nil {
			s.respondError(c, err)
			return
		}
		if err := s.dispatcher.Dispatch(ctx, dev, cmd); err != nil {
			s.respondError(c, err)
			return
		}
		resp["directive"] = gin.H{"kind": d.Kind(), "check_type": d.CheckType}
		resp["command"] = cmd

	case directive.Remediate:
		// Assistant-requested remediation always waits for an operator.
		cmd := &models.AgentCommand{
			DeviceID:  dev.DeviceID,
			Kind:      models.CommandRemediate,
			Target:    d.ActionID,
			Parameter: d.Parameter,
		}
		if err := s.repo.CreateCommand(ctx, cmd, true); err != nil {
			s.respondError(c, err)
			return
		}
		resp["directive"] = gin.H{"kind": d.Kind(), "action_id": d.ActionID, "parameter": d.Parameter}
		resp["command"] = cmd

	case directive.Ticket:
		t := &models.Ticket{
			ClientID: dev.ClientID,
			DeviceID: dev.DeviceID,
			Priority: d.Priority,
			Title:    d.Title,
			Source:   "assistant",
		}
		if err := s.repo.CreateTicket(ctx, t); err != nil {
			s.respondError(c, err)
			return
		}
		resp["directive"] = gin.H{"kind": d.Kind(), "priority": d.Priority, "title": d.Title}
		resp["ticket"] = t
	}

	if res.Directive != nil {
		s.logger.Info("assistant directive",
			zap.String("device_id", dev.DeviceID),
			zap.String("kind", string(res.Directive.Kind())),
		)
	}
	c.JSON(http.StatusOK, resp)
}
