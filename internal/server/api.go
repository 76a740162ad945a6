// Package server provides the TalonOps Gin-based REST API.
// Routes are split into two groups:
//   - Control plane (port 6677): scoped console API, JWT or loopback.
//   - Data plane   (port 1616): device-authenticated agent API.
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/talonops/internal/alerting"
	"github.com/vesaa/talonops/internal/models"
)

// ── Session ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "admin" }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	user, err := s.repo.Authenticate(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}

	token, err := s.GenerateJWT(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
		"role":       user.Role,
	})
}

// ── Devices ──────────────────────────────────────────────────────────────────

func (s *Server) handleDeviceList(c *gin.Context) {
	devices, err := s.repo.ListDevices(c.Request.Context(), scopeFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": devices})
}

// scopedDevice loads the :id device, answering 404 when it is unknown or
// outside the caller's scope.
func (s *Server) scopedDevice(c *gin.Context) (*models.Device, bool) {
	id := c.Param("id")
	if !s.resolver.IsDeviceInScope(c.Request.Context(), id, scopeFrom(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrDeviceNotFound.Error()})
		return nil, false
	}
	dev, err := s.repo.GetDevice(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return dev, true
}

func (s *Server) handleDeviceGet(c *gin.Context) {
	dev, ok := s.scopedDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dev})
}

// handleDeviceChecks returns the latest payload per check type.
func (s *Server) handleDeviceChecks(c *gin.Context) {
	dev, ok := s.scopedDevice(c)
	if !ok {
		return
	}
	checks, err := s.repo.LatestChecks(c.Request.Context(), dev.DeviceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": checks})
}

func (s *Server) handleDeviceCommands(c *gin.Context) {
	dev, ok := s.scopedDevice(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	cmds, err := s.repo.ListCommands(c.Request.Context(), dev.DeviceID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cmds})
}

// handleDeviceUpdate edits console-owned fields. Moving a device to
// another client requires an admin scope.
func (s *Server) handleDeviceUpdate(c *gin.Context) {
	dev, ok := s.scopedDevice(c)
	if !ok {
		return
	}
	var body struct {
		Remark   *string `json:"remark"`
		Group    *string `json:"group"`
		SSHHost  *string `json:"ssh_host"`
		ClientID *uint   `json:"client_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fields := map[string]any{}
	if body.Remark != nil {
		fields["remark"] = *body.Remark
	}
	if body.Group != nil {
		fields["group"] = *body.Group
	}
	if body.SSHHost != nil {
		fields["ssh_host"] = *body.SSHHost
	}
	if body.ClientID != nil {
		if !scopeFrom(c).IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin access required to move devices"})
			return
		}
		fields["client_id"] = *body.ClientID
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	if err := s.repo.UpdateDevice(c.Request.Context(), dev.DeviceID, fields); err != nil {
		s.respondError(c, err)
		return
	}
	updated, err := s.repo.GetDevice(c.Request.Context(), dev.DeviceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

// handleDeviceDelete removes a device by its external id.
func (s *Server) handleDeviceDelete(c *gin.Context) {
	dev, ok := s.scopedDevice(c)
	if !ok {
		return
	}
	if err := s.repo.DeleteDevice(c.Request.Context(), dev.DeviceID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": dev.DeviceID})
}

// ── Alerts ───────────────────────────────────────────────────────────────────

func (s *Server) handleAlertList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	f := alerting.ListFilter{
		Status:   models.AlertStatus(c.Query("status")),
		DeviceID: c.Query("device_id"),
		Limit:    limit,
	}
	alerts, err := s.engine.Store().ListAlerts(c.Request.Context(), scopeFrom(c), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

func (s *Server) handleAlertStats(c *gin.Context) {
	st, err := s.engine.Stats(c.Request.Context(), scopeFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": st})
}

// scopedAlert loads the :id alert, answering 404 when it is unknown or
// belongs to a device outside the caller's scope.
func (s *Server) scopedAlert(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	alert, err := s.engine.Store().GetAlert(c.Request.Context(), uint(id))
	if err != nil {
		s.respondError(c, err)
		return 0, false
	}
	if !s.resolver.IsDeviceInScope(c.Request.Context(), alert.DeviceID, scopeFrom(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": alerting.ErrAlertNotFound.Error()})
		return 0, false
	}
	return alert.ID, true
}

func (s *Server) handleAlertAcknowledge(c *gin.Context) {
	id, ok := s.scopedAlert(c)
	if !ok {
		return
	}
	alert, err := s.engine.AcknowledgeAlert(c.Request.Context(), id, actor(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alert})
}

func (s *Server) handleAlertResolve(c *gin.Context) {
	id, ok := s.scopedAlert(c)
	if !ok {
		return
	}
	alert, err := s.engine.ResolveAlert(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alert})
}

// ── Commands ─────────────────────────────────────────────────────────────────

// handleCommandApprove releases a command that was waiting for consent.
func (s *Server) handleCommandApprove(c *gin.Context) {
	cmd, err := s.repo.GetCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !s.resolver.IsDeviceInScope(c.Request.Context(), cmd.DeviceID, scopeFrom(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrCommandNotFound.Error()})
		return
	}
	if err := s.ApproveCommand(c.Request.Context(), cmd); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cmd})
}

// ── Tickets ──────────────────────────────────────────────────────────────────

func (s *Server) handleTicketList(c *gin.Context) {
	tickets, err := s.repo.ListTickets(c.Request.Context(), scopeFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tickets})
}

// ── Clients & users ──────────────────────────────────────────────────────────

func (s *Server) handleClientList(c *gin.Context) {
	clients, err := s.repo.ListClients(c.Request.Context(), scopeFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": clients})
}

func (s *Server) handleClientCreate(c *gin.Context) {
	var body struct {
		Name string `json:"name" binding:"required"`
		Slug string `json:"slug"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	slug := body.Slug
	if slug == "" {
		slug = slugify(body.Name)
	}
	if slug == models.DefaultClientSlug {
		c.JSON(http.StatusConflict, gin.H{"error": "slug is reserved"})
		return
	}
	client := models.Client{Name: body.Name, Slug: slug}
	if err := s.repo.CreateClient(c.Request.Context(), &client); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": client})
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (s *Server) handleUserCreate(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	if body.Role == "" {
		body.Role = string(models.RoleViewer)
	}
	if !models.ValidRole(body.Role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be admin, technician or viewer"})
		return
	}
	user, err := s.repo.CreateUser(c.Request.Context(), body.Username, body.Password, models.Role(body.Role))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": user})
}

// handleUserAssign grants a user access to a client.
//
//	POST /api/users/:id/clients
//	Body: { "client_id": 3 }
func (s *Server) handleUserAssign(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body struct {
		ClientID uint `json:"client_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id required"})
		return
	}
	if err := s.repo.AssignClient(c.Request.Context(), uint(userID), body.ClientID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "client_id": body.ClientID})
}

// ── Enrollment tokens ────────────────────────────────────────────────────────

func (s *Server) handleEnrollmentTokenList(c *gin.Context) {
	tokens, err := s.repo.ListEnrollmentTokens(c.Request.Context(), scopeFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tokens})
}

// handleEnrollmentTokenCreate issues a token for a client in the caller's scope.
//
//	POST /api/enrollment-tokens
//	Body: { "client_id": 3, "label": "office", "max_uses": 10, "expires_in_hours": 24 }
func (s *Server) handleEnrollmentTokenCreate(c *gin.Context) {
	var body struct {
		ClientID       *uint  `json:"client_id" binding:"required"`
		Label          string `json:"label"`
		MaxUses        int    `json:"max_uses"`
		ExpiresInHours int    `json:"expires_in_hours"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id required"})
		return
	}
	if body.MaxUses < 0 || body.ExpiresInHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_uses and expires_in_hours must not be negative"})
		return
	}
	if !scopeFrom(c).Allows(body.ClientID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "client outside your scope"})
		return
	}

	tok := models.EnrollmentToken{
		ClientID: body.ClientID,
		Label:    body.Label,
		MaxUses:  body.MaxUses,
	}
	if body.ExpiresInHours > 0 {
		exp := s.now().Add(time.Duration(body.ExpiresInHours) * time.Hour)
		tok.ExpiresAt = &exp
	}
	if err := s.repo.CreateEnrollmentToken(c.Request.Context(), &tok); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": tok})
}

// ── Thresholds & policies (admin) ────────────────────────────────────────────

func (s *Server) handleThresholdList(c *gin.Context) {
	ths, err := s.engine.Store().ListThresholds(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ths})
}

func (s *Server) handleThresholdCreate(c *gin.Context) {
	var body struct {
		CheckType           string          `json:"check_type" binding:"required"`
		FieldPath           string          `json:"field_path" binding:"required"`
		Operator            models.Operator `json:"operator" binding:"required"`
		ThresholdValue      float64         `json:"threshold_value"`
		Severity            models.Severity `json:"severity"`
		ConsecutiveRequired int             `json:"consecutive_required"`
		Enabled             *bool           `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	th := models.Threshold{
		CheckType:           body.CheckType,
		FieldPath:           body.FieldPath,
		Operator:            body.Operator,
		ThresholdValue:      body.ThresholdValue,
		Severity:            body.Severity,
		ConsecutiveRequired: body.ConsecutiveRequired,
		Enabled:             body.Enabled == nil || *body.Enabled,
	}
	if th.Severity == "" {
		th.Severity = models.SeverityWarning
	}
	if th.ConsecutiveRequired == 0 {
		th.ConsecutiveRequired = 1
	}
	if err := s.engine.Store().CreateThreshold(c.Request.Context(), &th); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": th})
}

func (s *Server) handlePolicyList(c *gin.Context) {
	policies, err := s.gate.ListPolicies(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": policies})
}

func (s *Server) handlePolicyCreate(c *gin.Context) {
	var body struct {
		ThresholdID     *uint   `json:"threshold_id" binding:"required"`
		ActionID        string  `json:"action_id" binding:"required"`
		Parameter       *string `json:"parameter"`
		CooldownMinutes int     `json:"cooldown_minutes"`
		RequireConsent  bool    `json:"require_consent"`
		Enabled         *bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := models.AutoRemediationPolicy{
		ThresholdID:     body.ThresholdID,
		ActionID:        body.ActionID,
		Parameter:       body.Parameter,
		CooldownMinutes: body.CooldownMinutes,
		RequireConsent:  body.RequireConsent,
		Enabled:         body.Enabled == nil || *body.Enabled,
	}
	if err := s.gate.CreatePolicy(c.Request.Context(), &p); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": p})
}
