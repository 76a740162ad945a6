package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
)

// ErrInvalidPayload is returned for telemetry that is not valid JSON.
var ErrInvalidPayload = errors.New("telemetry payload is not valid JSON")

// ── Telemetry ────────────────────────────────────────────────────────────────

// ProcessTelemetry stores one check result, evaluates it, and runs
// auto-remediation for every alert it fired. Remediation failures are
// logged and do not fail the report.
func (s *Server) ProcessTelemetry(ctx context.Context, dev *models.Device, checkType string, raw json.RawMessage) ([]models.Alert, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrInvalidPayload
	}
	if err := s.repo.MarkSeen(ctx, dev.DeviceID); err != nil {
		return nil, fmt.Errorf("mark device seen: %w", err)
	}
	if err := s.repo.SaveCheckResult(ctx, dev.DeviceID, checkType, raw); err != nil {
		return nil, err
	}

	fired, err := s.engine.EvaluateResult(ctx, dev.DeviceID, checkType, payload)
	RecordEvaluation(checkType, err)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s for %s: %w", checkType, dev.DeviceID, err)
	}

	for i := range fired {
		alert := &fired[i]
		RecordAlertFired(alert.CheckType, string(alert.Severity))
		if err := s.remediate(ctx, dev, alert); err != nil {
			s.logger.Warn("auto-remediation failed",
				zap.String("device_id", dev.DeviceID),
				zap.Uint("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
	return fired, nil
}

// remediate consults the gate for the alert's threshold and, when a policy
// is eligible, dispatches it and stamps the cooldown. Gate, dispatch and
// stamp run under the threshold's lock so two alerts cannot both pass.
func (s *Server) remediate(ctx context.Context, dev *models.Device, alert *models.Alert) error {
	if alert.ThresholdID == nil {
		return nil
	}
	unlock := s.policyLocks.Lock(strconv.FormatUint(uint64(*alert.ThresholdID), 10))
	defer unlock()

	policy, err := s.gate.GetEligiblePolicy(ctx, alert.ThresholdID)
	if err != nil {
		return err
	}
	if policy == nil {
		return nil
	}

	policyID, alertID := policy.ID, alert.ID
	cmd := &models.AgentCommand{
		DeviceID:  dev.DeviceID,
		Kind:      models.CommandRemediate,
		Target:    policy.ActionID,
		Parameter: policy.Parameter,
		PolicyID:  &policyID,
		AlertID:   &alertID,
	}
	if err := s.repo.CreateCommand(ctx, cmd, policy.RequireConsent); err != nil {
		return err
	}
	if policy.RequireConsent {
		RecordRemediation(policy.ActionID, "awaiting_consent")
		s.logger.Info("remediation awaiting consent",
			zap.String("device_id", dev.DeviceID),
			zap.String("action", policy.ActionID),
			zap.String("command_id", cmd.ID),
		)
		return nil
	}
	return s.dispatchRemediation(ctx, dev, cmd, policy.ID)
}

// dispatchRemediation hands cmd to the dispatcher and starts the policy's
// cooldown once it is delivered.
func (s *Server) dispatchRemediation(ctx context.Context, dev *models.Device, cmd *models.AgentCommand, policyID uint) error {
	if err := s.dispatcher.Dispatch(ctx, dev, cmd); err != nil {
		RecordRemediation(cmd.Target, "failed")
		return fmt.Errorf("dispatch %s to %s: %w", cmd.Target, dev.DeviceID, err)
	}
	RecordRemediation(cmd.Target, "dispatched")
	s.logger.Info("remediation dispatched",
		zap.String("device_id", dev.DeviceID),
		zap.String("action", cmd.Target),
		zap.String("command_id", cmd.ID),
		zap.Uint("policy_id", policyID),
	)
	return s.gate.MarkTriggered(ctx, policyID)
}

// ApproveCommand releases an awaiting-consent command. Policy-driven
// commands start their policy's cooldown on approval.
func (s *Server) ApproveCommand(ctx context.Context, cmd *models.AgentCommand) error {
	if cmd.Status != models.CommandAwaitingConsent {
		return ErrCommandState
	}
	dev, err := s.repo.GetDevice(ctx, cmd.DeviceID)
	if err != nil {
		return err
	}
	if cmd.PolicyID == nil {
		return s.dispatcher.Dispatch(ctx, dev, cmd)
	}
	return s.dispatchRemediation(ctx, dev, cmd, *cmd.PolicyID)
}

// ── Uptime ───────────────────────────────────────────────────────────────────

// Heartbeat marks the device online and resolves its uptime alert.
func (s *Server) Heartbeat(ctx context.Context, dev *models.Device) error {
	if err := s.repo.MarkSeen(ctx, dev.DeviceID); err != nil {
		return fmt.Errorf("mark device seen: %w", err)
	}
	if dev.Status == models.DeviceStatusOffline {
		s.logger.Info("device back online", zap.String("device_id", dev.DeviceID))
	}
	return s.engine.ResolveUptimeAlert(ctx, dev.DeviceID)
}

// SweepOffline marks devices silent for longer than offlineAfter as
// offline and raises an uptime alert for each. It returns how many
// devices went offline.
func (s *Server) SweepOffline(ctx context.Context, offlineAfter time.Duration) (int, error) {
	stale, err := s.repo.MarkStaleOffline(ctx, s.now().Add(-offlineAfter))
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, dev := range stale {
		alert, err := s.engine.CreateUptimeAlert(ctx, dev.DeviceID, dev.Hostname)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if alert != nil {
			RecordAlertFired(alert.CheckType, string(alert.Severity))
		}
	}
	return len(stale), errors.Join(errs...)
}

// StartUptimeSweep schedules SweepOffline with a cron spec such as
// "@every 1m". The caller stops the returned scheduler.
func (s *Server) StartUptimeSweep(spec string, offlineAfter time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := s.SweepOffline(ctx, offlineAfter)
		if err != nil {
			s.logger.Error("uptime sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.logger.Info("uptime sweep", zap.Int("offline", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule uptime sweep %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
