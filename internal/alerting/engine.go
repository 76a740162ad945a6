// Package alerting evaluates device telemetry against configured thresholds
// and owns the alert lifecycle: active -> acknowledged -> resolved, or
// active -> resolved. A resolved alert is never reopened; a recurring
// condition produces a new alert.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/vesaa/talonops/internal/keylock"
	"github.com/vesaa/talonops/internal/models"
	"github.com/vesaa/talonops/internal/scope"
	"go.uber.org/zap"
)

// Engine evaluates check results and manages alerts.
type Engine struct {
	store   *Store
	counter Counter
	devices *keylock.Map
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an alert engine. counter may be nil for an in-memory one.
func NewEngine(store *Store, counter Counter, logger *zap.Logger, opts ...Option) *Engine {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:   store,
		counter: counter,
		devices: keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() *Store { return e.store }

// EvaluateResult checks one telemetry payload against every enabled
// threshold for checkType and returns the alerts it newly fired.
// Calls for the same device are serialised.
func (e *Engine) EvaluateResult(ctx context.Context, deviceID, checkType string, payload any) ([]models.Alert, error) {
	thresholds, err := e.store.EnabledThresholds(ctx, checkType)
	if err != nil {
		return nil, err
	}
	if len(thresholds) == 0 {
		return []models.Alert{}, nil
	}

	unlock := e.devices.Lock(deviceID)
	defer unlock()

	fired := make([]models.Alert, 0)
	for _, th := range thresholds {
		value, ok := Extract(payload, th.FieldPath)
		if !ok {
			continue
		}

		key := CounterKey{DeviceID: deviceID, ThresholdID: th.ID}
		if !Compare(value, th.Operator, th.ThresholdValue) {
			e.counter.Reset(key)
			if err := e.autoResolve(ctx, deviceID, th); err != nil {
				return fired, err
			}
			continue
		}

		count := e.counter.Increment(key)
		required := th.ConsecutiveRequired
		if required < 1 {
			required = 1
		}
		if count < required {
			continue
		}

		existing, err := e.store.openThresholdAlert(ctx, deviceID, th.ID)
		if err != nil {
			return fired, err
		}
		if existing != nil {
			continue
		}

		thresholdID := th.ID
		alert := models.Alert{
			DeviceID:    deviceID,
			ThresholdID: &thresholdID,
			CheckType:   checkType,
			Severity:    th.Severity,
			Message:     BreachMessage(checkType, th.FieldPath, value, th.Operator, th.ThresholdValue),
			Status:      models.AlertStatusActive,
			TriggeredAt: e.now(),
		}
		if err := e.store.createAlert(ctx, &alert); err != nil {
			return fired, err
		}
		e.counter.Reset(key)

		e.logger.Info("alert fired",
			zap.Uint("alert_id", alert.ID),
			zap.String("device_id", deviceID),
			zap.Uint("threshold_id", th.ID),
			zap.String("severity", string(th.Severity)),
			zap.String("message", alert.Message))
		fired = append(fired, alert)
	}
	return fired, nil
}

func (e *Engine) autoResolve(ctx context.Context, deviceID string, th models.Threshold) error {
	existing, err := e.store.openThresholdAlert(ctx, deviceID, th.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := e.store.resolveOpen(ctx, existing.ID, e.now()); err != nil {
		return err
	}
	e.logger.Info("alert auto-resolved",
		zap.Uint("alert_id", existing.ID),
		zap.String("device_id", deviceID),
		zap.Uint("threshold_id", th.ID))
	return nil
}

// BreachMessage renders the alert message. It always contains the check
// type, field path, observed value, operator and threshold value.
func BreachMessage(checkType, fieldPath string, value float64, op models.Operator, threshold float64) string {
	return fmt.Sprintf("%s threshold breached: %s is %s (%s %s)",
		checkType, fieldPath, formatNumber(value), op, formatNumber(threshold))
}

// CreateUptimeAlert raises a critical uptime alert for a silent device.
// It returns nil when one is already active.
func (e *Engine) CreateUptimeAlert(ctx context.Context, deviceID, hostname string) (*models.Alert, error) {
	unlock := e.devices.Lock(deviceID)
	defer unlock()

	existing, err := e.store.activeUptimeAlert(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	alert := models.Alert{
		DeviceID:    deviceID,
		CheckType:   models.CheckTypeUptime,
		Severity:    models.SeverityCritical,
		Message:     fmt.Sprintf("Device %s is offline", hostname),
		Status:      models.AlertStatusActive,
		TriggeredAt: e.now(),
	}
	if err := e.store.createAlert(ctx, &alert); err != nil {
		return nil, err
	}
	e.logger.Warn("device offline", zap.String("device_id", deviceID), zap.String("hostname", hostname), zap.Uint("alert_id", alert.ID))
	return &alert, nil
}

// ResolveUptimeAlert resolves the latest active uptime alert for deviceID.
// No active alert is not an error.
func (e *Engine) ResolveUptimeAlert(ctx context.Context, deviceID string) error {
	unlock := e.devices.Lock(deviceID)
	defer unlock()

	existing, err := e.store.activeUptimeAlert(ctx, deviceID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if err := e.store.resolveOpen(ctx, existing.ID, e.now()); err != nil {
		return err
	}
	e.logger.Info("device back online", zap.String("device_id", deviceID), zap.Uint("alert_id", existing.ID))
	return nil
}

// AcknowledgeAlert moves an active alert to acknowledged. Alerts in any
// other state are returned unchanged.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id uint, by string) (*models.Alert, error) {
	if err := e.store.acknowledgeActive(ctx, id, by, e.now()); err != nil {
		return nil, err
	}
	return e.store.GetAlert(ctx, id)
}

// ResolveAlert moves an active or acknowledged alert to resolved. Resolving
// a resolved alert leaves it unchanged.
func (e *Engine) ResolveAlert(ctx context.Context, id uint) (*models.Alert, error) {
	if err := e.store.resolveOpen(ctx, id, e.now()); err != nil {
		return nil, err
	}
	return e.store.GetAlert(ctx, id)
}

// Stats counts unresolved alerts visible in sc; nil sc counts everything.
func (e *Engine) Stats(ctx context.Context, sc *scope.Scope) (Stats, error) {
	return e.store.stats(ctx, sc)
}
