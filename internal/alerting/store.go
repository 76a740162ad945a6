package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vesaa/talonops/internal/models"
	"github.com/vesaa/talonops/internal/scope"
	"gorm.io/gorm"
)

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// ErrInvalidThreshold is returned when a threshold definition is unusable.
var ErrInvalidThreshold = errors.New("invalid threshold")

var openStatuses = []models.AlertStatus{models.AlertStatusActive, models.AlertStatusAcknowledged}

// Store persists thresholds and alerts.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened, migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ── Thresholds ───────────────────────────────────────────────────────────────

// CreateThreshold validates and inserts a threshold.
func (s *Store) CreateThreshold(ctx context.Context, t *models.Threshold) error {
	if t.CheckType == "" || t.FieldPath == "" {
		return fmt.Errorf("%w: check_type and field_path are required", ErrInvalidThreshold)
	}
	if !ValidOperator(t.Operator) {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidThreshold, t.Operator)
	}
	if t.ConsecutiveRequired < 1 {
		return fmt.Errorf("%w: consecutive_required must be at least 1", ErrInvalidThreshold)
	}
	if t.Severity == "" {
		t.Severity = models.SeverityWarning
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("insert threshold: %w", err)
	}
	return nil
}

// ListThresholds returns every threshold, oldest first.
func (s *Store) ListThresholds(ctx context.Context) ([]models.Threshold, error) {
	var out []models.Threshold
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}
	return out, nil
}

// EnabledThresholds returns the enabled thresholds for checkType.
func (s *Store) EnabledThresholds(ctx context.Context, checkType string) ([]models.Threshold, error) {
	var out []models.Threshold
	err := s.db.WithContext(ctx).
		Where("check_type = ? AND enabled = ?", checkType, true).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load thresholds for %s: %w", checkType, err)
	}
	return out, nil
}

// ── Alerts ───────────────────────────────────────────────────────────────────

// GetAlert returns one alert by id.
func (s *Store) GetAlert(ctx context.Context, id uint) (*models.Alert, error) {
	var a models.Alert
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load alert %d: %w", id, err)
	}
	return &a, nil
}

// openThresholdAlert returns the active or acknowledged alert for the pair, or nil.
func (s *Store) openThresholdAlert(ctx context.Context, deviceID string, thresholdID uint) (*models.Alert, error) {
	var out []models.Alert
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND threshold_id = ? AND status IN ?", deviceID, thresholdID, openStatuses).
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load open alert: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// activeUptimeAlert returns the most recent active uptime alert for deviceID, or nil.
func (s *Store) activeUptimeAlert(ctx context.Context, deviceID string) (*models.Alert, error) {
	var out []models.Alert
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND check_type = ? AND threshold_id IS NULL AND status = ?",
			deviceID, models.CheckTypeUptime, models.AlertStatusActive).
		Order("triggered_at DESC, id DESC").
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load uptime alert: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *Store) createAlert(ctx context.Context, a *models.Alert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// resolveOpen resolves id if it is still active or acknowledged.
func (s *Store) resolveOpen(ctx context.Context, id uint, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Updates(map[string]any{
			"status":      models.AlertStatusResolved,
			"resolved_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("resolve alert %d: %w", id, err)
	}
	return nil
}

// acknowledgeActive acknowledges id if it is still active.
func (s *Store) acknowledgeActive(ctx context.Context, id uint, by string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ? AND status = ?", id, models.AlertStatusActive).
		Updates(map[string]any{
			"status":          models.AlertStatusAcknowledged,
			"acknowledged_by": by,
			"acknowledged_at": at,
		}).Error
	if err != nil {
		return fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	return nil
}

// ListFilter narrows ListAlerts.
type ListFilter struct {
	Status   models.AlertStatus
	DeviceID string
	Limit    int
}

// scoped joins alerts to their device so the scope filter can apply to the
// device's client_id.
func (s *Store) scoped(ctx context.Context, sc *scope.Scope) *gorm.DB {
	clause, params := scope.Filter(sc, "d")
	return s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Joins("LEFT JOIN devices d ON d.device_id = alerts.device_id AND d.deleted_at IS NULL").
		Where(clause, params...)
}

// ListAlerts returns alerts visible in sc, newest first.
func (s *Store) ListAlerts(ctx context.Context, sc *scope.Scope, f ListFilter) ([]models.Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := s.scoped(ctx, sc).Select("alerts.*")
	if f.Status != "" {
		q = q.Where("alerts.status = ?", f.Status)
	}
	if f.DeviceID != "" {
		q = q.Where("alerts.device_id = ?", f.DeviceID)
	}

	var out []models.Alert
	if err := q.Order("alerts.triggered_at DESC, alerts.id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// Stats summarises alerts that are not yet resolved.
type Stats struct {
	ActiveCount   int64 `json:"active_count"`
	CriticalCount int64 `json:"critical_count"`
	WarningCount  int64 `json:"warning_count"`
}

func (s *Store) stats(ctx context.Context, sc *scope.Scope) (Stats, error) {
	var rows []struct {
		Severity models.Severity
		N        int64
	}
	err := s.scoped(ctx, sc).
		Select("alerts.severity AS severity, COUNT(*) AS n").
		Where("alerts.status IN ?", openStatuses).
		Group("alerts.severity").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("alert stats: %w", err)
	}

	var st Stats
	for _, r := range rows {
		st.ActiveCount += r.N
		switch r.Severity {
		case models.SeverityCritical:
			st.CriticalCount += r.N
		case models.SeverityWarning:
			st.WarningCount += r.N
		}
	}
	return st, nil
}
