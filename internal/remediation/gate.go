// Package remediation decides whether an auto-remediation policy may run
// for a threshold that just fired. It never runs the action itself.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPolicyNotFound is returned when a policy id does not exist.
var ErrPolicyNotFound = errors.New("remediation policy not found")

// ErrInvalidPolicy is returned when a policy definition is unusable.
var ErrInvalidPolicy = errors.New("invalid remediation policy")

// Gate evaluates policy eligibility against cooldown windows.
type Gate struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGate creates a Gate. now may be nil for time.Now.
func NewGate(db *gorm.DB, now func() time.Time, logger *zap.Logger) *Gate {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{db: db, now: now, logger: logger}
}

// GetEligiblePolicy returns the lowest-id enabled policy bound to
// thresholdID when it is outside its cooldown window, and nil otherwise.
func (g *Gate) GetEligiblePolicy(ctx context.Context, thresholdID *uint) (*models.AutoRemediationPolicy, error) {
	if thresholdID == nil {
		return nil, nil
	}

	var policies []models.AutoRemediationPolicy
	err := g.db.WithContext(ctx).
		Where("threshold_id = ? AND enabled = ?", *thresholdID, true).
		Order("id").
		Limit(1).
		Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("load policy for threshold %d: %w", *thresholdID, err)
	}
	if len(policies) == 0 {
		return nil, nil
	}

	p := policies[0]
	if g.coolingDown(&p) {
		g.logger.Debug("remediation policy cooling down",
			zap.Uint("policy_id", p.ID),
			zap.Timep("last_triggered_at", p.LastTriggeredAt),
			zap.Int("cooldown_minutes", p.CooldownMinutes))
		return nil, nil
	}
	return &p, nil
}

func (g *Gate) coolingDown(p *models.AutoRemediationPolicy) bool {
	if p.LastTriggeredAt == nil {
		return false
	}
	cooldown := time.Duration(p.CooldownMinutes) * time.Minute
	return g.now().Sub(*p.LastTriggeredAt) < cooldown
}

// MarkTriggered stamps last_triggered_at = now, restarting the cooldown.
func (g *Gate) MarkTriggered(ctx context.Context, policyID uint) error {
	res := g.db.WithContext(ctx).
		Model(&models.AutoRemediationPolicy{}).
		Where("id = ?", policyID).
		Update("last_triggered_at", g.now())
	if res.Error != nil {
		return fmt.Errorf("mark policy %d triggered: %w", policyID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

// ── Policy administration ────────────────────────────────────────────────────

// CreatePolicy validates and inserts a policy.
func (g *Gate) CreatePolicy(ctx context.Context, p *models.AutoRemediationPolicy) error {
	if p.ThresholdID == nil {
		return fmt.Errorf("%w: threshold_id is required", ErrInvalidPolicy)
	}
	if p.ActionID == "" {
		return fmt.Errorf("%w: action_id is required", ErrInvalidPolicy)
	}
	if p.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown_minutes must not be negative", ErrInvalidPolicy)
	}
	var n int64
	if err := g.db.WithContext(ctx).Model(&models.Threshold{}).Where("id = ?", *p.ThresholdID).Count(&n).Error; err != nil {
		return fmt.Errorf("check threshold: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: threshold %d does not exist", ErrInvalidPolicy, *p.ThresholdID)
	}
	if err := g.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("insert policy: %w", err)
	}
	return nil
}

// ListPolicies returns every policy, oldest first.
func (g *Gate) ListPolicies(ctx context.Context) ([]models.AutoRemediationPolicy, error) {
	var out []models.AutoRemediationPolicy
	if err := g.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	return out, nil
}
