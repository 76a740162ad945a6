package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vesaa/talonops/internal/database"
	"github.com/vesaa/talonops/internal/models"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(t *testing.T) (*Gate, *gorm.DB) {
	t.Helper()
	db := database.OpenTest(t)
	return NewGate(db, func() time.Time { return testNow }, nil), db
}

func seedThreshold(t *testing.T, db *gorm.DB) uint {
	t.Helper()
	th := models.Threshold{CheckType: "cpu", FieldPath: "usagePercent", Operator: ">", ThresholdValue: 90, ConsecutiveRequired: 1, Enabled: true}
	require.NoError(t, db.Create(&th).Error)
	return th.ID
}

func seedPolicy(t *testing.T, db *gorm.DB, p models.AutoRemediationPolicy) models.AutoRemediationPolicy {
	t.Helper()
	require.NoError(t, db.Create(&p).Error)
	return p
}

func ago(d time.Duration) *time.Time {
	ts := testNow.Add(-d)
	return &ts
}

func TestGetEligiblePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("nil threshold", func(t *testing.T) {
		g, _ := newTestGate(t)
		p, err := g.GetEligiblePolicy(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("no policy", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("disabled", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 30, Enabled: false})
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("disabled policy does not shadow an enabled one", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 30, Enabled: false})
		want := seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "restart_service", CooldownMinutes: 30, Enabled: true})
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, want.ID, p.ID)
	})

	t.Run("never triggered", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		want := seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 30, Enabled: true})
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, want.ID, p.ID)
	})

	t.Run("inside cooldown", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 30, Enabled: true, LastTriggeredAt: ago(5 * time.Minute)})
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("cooldown elapsed", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		param := "Spooler"
		seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "restart_service", Parameter: &param, CooldownMinutes: 30, Enabled: true, LastTriggeredAt: ago(2 * time.Hour)})
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "restart_service", p.ActionID)
		require.NotNil(t, p.Parameter)
		assert.Equal(t, "Spooler", *p.Parameter)
	})

	t.Run("zero cooldown is always eligible", func(t *testing.T) {
		g, db := newTestGate(t)
		id := seedThreshold(t, db)
		seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 0, Enabled: true, LastTriggeredAt: ago(0)})
		p, err := g.GetEligiblePolicy(ctx, &id)
		require.NoError(t, err)
		assert.NotNil(t, p)
	})
}

func TestMarkTriggeredRestartsCooldown(t *testing.T) {
	g, db := newTestGate(t)
	ctx := context.Background()
	id := seedThreshold(t, db)
	policy := seedPolicy(t, db, models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 30, Enabled: true})

	require.NoError(t, g.MarkTriggered(ctx, policy.ID))

	var stored models.AutoRemediationPolicy
	require.NoError(t, db.First(&stored, policy.ID).Error)
	require.NotNil(t, stored.LastTriggeredAt)
	assert.True(t, stored.LastTriggeredAt.Equal(testNow))

	p, err := g.GetEligiblePolicy(ctx, &id)
	require.NoError(t, err)
	assert.Nil(t, p)

	later := NewGate(db, func() time.Time { return testNow.Add(31 * time.Minute) }, nil)
	p, err = later.GetEligiblePolicy(ctx, &id)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestMarkTriggeredUnknownPolicy(t *testing.T) {
	g, _ := newTestGate(t)
	assert.ErrorIs(t, g.MarkTriggered(context.Background(), 99), ErrPolicyNotFound)
}

func TestCreatePolicyValidation(t *testing.T) {
	g, db := newTestGate(t)
	ctx := context.Background()
	id := seedThreshold(t, db)
	missing := uint(999)

	assert.ErrorIs(t, g.CreatePolicy(ctx, &models.AutoRemediationPolicy{ActionID: "x"}), ErrInvalidPolicy)
	assert.ErrorIs(t, g.CreatePolicy(ctx, &models.AutoRemediationPolicy{ThresholdID: &id}), ErrInvalidPolicy)
	assert.ErrorIs(t, g.CreatePolicy(ctx, &models.AutoRemediationPolicy{ThresholdID: &missing, ActionID: "x"}), ErrInvalidPolicy)

	p := models.AutoRemediationPolicy{ThresholdID: &id, ActionID: "clear_temp", CooldownMinutes: 15, Enabled: true}
	require.NoError(t, g.CreatePolicy(ctx, &p))

	all, err := g.ListPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 15, all[0].CooldownMinutes)
}
