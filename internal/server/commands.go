package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vesaa/talonops/internal/models"
	"gorm.io/gorm"
)

// ErrCommandState is returned when a command is not in the state an
// operation requires.
var ErrCommandState = errors.New("command is not in the required state")

// CreateCommand persists a new command for dev. Commands that need
// operator consent start as awaiting_consent, everything else as pending.
func (r *Repo) CreateCommand(ctx context.Context, cmd *models.AgentCommand, needsConsent bool) error {
	cmd.ID = uuid.NewString()
	cmd.CreatedAt = r.now()
	cmd.Status = models.CommandPending
	if needsConsent {
		cmd.Status = models.CommandAwaitingConsent
	}
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

// GetCommand loads a command by id.
func (r *Repo) GetCommand(ctx context.Context, id string) (*models.AgentCommand, error) {
	var cmd models.AgentCommand
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&cmd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load command %s: %w", id, err)
	}
	return &cmd, nil
}

// ReleaseCommand makes an awaiting or pending command visible to the agent.
func (r *Repo) ReleaseCommand(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.AgentCommand{}).
		Where("id = ? AND status IN ?", id, []models.CommandStatus{models.CommandAwaitingConsent, models.CommandPending}).
		Update("status", models.CommandPending)
	if res.Error != nil {
		return fmt.Errorf("release command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCommandState
	}
	return nil
}

// ClaimCommand marks an awaiting or pending command delivered so exactly
// one executor runs it. It fails with ErrCommandState when the command has
// already been claimed.
func (r *Repo) ClaimCommand(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.AgentCommand{}).
		Where("id = ? AND status IN ?", id, []models.CommandStatus{models.CommandAwaitingConsent, models.CommandPending}).
		Update("status", models.CommandDelivered)
	if res.Error != nil {
		return fmt.Errorf("claim command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCommandState
	}
	return nil
}

// ClaimPending returns the device's pending commands oldest first and
// marks them delivered.
func (r *Repo) ClaimPending(ctx context.Context, deviceID string) ([]models.AgentCommand, error) {
	out := make([]models.AgentCommand, 0)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND status = ?", deviceID, models.CommandPending).
			Order("created_at, id").Find(&out).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		ids := make([]string, len(out))
		for i := range out {
			ids[i] = out[i].ID
			out[i].Status = models.CommandDelivered
		}
		return tx.Model(&models.AgentCommand{}).Where("id IN ?", ids).
			Update("status", models.CommandDelivered).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim commands for %s: %w", deviceID, err)
	}
	return out, nil
}

// CompleteCommand records the outcome reported for a command owned by deviceID.
func (r *Repo) CompleteCommand(ctx context.Context, deviceID, id string, ok bool, output string) error {
	status := models.CommandFailed
	if ok {
		status = models.CommandSucceeded
	}
	now := r.now()
	res := r.db.WithContext(ctx).Model(&models.AgentCommand{}).
		Where("id = ? AND device_id = ? AND status IN ?", id, deviceID,
			[]models.CommandStatus{models.CommandPending, models.CommandDelivered}).
		Updates(map[string]any{
			"status":       status,
			"output":       output,
			"completed_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		cmd, err := r.GetCommand(ctx, id)
		if err != nil {
			return err
		}
		if cmd.DeviceID != deviceID {
			return ErrCommandNotFound
		}
		return ErrCommandState
	}
	return nil
}

// ListCommands returns the most recent commands for a device.
func (r *Repo) ListCommands(ctx context.Context, deviceID string, limit int) ([]models.AgentCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.AgentCommand
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).
		Order("created_at DESC").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list commands for %s: %w", deviceID, err)
	}
	return out, nil
}
