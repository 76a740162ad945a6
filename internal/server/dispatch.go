package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
)

// ErrUnknownAction is returned when no remediation template exists for an action.
var ErrUnknownAction = errors.New("unknown remediation action")

// Dispatcher delivers a persisted command to its device.
type Dispatcher interface {
	Dispatch(ctx context.Context, dev *models.Device, cmd *models.AgentCommand) error
}

// ── Agent queue ──────────────────────────────────────────────────────────────

// QueueDispatcher releases the command to the agent's poll queue.
type QueueDispatcher struct {
	repo *Repo
}

// NewQueueDispatcher returns a dispatcher backed by the agent_commands table.
func NewQueueDispatcher(repo *Repo) *QueueDispatcher {
	return &QueueDispatcher{repo: repo}
}

func (q *QueueDispatcher) Dispatch(ctx context.Context, _ *models.Device, cmd *models.AgentCommand) error {
	if err := q.repo.ReleaseCommand(ctx, cmd.ID); err != nil {
		return err
	}
	cmd.Status = models.CommandPending
	return nil
}

// ── SSH ──────────────────────────────────────────────────────────────────────

// SSHDispatcher runs remediation templates on agentless devices.
type SSHDispatcher struct {
	repo     *Repo
	user     string
	keyPEM   string
	commands map[string]string
	logger   *zap.Logger
	dial     func(ctx context.Context, host, user, keyPEM string) (commandRunner, error)
}

type commandRunner interface {
	Run(cmd string) (string, error)
	Close() error
}

// NewSSHDispatcher builds a dispatcher from the remediation_commands map.
func NewSSHDispatcher(repo *Repo, user, keyPEM string, commands map[string]string, logger *zap.Logger) *SSHDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SSHDispatcher{
		repo:     repo,
		user:     user,
		keyPEM:   keyPEM,
		commands: commands,
		logger:   logger,
		dial: func(ctx context.Context, host, user, keyPEM string) (commandRunner, error) {
			return NewSSHClient(ctx, host, user, "", keyPEM)
		},
	}
}

func (d *SSHDispatcher) Dispatch(ctx context.Context, dev *models.Device, cmd *models.AgentCommand) error {
	if cmd.Kind != models.CommandRemediate {
		return fmt.Errorf("ssh dispatch: %s commands need an agent", cmd.Kind)
	}
	tpl, ok := d.commands[cmd.Target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, cmd.Target)
	}
	line, err := renderRemediation(tpl, cmd.Parameter)
	if err != nil {
		return err
	}

	// Claim before dialing so an agent poll or a second approval cannot
	// run the same row.
	if err := d.repo.ClaimCommand(ctx, cmd.ID); err != nil {
		return err
	}
	cmd.Status = models.CommandDelivered

	client, err := d.dial(ctx, dev.SSHHost, d.user, d.keyPEM)
	if err != nil {
		return d.finish(ctx, cmd, false, err.Error(), err)
	}
	defer client.Close()

	out, runErr := client.Run(line)
	d.logger.Info("ssh remediation ran",
		zap.String("device_id", dev.DeviceID),
		zap.String("host", dev.SSHHost),
		zap.String("action", cmd.Target),
		zap.Bool("ok", runErr == nil),
	)
	if runErr != nil {
		return d.finish(ctx, cmd, false, strings.TrimSpace(out+"\n"+runErr.Error()), nil)
	}
	return d.finish(ctx, cmd, true, strings.TrimSpace(out), nil)
}

// finish records the outcome on the command row. cause, when set, is
// returned after recording.
func (d *SSHDispatcher) finish(ctx context.Context, cmd *models.AgentCommand, ok bool, output string, cause error) error {
	if err := d.repo.CompleteCommand(ctx, cmd.DeviceID, cmd.ID, ok, output); err != nil {
		return errors.Join(cause, err)
	}
	if ok {
		cmd.Status = models.CommandSucceeded
	} else {
		cmd.Status = models.CommandFailed
	}
	cmd.Output = output
	return cause
}

// renderRemediation fills the template's %s with the shell-quoted parameter.
func renderRemediation(tpl string, param *string) (string, error) {
	if !strings.Contains(tpl, "%s") {
		return tpl, nil
	}
	if param == nil || *param == "" {
		return "", fmt.Errorf("remediation template %q needs a parameter", tpl)
	}
	return fmt.Sprintf(tpl, shellQuote(*param)), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ── Routing ──────────────────────────────────────────────────────────────────

// RoutingDispatcher sends remediation for devices with an SSH host over SSH
// and everything else to the agent queue.
type RoutingDispatcher struct {
	Agent Dispatcher
	SSH   Dispatcher
}

func (r RoutingDispatcher) Dispatch(ctx context.Context, dev *models.Device, cmd *models.AgentCommand) error {
	if r.SSH != nil && dev.SSHHost != "" && cmd.Kind == models.CommandRemediate {
		return r.SSH.Dispatch(ctx, dev, cmd)
	}
	return r.Agent.Dispatch(ctx, dev, cmd)
}
