// Package agent implements the TalonOps agent daemon. It enrolls once with
// a token, then heartbeats, reports check payloads and runs the commands
// the server queues for it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vesaa/talonops/internal/config"
	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
)

// Version is reported at enrollment.
const Version = "v0.1.0"

// State is the credential pair persisted after enrollment.
type State struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

// LoadState reads the state file. A missing file returns ok=false.
func LoadState(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read agent state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("parse agent state %s: %w", path, err)
	}
	if st.DeviceID == "" || st.Secret == "" {
		return State{}, false, nil
	}
	return st, true, nil
}

// SaveState writes the state file readable by the owner only.
func SaveState(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write agent state: %w", err)
	}
	return nil
}

// Agent runs the report and command loop for one enrolled device.
type Agent struct {
	client    *Client
	collector *Collector
	killer    func(ctx context.Context, name string) (int, error)
	logger    *zap.Logger
}

// New returns an agent using an already-enrolled client.
func New(client *Client, collector *Collector, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		client:    client,
		collector: collector,
		killer:    killProcesses,
		logger:    logger,
	}
}

// Run enrolls when no saved state exists, then loops until ctx is done.
//
// cfg.AgentJoinAddr is the data-plane address, e.g. "192.168.1.1:1616".
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.AgentJoinAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	st, ok, err := LoadState(cfg.AgentStatePath)
	if err != nil {
		return err
	}
	client := NewClient(base, st)
	if !ok {
		if cfg.AgentEnrollToken == "" {
			return errors.New("agent is not enrolled: pass --token or set agent_enroll_token")
		}
		id := HostIdentity(ctx)
		st, err = client.Enroll(ctx, EnrollRequest{
			Token:    cfg.AgentEnrollToken,
			Hostname: id.Hostname,
			IP:       id.IP,
			OS:       id.OS,
			Group:    cfg.AgentGroup,
			AgentVer: Version,
		})
		if err != nil {
			return err
		}
		if err := SaveState(cfg.AgentStatePath, st); err != nil {
			return err
		}
		logger.Info("enrolled", zap.String("device_id", st.DeviceID), zap.String("server", base))
	}

	a := New(client, NewCollector(), logger.With(zap.String("device_id", st.DeviceID)))

	interval := time.Duration(cfg.AgentInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("reporting", zap.Duration("interval", interval))
	for {
		if err := a.Cycle(ctx); errors.Is(err, ErrUnauthorized) {
			return fmt.Errorf("%w: remove %s and re-enroll", err, cfg.AgentStatePath)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle heartbeats, reports every check and runs pending commands. Errors
// of individual steps are logged; an authorization failure is returned.
func (a *Agent) Cycle(ctx context.Context) error {
	if err := a.client.Heartbeat(ctx); err != nil {
		a.logger.Warn("heartbeat failed", zap.Error(err))
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
	}

	for _, checkType := range CheckTypes {
		a.reportCheck(ctx, checkType)
	}

	cmds, err := a.client.Commands(ctx)
	if err != nil {
		a.logger.Warn("command poll failed", zap.Error(err))
		return nil
	}
	for _, cmd := range cmds {
		a.execute(ctx, cmd)
	}
	return nil
}

func (a *Agent) reportCheck(ctx context.Context, checkType string) error {
	payload, err := a.collector.Collect(ctx, checkType)
	if err != nil {
		a.logger.Warn("collect failed", zap.String("check_type", checkType), zap.Error(err))
		return err
	}
	fired, err := a.client.Report(ctx, checkType, payload)
	if err != nil {
		a.logger.Warn("report failed", zap.String("check_type", checkType), zap.Error(err))
		return err
	}
	if fired > 0 {
		a.logger.Info("report raised alerts", zap.String("check_type", checkType), zap.Int("alerts", fired))
	}
	return nil
}

// execute runs one command and reports its outcome.
func (a *Agent) execute(ctx context.Context, cmd models.AgentCommand) {
	output, err := a.run(ctx, cmd)
	ok := err == nil
	if err != nil {
		output = err.Error()
	}
	a.logger.Info("command finished",
		zap.String("command_id", cmd.ID),
		zap.String("kind", string(cmd.Kind)),
		zap.String("target", cmd.Target),
		zap.Bool("ok", ok),
	)
	if err := a.client.Result(ctx, cmd.ID, ok, output); err != nil {
		a.logger.Warn("result report failed", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}

func (a *Agent) run(ctx context.Context, cmd models.AgentCommand) (string, error) {
	switch cmd.Kind {
	case models.CommandDiagnose:
		checks := []string{cmd.Target}
		if cmd.Target == "all" {
			checks = CheckTypes
		}
		var failed []string
		for _, ct := range checks {
			if err := a.reportCheck(ctx, ct); err != nil {
				failed = append(failed, ct)
			}
		}
		if len(failed) > 0 {
			return "", fmt.Errorf("diagnose failed for %s", strings.Join(failed, ", "))
		}
		return "reported " + strings.Join(checks, ", "), nil

	case models.CommandRemediate:
		return a.remediate(ctx, cmd.Target, cmd.Parameter)

	default:
		return "", fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
}
