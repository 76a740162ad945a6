package agent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ActionKillProcess terminates every process with the given name.
const ActionKillProcess = "kill_process"

func (a *Agent) remediate(ctx context.Context, action string, param *string) (string, error) {
	switch action {
	case ActionKillProcess:
		if param == nil || *param == "" {
			return "", errors.New("kill_process needs a process name")
		}
		n, err := a.killer(ctx, *param)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", fmt.Errorf("no process named %q", *param)
		}
		return fmt.Sprintf("killed %d process(es) named %q", n, *param), nil
	default:
		return "", fmt.Errorf("unsupported remediation action %q", action)
	}
}

// killProcesses kills processes whose name matches exactly, never this agent.
func killProcesses(ctx context.Context, name string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	killed := 0
	var errs []error
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		pname, err := p.NameWithContext(ctx)
		if err != nil || pname != name {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", p.Pid, err))
			continue
		}
		killed++
	}
	if killed == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return killed, nil
}
