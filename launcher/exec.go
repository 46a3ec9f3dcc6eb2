package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Exec starts agents by running a configured command. The command receives
// the launch parameters as flags and is expected to detach from the workflow:
// completion arrives through comments or summary files, never the exit code.
type Exec struct {
	command string
	logsDir string
	logger  *slog.Logger
}

// NewExec creates an exec-based launcher. command is the agent runner binary;
// logsDir receives one log file per launch.
func NewExec(command, logsDir string, logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{command: command, logsDir: logsDir, logger: logger}
}

// Launch starts the agent process and returns without waiting for it.
func (e *Exec) Launch(_ context.Context, req Request) (*Result, error) {
	if e.command == "" {
		return nil, fmt.Errorf("%w: no agent command configured", ErrNotLaunchable)
	}
	args := []string{
		"--issue", req.IssueID,
		"--agent", req.AgentType,
		"--tier", req.Tier,
		"--repo", req.Repo,
		"--trigger", req.TriggerSource,
	}
	if len(req.ExcludeTools) > 0 {
		args = append(args, "--exclude-tools", strings.Join(req.ExcludeTools, ","))
	}

	// The process must outlive any request context, so no CommandContext.
	cmd := exec.Command(e.command, args...)
	if e.logsDir != "" {
		if err := os.MkdirAll(e.logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create agent log directory: %w", err)
		}
		logPath := filepath.Join(e.logsDir, fmt.Sprintf("agent_%s_%s.log", req.IssueID, req.AgentType))
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open agent log: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s for issue %s: %w", req.AgentType, req.IssueID, err)
	}
	pid := cmd.Process.Pid
	tool := filepath.Base(e.command)

	// Reap the child so it never zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			e.logger.Warn("agent process exited with error",
				"issue", req.IssueID, "agent", req.AgentType, "pid", pid, "error", err)
			return
		}
		e.logger.Debug("agent process exited",
			"issue", req.IssueID, "agent", req.AgentType, "pid", pid)
	}()

	e.logger.Info("agent launched",
		"issue", req.IssueID,
		"agent", req.AgentType,
		"tier", req.Tier,
		"pid", pid,
		"trigger", req.TriggerSource)
	return &Result{PID: pid, Tool: tool}, nil
}
