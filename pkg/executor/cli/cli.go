// Package cli implements the step executor as a local subprocess. CLI agents
// are the only executors with real PIDs, so they are the ones the tracker can
// kill-escalate.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"relay/pkg/config"
	"relay/pkg/executor/step"
	"relay/pkg/resilience"
)

// Environment variables handed to the subprocess so agent scripts can tell
// which step they are serving.
const (
	EnvAgent = "RELAY_AGENT"
	EnvSkill = "RELAY_SKILL"
)

const stderrTailBytes = 500

// Client runs one configured binary per step, prompt on stdin, answer on stdout.
type Client struct {
	cfg config.CLIAgentConfig
}

// New builds a subprocess executor from an agent's CLI configuration.
func New(cfg config.CLIAgentConfig) *Client {
	return &Client{cfg: cfg}
}

// Model implements step.Executor. Subprocesses have no model name, so report
// the binary instead.
func (c *Client) Model() string {
	return "cli:" + filepath.Base(c.cfg.Binary)
}

// Execute implements step.Executor. The system prompt is folded into stdin
// because a subprocess has no separate channel for it. Partial stdout is
// returned alongside the error so callers can report what the agent managed
// to produce before failing.
func (c *Client) Execute(ctx context.Context, req step.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetTimeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Binary, c.cfg.Args...)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(),
		EnvAgent+"="+req.Agent,
		EnvSkill+"="+req.Skill,
	)

	input := req.Prompt
	if req.System != "" {
		input = fmt.Sprintf("System: %s\n\n%s", req.System, req.Prompt)
	}
	cmd.Stdin = strings.NewReader(input)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", step.Classify("cli", fmt.Errorf("start %s: %w", c.cfg.Binary, err))
	}
	if req.OnSpawn != nil {
		req.OnSpawn(cmd.Process.Pid)
	}

	err := cmd.Wait()
	if err == nil {
		return stdout.String(), nil
	}

	// A deadline here means the process was killed by the timeout, not that
	// the agent chose to exit nonzero.
	if ctx.Err() != nil {
		return stdout.String(), step.Classify("cli", fmt.Errorf("%s: %w", c.cfg.Binary, ctx.Err()))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg := fmt.Sprintf("%s exited with code %d", c.cfg.Binary, exitErr.ExitCode())
		if tail := lastBytes(stderr.String(), stderrTailBytes); tail != "" {
			msg += ": " + tail
		}
		return stdout.String(), resilience.NewError(resilience.TypeUnknown, msg)
	}
	return stdout.String(), step.Classify("cli", err)
}

func lastBytes(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
