package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rendis/conductor/pkg/agent"
	"github.com/rendis/conductor/pkg/schema"
)

// CommandAgent runs a local command per invocation. The Request is written
// to stdin and stdout is decoded as the reply.
type CommandAgent struct {
	spec Spec
}

// NewCommandAgent returns the agent; the command is resolved on first use.
func NewCommandAgent(spec Spec) (*CommandAgent, error) {
	if spec.Command == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "remote agent %s: command is required", spec.ID)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaultTimeout
	}
	if spec.MaxOutput <= 0 {
		spec.MaxOutput = defaultMaxOutput
	}
	return &CommandAgent{spec: spec}, nil
}

func (a *CommandAgent) ID() string { return a.spec.ID }

func (a *CommandAgent) Name() string {
	if a.spec.Name == "" {
		return a.spec.ID
	}
	return a.spec.Name
}

// Invoke runs the command once. A non-zero exit is AGENT_ERROR carrying
// the exit code and stderr.
func (a *CommandAgent) Invoke(ctx context.Context, task any, opts agent.Options) (*agent.Outcome, error) {
	body, err := encodeRequest(a.spec.ID, task, opts)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, a.spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, a.spec.Command, a.spec.Args...)
	cmd.Dir = a.spec.Dir
	if len(a.spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range a.spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: a.spec.MaxOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: a.spec.MaxOutput}

	if runErr := cmd.Run(); runErr != nil {
		details := map[string]any{"stderr": strings.TrimSpace(stderr.String())}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			details["exit_code"] = exitErr.ExitCode()
		}
		if execCtx.Err() == context.DeadlineExceeded {
			details["killed"] = true
		}
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: command failed: %v", a.spec.ID, runErr).
			WithCause(runErr).
			WithDetails(details)
	}

	out, err := decodeReply(stdout.Bytes())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAgent, "agent %s: %v", a.spec.ID, err).WithCause(err)
	}
	return out, nil
}

var _ agent.Agent = (*CommandAgent)(nil)

// limitedWriter discards bytes beyond limit but reports them written so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
