package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/exec"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

// maxShellOutput caps how much command output is kept as a result payload.
const maxShellOutput = 32 * 1024

// shellPayload is the expected payload for "shell" tasks.
type shellPayload struct {
	// Command is the shell command line, run through "sh -c".
	Command string `json:"command"`
	// Dir is the working directory. Empty means the daemon's cwd.
	Dir string `json:"dir,omitempty"`
}

// sleepPayload is the expected payload for "sleep" tasks.
type sleepPayload struct {
	// Duration is a Go duration string, e.g. "1.5s".
	Duration string `json:"duration"`
}

// Builtins returns a registry with the handlers the daemon ships with:
//
//	shell - runs a command line via sh -c, output becomes the result
//	sleep - waits for the requested duration, useful for drills
//	echo  - stores the submitted payload back as the result
//
// Embedding callers build their own registry instead.
func Builtins(runner exec.CommandRunner, logger *zap.Logger) *HandlerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := NewHandlerRegistry()
	// Registration of fixed names onto a fresh registry cannot collide.
	_ = r.Register("shell", shellHandler(runner, logger))
	_ = r.Register("sleep", sleepHandler())
	_ = r.Register("echo", echoHandler())
	return r
}

// shellHandler executes the payload's command line with the attempt context,
// so cancellation and the per-attempt deadline kill the process.
func shellHandler(runner exec.CommandRunner, logger *zap.Logger) Handler {
	return func(ctx context.Context, t *models.Task) (json.RawMessage, error) {
		var p shellPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode shell payload: %w", err)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("shell payload has no command")
		}

		logger.Debug("running shell task",
			zap.String("task_id", t.ID),
			zap.String("command", p.Command))

		out, err := runner.RunShell(ctx, p.Dir, p.Command)
		truncated := false
		if len(out) > maxShellOutput {
			out = out[:maxShellOutput]
			truncated = true
		}
		if err != nil {
			if len(out) > 0 {
				return nil, fmt.Errorf("command failed: %v: %s", err, out)
			}
			return nil, fmt.Errorf("command failed: %w", err)
		}

		result, err := json.Marshal(map[string]any{
			"output":    string(out),
			"truncated": truncated,
		})
		if err != nil {
			return nil, fmt.Errorf("encode shell result: %w", err)
		}
		return result, nil
	}
}

// sleepHandler waits for the payload's duration or until the attempt is
// cancelled, whichever comes first.
func sleepHandler() Handler {
	return func(ctx context.Context, t *models.Task) (json.RawMessage, error) {
		var p sleepPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode sleep payload: %w", err)
		}
		d, err := time.ParseDuration(p.Duration)
		if err != nil {
			return nil, fmt.Errorf("parse sleep duration: %w", err)
		}

		select {
		case <-time.After(d):
			return json.RawMessage(`{"slept":"` + d.String() + `"}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// echoHandler returns the task payload unchanged.
func echoHandler() Handler {
	return func(ctx context.Context, t *models.Task) (json.RawMessage, error) {
		if len(t.Payload) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return t.Payload, nil
	}
}
