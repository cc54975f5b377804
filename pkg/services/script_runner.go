package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/sluicedata/sluice/pkg/apperrors"
	"github.com/sluicedata/sluice/pkg/jsonutil"
	"github.com/sluicedata/sluice/pkg/logging"
)

// maxScriptOutput is the captured stdout retained in the task output.
const maxScriptOutput = 4096

// defaultScriptTimeout bounds a script run unless the task overrides it.
const defaultScriptTimeout = 10 * time.Minute

// ScriptRunner executes SCRIPT tasks as external commands. The task
// reference is the command; task_config may add args, env, working_dir and
// timeout_seconds. Stdout is captured (truncated) into the task output.
type ScriptRunner struct {
	logger *zap.Logger
}

// NewScriptRunner wires the runner.
func NewScriptRunner(logger *zap.Logger) *ScriptRunner {
	return &ScriptRunner{logger: logger.Named("scripts")}
}

var _ ScriptExecutor = (*ScriptRunner)(nil)

// RunScript runs one command to completion.
func (r *ScriptRunner) RunScript(ctx context.Context, reference string, config jsonutil.Document) (jsonutil.Document, error) {
	command := reference
	if command == "" {
		command = config.GetString("command")
	}
	if command == "" {
		return nil, fmt.Errorf("script task has no command: %w", apperrors.ErrInvalidConfig)
	}

	timeout := defaultScriptTimeout
	if v := config.GetInt("timeout_seconds", 0); v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := config.GetStringSlice("args")
	cmd := exec.CommandContext(ctx, command, args...)
	if dir := config.GetString("working_dir"); dir != "" {
		cmd.Dir = dir
	}
	if env := config.GetDocument("env"); len(env) > 0 {
		cmd.Env = os.Environ()
		for key := range env {
			cmd.Env = append(cmd.Env, key+"="+env.GetString(key))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	duration := time.Since(started).Seconds()

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Warn("script failed",
			zap.String("command", command),
			zap.Int("exit_code", exitCode),
			zap.Float64("duration_seconds", duration))
		return nil, fmt.Errorf("script %s failed (exit %d): %s",
			command, exitCode, logging.TruncateString(stderr.String(), 512))
	}

	r.logger.Info("script completed",
		zap.String("command", command),
		zap.Float64("duration_seconds", duration))

	return jsonutil.Document{
		"command":          command,
		"exit_code":        0,
		"stdout":           logging.TruncateString(stdout.String(), maxScriptOutput),
		"duration_seconds": duration,
	}, nil
}
