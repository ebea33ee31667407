package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"deepresearch/internal/core"
	"deepresearch/pkg"
)

const (
	defaultScriptName     = "math_tool.py"
	defaultSandboxTimeout = 30 * time.Second
)

// SandboxExecutor runs a script in isolation.
type SandboxExecutor interface {
	Execute(ctx context.Context, req pkg.SandboxRequest) (pkg.SandboxResult, error)
}

// SandboxFunc adapts a function to SandboxExecutor.
type SandboxFunc func(ctx context.Context, req pkg.SandboxRequest) (pkg.SandboxResult, error)

func (f SandboxFunc) Execute(ctx context.Context, req pkg.SandboxRequest) (pkg.SandboxResult, error) {
	return f(ctx, req)
}

// MathToolTask runs an optional computation requested through math.request.
// It always records math.status so downstream tasks can tell it was skipped.
type MathToolTask struct {
	sandbox SandboxExecutor
}

func NewMathToolTask(sandbox SandboxExecutor) *MathToolTask {
	return &MathToolTask{sandbox: sandbox}
}

func (t *MathToolTask) ID() string { return MathToolID }

func (t *MathToolTask) Run(ctx context.Context, wc *core.WorkflowContext) (core.TaskResult, error) {
	var req pkg.MathRequest
	found, err := wc.GetRecord(KeyMathRequest, &req)
	if err != nil {
		return core.TaskResult{}, core.Fatal("invalid math request: %v", err)
	}

	skipped := pkg.MathResult{Status: pkg.MathSkipped}
	switch {
	case !found:
		return t.skip(ctx, wc, skipped, "", "no request")
	case strings.TrimSpace(req.Script) == "":
		return t.skip(ctx, wc, skipped, req.ScriptName, "empty script")
	case t.sandbox == nil:
		return t.skip(ctx, wc, skipped, req.ScriptName, "no sandbox configured")
	}

	name := req.ScriptName
	if name == "" {
		name = defaultScriptName
	}
	timeout := defaultSandboxTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := t.sandbox.Execute(runCtx, pkg.SandboxRequest{
		ScriptName:      name,
		Script:          req.Script,
		Args:            req.Args,
		Files:           req.Files,
		ExpectedOutputs: req.ExpectedOutputs,
		Timeout:         timeout,
	})

	var result pkg.MathResult
	switch {
	case err != nil && ctx.Err() != nil:
		return core.TaskResult{}, ctx.Err()
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return core.TaskResult{}, core.Retryable("sandbox timed out after %s", timeout)
	case err != nil:
		log.Warn().Err(err).Msg("math sandbox execution failed")
		result = pkg.MathResult{Status: pkg.MathFailure, Stderr: err.Error()}
	default:
		result = fromSandbox(res)
	}

	if err := persistMath(wc, result, name); err != nil {
		return core.TaskResult{}, err
	}

	exit := "none"
	if result.ExitCode != nil {
		exit = fmt.Sprint(*result.ExitCode)
	}
	core.Note(ctx, "%s (outputs %d, exit %s)", result.Status, len(result.Outputs), exit)

	var message string
	switch result.Status {
	case pkg.MathSuccess:
		message = "Math tool completed successfully"
	case pkg.MathTimeout:
		message = "Math tool timed out"
	default:
		message = "Math tool failed"
	}
	return core.Result(message, core.Continue()), nil
}

func (t *MathToolTask) skip(ctx context.Context, wc *core.WorkflowContext, result pkg.MathResult, script, reason string) (core.TaskResult, error) {
	if err := persistMath(wc, result, script); err != nil {
		return core.TaskResult{}, err
	}
	core.Note(ctx, "skipped (%s)", reason)
	return core.Result(fmt.Sprintf("Math tool skipped (%s)", reason), core.Continue()), nil
}

func fromSandbox(res pkg.SandboxResult) pkg.MathResult {
	status := pkg.MathFailure
	switch {
	case res.TimedOut:
		status = pkg.MathTimeout
	case res.ExitCode != nil && *res.ExitCode == 0:
		status = pkg.MathSuccess
	}
	return pkg.MathResult{
		Status:     status,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		DurationMs: res.Duration.Milliseconds(),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Outputs:    res.Outputs,
	}
}

func persistMath(wc *core.WorkflowContext, result pkg.MathResult, script string) error {
	if result.Outputs == nil {
		result.Outputs = []pkg.MathOutput{}
	}
	if err := wc.SetRecord(KeyMathResult, result); err != nil {
		return core.Fatal("store math result: %v", err)
	}
	if err := wc.SetRecord(KeyMathOutputs, result.Outputs); err != nil {
		return core.Fatal("store math outputs: %v", err)
	}
	wc.SetString(KeyMathStatus, string(result.Status))
	wc.SetString(KeyMathStdout, result.Stdout)
	wc.SetString(KeyMathStderr, result.Stderr)
	wc.SetBool(KeyMathTimedOut, result.TimedOut)
	wc.SetNumber(KeyMathDurationMs, float64(result.DurationMs))
	if result.ExitCode != nil {
		wc.SetNumber(KeyMathExitCode, float64(*result.ExitCode))
	}
	if script != "" {
		wc.SetString(KeyMathScriptName, script)
	}

	retry := result.Status == pkg.MathFailure || result.Status == pkg.MathTimeout
	wc.SetBool(KeyMathRetryRecommended, retry)
	note := ""
	if retry {
		note = fmt.Sprintf("Math tool %s. Falling back to non-numeric reasoning.", result.Status)
	}
	wc.SetString(KeyMathDegradationNote, note)
	return nil
}
