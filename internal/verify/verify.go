// Package verify implements the verification engine run by a worker after
// the executor CLI exits zero: output-existence checks followed by a
// battery of project hooks, explicit or auto-detected.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/klauss/pkg/types"
)

// maxConcurrentHooks bounds how many verification hooks run at once; a
// task with many hooks (typecheck, lint, test) shouldn't be able to spawn
// an unbounded number of child processes.
const maxConcurrentHooks = 4

// DefaultHookTimeout is the per-hook wall-clock timeout (§4.2 step 3).
const DefaultHookTimeout = 120 * time.Second

// Engine runs the verification pipeline for a completed task.
type Engine struct {
	HookTimeout time.Duration
}

// New builds an Engine with the default per-hook timeout.
func New() *Engine {
	return &Engine{HookTimeout: DefaultHookTimeout}
}

// Run executes the full pipeline (§4.2): output existence, hook assembly,
// hook execution. It never returns an error for verification failures —
// those are recorded in the report's Passed/Checks fields; the error
// return is reserved for inability to even attempt verification.
func (e *Engine) Run(ctx context.Context, task *types.Task) (*types.VerificationReport, error) {
	report := &types.VerificationReport{Passed: true}

	for _, path := range task.ExpectedOutputs {
		resolved := path
		if task.WorkingDir != "" && !filepath.IsAbs(path) {
			resolved = filepath.Join(task.WorkingDir, path)
		}
		check := types.VerifyCheck{Description: fmt.Sprintf("expected output exists: %s", path)}
		if _, err := os.Stat(resolved); err != nil {
			check.Passed = false
			check.Stderr = err.Error()
			report.Passed = false
			report.Checks = append(report.Checks, check)
			return report, nil // missing output: skip remaining steps (§4.2 step 1)
		}
		check.Passed = true
		report.Checks = append(report.Checks, check)
	}

	hooks := assembleHooks(task)
	checks := make([]types.VerifyCheck, len(hooks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentHooks)
	for i, hook := range hooks {
		i, hook := i, hook
		g.Go(func() error {
			checks[i] = e.runHook(gctx, task.WorkingDir, hook)
			return nil
		})
	}
	g.Wait() // runHook never returns an error; every check always runs to completion (§4.2 step 3).

	for _, check := range checks {
		if !check.Passed {
			report.Passed = false
		}
		report.Checks = append(report.Checks, check)
	}

	return report, nil
}

// assembleHooks builds the hook list: explicit verification_hooks win; if
// none were given and auto_verify is true, fall back to marker-file
// detection of the project kind (§4.2 step 2).
func assembleHooks(task *types.Task) []types.VerificationHook {
	if len(task.VerificationHooks) > 0 {
		return task.VerificationHooks
	}
	if !task.AutoVerify {
		return nil
	}
	return detectHooks(task.WorkingDir)
}

// detectHooks is best-effort: absence of any marker file yields an empty
// hook set, which makes the task pass verification trivially (§4.2 step
// 2: "absence of markers yields an empty hook set and the task passes
// verification").
func detectHooks(workingDir string) []types.VerificationHook {
	if workingDir == "" {
		return nil
	}

	has := func(name string) bool {
		_, err := os.Stat(filepath.Join(workingDir, name))
		return err == nil
	}

	switch {
	case has("go.mod"):
		return []types.VerificationHook{
			{Command: "go build ./...", Description: "compile"},
			{Command: "go vet ./...", Description: "typecheck"},
			{Command: "go test ./...", Description: "test"},
		}
	case has("Cargo.toml"):
		return []types.VerificationHook{
			{Command: "cargo check", Description: "typecheck"},
			{Command: "cargo test", Description: "test"},
		}
	case has("tsconfig.json") && has("package.json"):
		hooks := []types.VerificationHook{
			{Command: "npm run typecheck --if-present", Description: "typecheck"},
		}
		if has(".eslintrc.json") || has(".eslintrc.js") || has(".eslintrc") {
			hooks = append(hooks, types.VerificationHook{Command: "npm run lint --if-present", Description: "lint"})
		}
		hooks = append(hooks, types.VerificationHook{Command: "npm test --if-present", Description: "test"})
		return hooks
	case has("pyproject.toml"):
		hooks := []types.VerificationHook{
			{Command: "mypy .", Description: "typecheck"},
		}
		hooks = append(hooks, types.VerificationHook{Command: "pytest", Description: "test"})
		return hooks
	default:
		return nil
	}
}

// runHook runs one hook command in workingDir with the per-hook timeout,
// capturing stdout/stderr/exit code regardless of outcome (§4.2 step 3:
// "First non-zero exit → overall passed=false but still run remaining
// hooks for diagnostics").
func (e *Engine) runHook(ctx context.Context, workingDir string, hook types.VerificationHook) types.VerifyCheck {
	timeout := e.HookTimeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, "sh", "-c", hook.Command)
	cmd.Dir = workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	check := types.VerifyCheck{
		Description: hook.Description,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
	}

	if hookCtx.Err() == context.DeadlineExceeded {
		check.Passed = false
		check.ExitCode = -1
		check.Stderr += fmt.Sprintf("\nhook timed out after %s", timeout)
		return check
	}

	if err == nil {
		check.Passed = true
		check.ExitCode = 0
		return check
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		check.ExitCode = exitErr.ExitCode()
	} else {
		check.ExitCode = -1
		check.Stderr += "\n" + err.Error()
	}
	check.Passed = false
	return check
}
