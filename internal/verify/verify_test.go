package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloud-shuttle/klauss/pkg/types"
)

func TestRunMissingExpectedOutputFails(t *testing.T) {
	dir := t.TempDir()
	e := New()

	report, err := e.Run(context.Background(), &types.Task{
		WorkingDir:      dir,
		ExpectedOutputs: []string{"missing.txt"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed {
		t.Fatalf("expected Passed=false for missing output")
	}
	if len(report.Checks) != 1 {
		t.Fatalf("expected exactly 1 check (short-circuit), got %d", len(report.Checks))
	}
}

func TestRunExistingOutputPasses(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e := New()

	report, err := e.Run(context.Background(), &types.Task{
		WorkingDir:      dir,
		ExpectedOutputs: []string{"out.txt"},
		AutoVerify:      true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Passed {
		t.Fatalf("expected Passed=true, checks=%+v", report.Checks)
	}
}

func TestRunExecutesExplicitHooks(t *testing.T) {
	dir := t.TempDir()
	e := New()

	report, err := e.Run(context.Background(), &types.Task{
		WorkingDir: dir,
		VerificationHooks: []types.VerificationHook{
			{Command: "exit 0", Description: "pass"},
			{Command: "exit 1", Description: "fail"},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Passed {
		t.Fatalf("expected Passed=false because one hook exits nonzero")
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected both hooks to run for diagnostics, got %d checks", len(report.Checks))
	}
	if !report.Checks[0].Passed {
		t.Errorf("first hook should have passed")
	}
	if report.Checks[1].Passed {
		t.Errorf("second hook should have failed")
	}
	if report.Checks[1].ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", report.Checks[1].ExitCode)
	}
}

func TestDetectHooksByMarkerFile(t *testing.T) {
	cases := []struct {
		name   string
		marker string
	}{
		{"go", "go.mod"},
		{"rust", "Cargo.toml"},
		{"python", "pyproject.toml"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, c.marker), []byte(""), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			hooks := detectHooks(dir)
			if len(hooks) == 0 {
				t.Fatalf("expected hooks for marker %s, got none", c.marker)
			}
		})
	}
}

func TestDetectHooksEmptyWithoutMarkers(t *testing.T) {
	dir := t.TempDir()
	if hooks := detectHooks(dir); len(hooks) != 0 {
		t.Fatalf("expected no hooks without markers, got %v", hooks)
	}
}

func TestRunPreservesHookOrderUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	e := New()

	var hooks []types.VerificationHook
	for i := 0; i < maxConcurrentHooks*3; i++ {
		hooks = append(hooks, types.VerificationHook{
			Command:     fmt.Sprintf("exit %d", i%2),
			Description: fmt.Sprintf("hook-%d", i),
		})
	}

	report, err := e.Run(context.Background(), &types.Task{
		WorkingDir:        dir,
		VerificationHooks: hooks,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Checks) != len(hooks) {
		t.Fatalf("expected %d checks, got %d", len(hooks), len(report.Checks))
	}
	for i, check := range report.Checks {
		want := fmt.Sprintf("hook-%d", i)
		if check.Description != want {
			t.Errorf("checks[%d].Description = %q, want %q (order must match hook order)", i, check.Description, want)
		}
		wantPassed := i%2 == 0
		if check.Passed != wantPassed {
			t.Errorf("checks[%d].Passed = %v, want %v", i, check.Passed, wantPassed)
		}
	}
}

func TestAssembleHooksSkipsAutoDetectWhenAutoVerifyFalse(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(""), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	hooks := assembleHooks(&types.Task{WorkingDir: dir, AutoVerify: false})
	if len(hooks) != 0 {
		t.Fatalf("expected no hooks when auto_verify=false and no explicit hooks, got %v", hooks)
	}
}
