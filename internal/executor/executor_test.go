package executor

import (
	"context"
	"testing"
	"time"
)

func TestExecuteSuccessCapturesOutput(t *testing.T) {
	e := New("sh -c 'cat; echo done-stderr 1>&2'")
	e.DefaultTimeout = 5 * time.Second

	result, err := e.Execute(context.Background(), t.TempDir(), "hello from prompt", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello from prompt" {
		t.Errorf("stdout = %q, want %q", result.Stdout, "hello from prompt")
	}
	if result.TimedOut {
		t.Errorf("expected TimedOut=false")
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := New("sh -c 'exit 3'")
	e.DefaultTimeout = 5 * time.Second

	result, err := e.Execute(context.Background(), t.TempDir(), "", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	e := New("sh -c 'sleep 30'")
	e.GracePeriod = 200 * time.Millisecond

	result, err := e.Execute(context.Background(), t.TempDir(), "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.TimedOut {
		t.Fatalf("expected TimedOut=true")
	}
}
