package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLocalRunnerExec(t *testing.T) {
	r := NewLocalRunner(0)
	out, err := r.Exec(context.Background(), "", "echo hello")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "hello" {
		t.Fatalf("output = %q", out)
	}
}

func TestLocalRunnerEmptyOutputPlaceholder(t *testing.T) {
	r := NewLocalRunner(0)
	out, err := r.Exec(context.Background(), "", "true")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if out != "(no output)" {
		t.Fatalf("output = %q", out)
	}
}

func TestLocalRunnerNonZeroExit(t *testing.T) {
	r := NewLocalRunner(0)
	out, err := r.Exec(context.Background(), "", "echo oops >&2; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("code = %d", exitErr.Code)
	}
	if !strings.Contains(out, "oops") {
		t.Fatalf("output = %q", out)
	}
}

func TestLocalRunnerTimeout(t *testing.T) {
	r := NewLocalRunner(100 * time.Millisecond)
	_, err := r.Exec(context.Background(), "", "sleep 2")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
