package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcessRunner_Run(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	res, err := r.Run(context.Background(), Request{Command: []string{"echo", "hello"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestProcessRunner_NonZeroExitIsResult(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	res, err := r.Run(context.Background(), Request{Command: []string{"exit 3"}, Shell: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestProcessRunner_ShellScript(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	res, err := r.Run(context.Background(), Request{Command: []string{"echo a; echo b >&2"}, Shell: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Combined(); got != "a\nb" {
		t.Errorf("Combined() = %q, want %q", got, "a\nb")
	}

	if _, err := r.Run(context.Background(), Request{Command: []string{"echo", "x"}, Shell: true}); err == nil {
		t.Error("expected error for multi-arg shell request")
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{DefaultTimeout: 100 * time.Millisecond}, discardLogger())

	start := time.Now()
	_, err := r.Run(context.Background(), Request{Command: []string{"sleep", "5"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("process group was not killed promptly")
	}
}

func TestProcessRunner_BackgroundChildDoesNotHold(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{DefaultTimeout: 20 * time.Second}, discardLogger())

	start := time.Now()
	res, err := r.Run(context.Background(), Request{Command: []string{"sleep 15 & echo started"}, Shell: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run took %s, want it to return soon after the shell exits", elapsed)
	}
	if strings.TrimSpace(res.Stdout) != "started" {
		t.Errorf("stdout = %q, want started", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestProcessRunner_EnvNotInherited(t *testing.T) {
	t.Setenv("OPSGATE_TEST_SECRET", "s3cret")
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	res, err := r.Run(context.Background(), Request{Command: []string{"env"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(res.Stdout, "s3cret") {
		t.Error("parent environment leaked into child")
	}
}

func TestProcessRunner_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	r := NewProcessRunner(ProcessConfig{}, discardLogger())

	res, err := r.Run(context.Background(), Request{Command: []string{"pwd"}, WorkingDir: dir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, statErr := os.Stat(dir); statErr != nil {
		t.Fatalf("working dir removed: %v", statErr)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("pwd = %q, want %q", res.Stdout, dir)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 4}
	n, err := lw.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	_, _ = lw.Write([]byte("gh"))
	if buf.String() != "abcd" {
		t.Errorf("buf = %q, want abcd", buf.String())
	}
	if !lw.truncated {
		t.Error("expected truncated flag")
	}
}

func TestLimitedWriter_UnderCap(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 8}
	_, _ = lw.Write([]byte("abc"))
	if lw.truncated || buf.String() != "abc" {
		t.Errorf("buf = %q truncated = %v", buf.String(), lw.truncated)
	}
}

func TestShellArgs_LimitsOverride(t *testing.T) {
	r := NewProcessRunner(ProcessConfig{}, discardLogger())
	args := r.shellArgs(Request{Command: []string{"uptime"}, Limits: ResourceLimits{MaxMemoryMB: 1}})
	if len(args) != 4 || args[0] != "-c" || args[2] != "_" || args[3] != "uptime" {
		t.Fatalf("args = %q", args)
	}
	if !strings.Contains(args[1], "ulimit -v 1024 ") || !strings.Contains(args[1], "ulimit -t 60 ") {
		t.Errorf("wrapper = %q", args[1])
	}
}
