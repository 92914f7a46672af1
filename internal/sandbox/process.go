package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// maxOutputBytes is kept per stream; the rest is dropped.
	maxOutputBytes = 1 << 20

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512

	// waitDelay bounds how long Wait keeps reading output after the shell
	// exits, so a backgrounded child holding stdout cannot stall the call.
	waitDelay = 2 * time.Second

	safePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// ProcessConfig holds the defaults applied to requests that leave
// Timeout or Limits unset.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessRunner runs each request as a child of /bin/sh in a new
// process group. The parent environment is never passed on, ulimits
// bound CPU and memory, and a request without a working directory runs
// in a throwaway temp dir.
type ProcessRunner struct {
	timeout time.Duration
	limits  ResourceLimits
	logger  *slog.Logger
}

func NewProcessRunner(cfg ProcessConfig, logger *slog.Logger) *ProcessRunner {
	r := &ProcessRunner{timeout: cfg.DefaultTimeout, limits: cfg.DefaultLimits, logger: logger}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.limits.MaxCPUSeconds <= 0 {
		r.limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if r.limits.MaxMemoryMB <= 0 {
		r.limits.MaxMemoryMB = defaultMemoryMB
	}
	return r
}

// Run executes req. A non-zero exit status is reported in the Result;
// only a failure to run, a cancelled context or ErrTimeout is an error.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (*Result, error) {
	switch {
	case len(req.Command) == 0 || req.Command[0] == "":
		return nil, errors.New("empty command")
	case req.Shell && len(req.Command) != 1:
		return nil, fmt.Errorf("shell mode takes a single script, got %d args", len(req.Command))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, cleanup, err := r.workDir(req.WorkingDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, "/bin/sh", r.shellArgs(req)...)
	cmd.Dir = dir
	cmd.Env = buildEnv(dir, req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	errW := &limitedWriter{w: &stderr, remaining: maxOutputBytes}
	cmd.Stdout, cmd.Stderr = outW, errW

	r.logger.Debug("running command",
		slog.Any("command", req.Command),
		slog.Bool("shell", req.Shell),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	if cmd.Process != nil {
		// Reap background children left in the group.
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	if errors.Is(runErr, exec.ErrWaitDelay) {
		r.logger.Debug("output left open by a background process",
			slog.Any("command", req.Command),
		)
		runErr = nil
	}
	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: outW.truncated || errW.truncated,
	}

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("command timed out",
				slog.Any("command", req.Command),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running command: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug("command completed",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// shellArgs builds the /bin/sh arguments: a fixed wrapper that applies
// the ulimits, followed by the command as positional parameters. The
// command text is never spliced into the wrapper.
func (r *ProcessRunner) shellArgs(req Request) []string {
	limits := r.limits
	if req.Limits.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.Limits.MaxCPUSeconds
	}
	if req.Limits.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.Limits.MaxMemoryMB
	}

	wrapper := "ulimit -v " + strconv.Itoa(limits.MaxMemoryMB*1024) + " 2>/dev/null; " +
		"ulimit -t " + strconv.Itoa(limits.MaxCPUSeconds) + " 2>/dev/null; "
	if req.Shell {
		wrapper += `exec /bin/sh -c "$1"`
	} else {
		wrapper += `exec "$@"`
	}
	return append([]string{"-c", wrapper, "_"}, req.Command...)
}

// workDir returns dir, or a fresh temp dir removed by the returned cleanup.
func (r *ProcessRunner) workDir(dir string) (string, func(), error) {
	if dir != "" {
		return dir, func() {}, nil
	}
	tmp, err := os.MkdirTemp("", "opsgate-run-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp dir: %w", err)
	}
	return tmp, func() {
		if err := os.RemoveAll(tmp); err != nil {
			r.logger.Warn("removing temp dir",
				slog.String("dir", tmp),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}

// buildEnv is the complete child environment: a fixed base plus extra.
func buildEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=" + safePath,
		"HOME=" + home,
		"TMPDIR=" + os.TempDir(),
		"LANG=C.UTF-8",
		"TERM=dumb",
		"SYSTEMD_PAGER=",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter keeps the first remaining bytes and reports later
// writes as successful so the child never sees EPIPE.
type limitedWriter struct {
	w         *bytes.Buffer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || n > 0
		return n, nil
	}
	if n > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, _ := lw.w.Write(p)
	lw.remaining -= written
	return n, nil
}
