package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single external command.
const DefaultTimeout = 10 * time.Second

var (
	ErrTimeout  = errors.New("command timed out")
	ErrNotFound = errors.New("command not found")
)

// Runner abstracts command execution so packages can be unit-tested without
// touching real system networking (ip/wg/wg-quick).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) (string, error)
	Input(ctx context.Context, stdin string, name string, args ...string) (string, error)
	LookPath(name string) (string, error)
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Stderr returns the captured stderr of an ExitError anywhere in err's chain.
func Stderr(err error) string {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	return ""
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Timeout time.Duration
	// Sudo prefixes every command with `sudo -n`.
	Sudo bool
}

func NewOSRunner(timeout time.Duration, sudo bool) *OSRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OSRunner{Timeout: timeout, Sudo: sudo}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.exec(ctx, "", name, args...)
	return err
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return r.exec(ctx, "", name, args...)
}

func (r *OSRunner) Input(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	return r.exec(ctx, stdin, name, args...)
}

func (r *OSRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return path, nil
}

func (r *OSRunner) exec(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if r.Sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s: %w after %s", cmdline, ErrTimeout, r.Timeout)
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return "", &ExitError{Cmd: cmdline, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Privileged reports whether commands run through r can change system state.
// Root always can. Otherwise, when sudo is enabled, it runs `true` through r
// (which adds `sudo -n`) and reports whether that succeeded without a password.
func Privileged(ctx context.Context, r Runner, euid int, sudo bool) bool {
	if euid == 0 {
		return true
	}
	if !sudo {
		return false
	}
	return r.Run(ctx, "true") == nil
}
