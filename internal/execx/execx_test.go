package execx

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestOSRunner_OutputTrims(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}

	r := NewOSRunner(time.Second, false)
	out, err := r.Output(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if out != "hello" {
		t.Fatalf("out=%q", out)
	}
}

func TestOSRunner_InputFeedsStdin(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	r := NewOSRunner(time.Second, false)
	out, err := r.Input(context.Background(), "key-material\n", "cat")
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	if out != "key-material" {
		t.Fatalf("out=%q", out)
	}
}

func TestOSRunner_ExitErrorCarriesStderr(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	r := NewOSRunner(time.Second, false)
	err := r.Run(context.Background(), "sh", "-c", "echo 'Cannot find device' >&2; exit 1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := Stderr(err); got != "Cannot find device" {
		t.Fatalf("stderr=%q", got)
	}
	if !strings.Contains(err.Error(), "sh -c") {
		t.Fatalf("error missing command: %q", err)
	}
}

func TestOSRunner_Timeout(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	r := NewOSRunner(50*time.Millisecond, false)
	err := r.Run(context.Background(), "sleep", "5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v", err)
	}
}

func TestOSRunner_NotFound(t *testing.T) {
	t.Parallel()

	r := NewOSRunner(time.Second, false)
	if _, err := r.LookPath("anivpn-definitely-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookPath err=%v", err)
	}
	if err := r.Run(context.Background(), "anivpn-definitely-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Run err=%v", err)
	}
}
