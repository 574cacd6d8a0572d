package vmm

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/a3s-lab/box/internal/a3serr"
)

// Signal identifies the two signals the stop protocol sends.
type Signal int

const (
	SignalTerm Signal = iota
	SignalKill
)

// Metrics is a point-in-time snapshot exposed by a running Handle.
type Metrics struct {
	Backend string
	PID     int
	Alive   bool
}

// Handle is a live VM instance returned by Controller.Boot.
type Handle struct {
	pid           int
	cmd           *exec.Cmd
	backendName   string
	vsockEndpoint string
	cid           uint32
	healthPort    uint32
	consoleLog    *os.File

	mu       sync.Mutex
	exitErr  error
	exitCode int
	exited   chan struct{}
}

// PID returns the host process id backing this VM.
func (h *Handle) PID() int { return h.pid }

// VsockEndpoint returns the "vsock://cid:port" address the guest
// health/agent channel answers on.
func (h *Handle) VsockEndpoint() string { return h.vsockEndpoint }

// Signal sends term or kill to the VM process.
func (h *Handle) Signal(sig Signal) error {
	proc, err := os.FindProcess(h.pid)
	if err != nil {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to locate vm process")
	}
	osSig := syscall.SIGTERM
	if sig == SignalKill {
		osSig = syscall.SIGKILL
	}
	if err := proc.Signal(osSig); err != nil {
		if isProcessFinished(err) {
			return nil
		}
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to signal vm process")
	}
	return nil
}

// WaitExit blocks until the VM process has exited or ctx is canceled.
func (h *Handle) WaitExit(ctx context.Context) (int, error) {
	select {
	case <-h.exited:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exitCode, h.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Metrics reports a liveness snapshot.
func (h *Handle) Metrics() Metrics {
	return Metrics{Backend: h.backendName, PID: h.pid, Alive: !h.isExited()}
}

func (h *Handle) isExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Stop implements the stop protocol (spec.md §4.9): SIGTERM, poll
// liveness every 100ms, SIGKILL after timeout. It returns once the
// process is reaped.
func (h *Handle) Stop(ctx context.Context, timeout time.Duration) error {
	if h.isExited() {
		return nil
	}
	if err := h.Signal(SignalTerm); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.isExited() {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if err := h.Signal(SignalKill); err != nil {
		return err
	}
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isProcessFinished(err error) bool {
	return err != nil && err.Error() == "os: process already finished"
}
