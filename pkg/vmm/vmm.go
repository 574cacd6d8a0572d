// Package vmm is the VMM controller (spec.md §4.9): it turns an
// instance spec into a running MicroVM, exposes a Handle for signaling
// and waiting on it, and probes a vsock health endpoint to know when
// the guest is ready to accept work.
package vmm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/a3s-lab/box/internal/a3serr"
)

// Spec describes one VM instance to launch.
type Spec struct {
	VCPUs      int
	MemoryMB   int
	KernelPath string
	RootfsDir  string
	CID        uint32 // vsock context id assigned to this box
	HealthPort uint32 // vsock port the guest health probe answers on
	PortMaps   map[string]string
	Env        []string
	Command    []string // argv the guest runs as its init/entrypoint
	WorkingDir string

	// ConsoleLogPath, if set, captures the VM process's stdout/stderr
	// (spec.md §6: "boxes/<id>/console.log"). Empty means discard.
	ConsoleLogPath string
}

// LaunchPlan is a backend's translation of a Spec into an executable
// subprocess invocation.
type LaunchPlan struct {
	Binary string
	Args   []string
	Env    []string
}

// Backend abstracts the concrete hypervisor used to run a Spec. One
// host may support several; spec.md §9 notes this runtime should not
// hard-code a single VMM.
type Backend interface {
	// Name identifies the backend for diagnostics and Handle.Metrics.
	Name() string
	// Detect reports whether this backend's helper is usable on the
	// current host (helper binary present, platform supported).
	Detect() error
	// Configure translates spec into a launch plan.
	Configure(spec Spec) (*LaunchPlan, error)
}

// Controller boots and supervises VM instances against one Backend.
type Controller struct {
	backend Backend

	// dialHealth opens the vsock health channel; overridable in tests
	// so they don't need a real AF_VSOCK-capable kernel.
	dialHealth func(cid uint32, port uint32, timeout time.Duration) error
}

// Option configures a Controller at construction.
type Option func(*Controller)

// WithHealthProbe overrides the readiness probe, e.g. in tests that
// can't rely on a real AF_VSOCK-capable kernel.
func WithHealthProbe(fn func(cid uint32, port uint32, timeout time.Duration) error) Option {
	return func(c *Controller) { c.dialHealth = fn }
}

// New returns a Controller driving backend. Readiness probing uses the
// real vsock transport unless overridden with WithHealthProbe.
func New(backend Backend, opts ...Option) *Controller {
	c := &Controller{backend: backend, dialHealth: probeVsockHealth}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Boot launches spec and blocks until the guest reports ready or
// readyTimeout elapses, per spec.md §4.9's readiness protocol. On
// timeout the returned error is BoxBootError and the process is
// killed and reaped before returning.
func (c *Controller) Boot(ctx context.Context, spec Spec, readyTimeout time.Duration) (*Handle, error) {
	if err := c.backend.Detect(); err != nil {
		return nil, a3serr.Wrap(a3serr.KindBoxBootError, err, "vmm backend unavailable")
	}
	plan, err := c.backend.Configure(spec)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to configure vm")
	}

	cmd := exec.CommandContext(ctx, plan.Binary, plan.Args...)
	cmd.Env = plan.Env

	var consoleLog *os.File
	if spec.ConsoleLogPath != "" {
		f, err := os.OpenFile(spec.ConsoleLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to open console log")
		}
		cmd.Stdout = f
		cmd.Stderr = f
		consoleLog = f
	}

	if err := cmd.Start(); err != nil {
		if consoleLog != nil {
			consoleLog.Close()
		}
		return nil, a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to launch vm process")
	}

	h := &Handle{
		pid:           cmd.Process.Pid,
		cmd:           cmd,
		backendName:   c.backend.Name(),
		vsockEndpoint: fmt.Sprintf("vsock://%d:%d", spec.CID, spec.HealthPort),
		cid:           spec.CID,
		healthPort:    spec.HealthPort,
		consoleLog:    consoleLog,
		exited:        make(chan struct{}),
	}
	go h.reap()

	if err := c.waitUntilReady(h, readyTimeout); err != nil {
		h.Signal(SignalKill)
		<-h.exited
		return nil, err
	}
	return h, nil
}

// RunInBuild implements buildengine.Runner: it boots spec's command as
// a one-shot VM rooted at rootfsDir and blocks until it exits, per the
// build engine's RUN execution model (spec.md §4.7).
func (c *Controller) RunInBuild(ctx context.Context, rootfsDir string, commands []string, env []string, workingDir string) error {
	spec := Spec{
		VCPUs:      1,
		MemoryMB:   512,
		RootfsDir:  rootfsDir,
		CID:        nextBuildCID(),
		HealthPort: defaultHealthPort,
		Env:        env,
		Command:    commands,
		WorkingDir: workingDir,
	}
	if err := c.backend.Detect(); err != nil {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "vmm backend unavailable")
	}
	plan, err := c.backend.Configure(spec)
	if err != nil {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to configure build vm")
	}

	cmd := exec.CommandContext(ctx, plan.Binary, plan.Args...)
	cmd.Env = plan.Env
	if err := cmd.Run(); err != nil {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "build command failed inside vm")
	}
	return nil
}

func (c *Controller) waitUntilReady(h *Handle, timeout time.Duration) error {
	if c.dialHealth == nil {
		return nil
	}
	if err := c.dialHealth(h.cid, h.healthPort, timeout); err != nil {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "vm did not become ready").WithHint("check guest agent boot logs")
	}
	return nil
}

// buildCID hands out distinct vsock context ids to concurrent one-shot
// build VMs; it is not used for long-lived boxes, which carry an
// explicit CID assigned by the caller.
var (
	buildCIDMu   sync.Mutex
	buildCIDNext uint32 = 1000
)

func nextBuildCID() uint32 {
	buildCIDMu.Lock()
	defer buildCIDMu.Unlock()
	buildCIDNext++
	return buildCIDNext
}

const defaultHealthPort uint32 = 5000
