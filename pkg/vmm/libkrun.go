package vmm

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/a3s-lab/box/internal/a3serr"
)

// LibkrunBackend drives the libkrun helper binary (krun-box), the
// reference MicroVM backend for this runtime. Detection and
// configuration follow the same "look up a helper binary, build its
// argv from a profile, supervise the subprocess" shape the teacher
// uses for its external virtualization helpers, generalized from one
// hard-coded helper to the Backend interface.
type LibkrunBackend struct {
	// HelperPath overrides the helper binary lookup; empty means
	// resolve "krun-box" on PATH.
	HelperPath string
}

func (b *LibkrunBackend) Name() string { return "libkrun" }

func (b *LibkrunBackend) helperPath() string {
	if b.HelperPath != "" {
		return b.HelperPath
	}
	return "krun-box"
}

// Detect verifies the libkrun helper is installed and runnable.
func (b *LibkrunBackend) Detect() error {
	path, err := exec.LookPath(b.helperPath())
	if err != nil {
		return a3serr.Wrap(a3serr.KindConfig, err, "libkrun helper not found on PATH").
			WithHint("install krun-box or set LibkrunBackend.HelperPath")
	}
	b.HelperPath = path
	return nil
}

// Configure translates spec into krun-box's flag surface: one
// --cpus/--mem/--kernel/--root, a --cid/--health-port pair for the vsock
// health channel, repeated --publish for port maps, --env per
// variable, and the guest command as trailing positional args.
func (b *LibkrunBackend) Configure(spec Spec) (*LaunchPlan, error) {
	if spec.RootfsDir == "" {
		return nil, a3serr.New(a3serr.KindConfig, "vmm: spec.RootfsDir is required")
	}
	if len(spec.Command) == 0 {
		return nil, a3serr.New(a3serr.KindConfig, "vmm: spec.Command is required")
	}

	vcpus := spec.VCPUs
	if vcpus <= 0 {
		vcpus = 1
	}
	mem := spec.MemoryMB
	if mem <= 0 {
		mem = 256
	}

	args := []string{
		"--cpus", strconv.Itoa(vcpus),
		"--mem", strconv.Itoa(mem),
		"--root", spec.RootfsDir,
		"--cid", strconv.FormatUint(uint64(spec.CID), 10),
		"--health-port", strconv.FormatUint(uint64(spec.HealthPort), 10),
	}
	if spec.KernelPath != "" {
		args = append(args, "--kernel", spec.KernelPath)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	for hostPort, guestPort := range spec.PortMaps {
		args = append(args, "--publish", fmt.Sprintf("%s:%s", hostPort, guestPort))
	}
	for _, kv := range spec.Env {
		args = append(args, "--env", kv)
	}
	args = append(args, "--")
	args = append(args, spec.Command...)

	return &LaunchPlan{Binary: b.helperPath(), Args: args}, nil
}
