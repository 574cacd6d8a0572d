package vmm

import (
	"context"
	"testing"
	"time"

	"github.com/a3s-lab/box/internal/a3serr"
)

// fakeBackend runs spec.Command directly as the "VM process", letting
// tests exercise Controller's boot/stop/reap bookkeeping without a
// real hypervisor helper or AF_VSOCK-capable kernel.
type fakeBackend struct{ detectErr error }

func (f *fakeBackend) Name() string   { return "fake" }
func (f *fakeBackend) Detect() error  { return f.detectErr }
func (f *fakeBackend) Configure(spec Spec) (*LaunchPlan, error) {
	return &LaunchPlan{Binary: spec.Command[0], Args: spec.Command[1:]}, nil
}

func newFakeController(ready bool) *Controller {
	probe := func(cid, port uint32, timeout time.Duration) error { return nil }
	if !ready {
		probe = func(cid, port uint32, timeout time.Duration) error { return context.DeadlineExceeded }
	}
	return New(&fakeBackend{}, WithHealthProbe(probe))
}

func TestBootReadyThenStopReapsProcess(t *testing.T) {
	c := newFakeController(true)
	spec := Spec{CID: 3, HealthPort: 5000, Command: []string{"sh", "-c", "sleep 5"}}

	h, err := c.Boot(context.Background(), spec, time.Second)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if h.PID() == 0 {
		t.Fatal("expected a nonzero pid")
	}
	if h.VsockEndpoint() != "vsock://3:5000" {
		t.Errorf("unexpected vsock endpoint: %s", h.VsockEndpoint())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx, 300*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.Metrics().Alive {
		t.Error("expected process to be reaped after Stop")
	}
}

func TestBootIgnoresSigtermEscalatesToSigkill(t *testing.T) {
	c := newFakeController(true)
	// trap SIGTERM so Stop must escalate to SIGKILL after the timeout.
	spec := Spec{CID: 4, HealthPort: 5000, Command: []string{"sh", "-c", "trap '' TERM; sleep 5"}}

	h, err := c.Boot(context.Background(), spec, time.Second)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	start := time.Now()
	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx, 200*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("expected Stop to wait out the term timeout, took %s", elapsed)
	}
}

func TestBootReadinessTimeoutKillsAndReturnsBoxBootError(t *testing.T) {
	c := newFakeController(false)
	spec := Spec{CID: 5, HealthPort: 5000, Command: []string{"sh", "-c", "sleep 5"}}

	_, err := c.Boot(context.Background(), spec, 50*time.Millisecond)
	if a3serr.Of(err) != a3serr.KindBoxBootError {
		t.Fatalf("expected BoxBootError, got %v", err)
	}
}

func TestRunInBuildSucceedsAndFails(t *testing.T) {
	c := New(&fakeBackend{})

	if err := c.RunInBuild(context.Background(), t.TempDir(), []string{"sh", "-c", "exit 0"}, nil, ""); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	err := c.RunInBuild(context.Background(), t.TempDir(), []string{"sh", "-c", "exit 7"}, nil, "")
	if a3serr.Of(err) != a3serr.KindBoxBootError {
		t.Fatalf("expected BoxBootError for nonzero exit, got %v", err)
	}
}

func TestLibkrunBackendConfigureRejectsMissingFields(t *testing.T) {
	b := &LibkrunBackend{}
	if _, err := b.Configure(Spec{}); err == nil {
		t.Fatal("expected error for missing RootfsDir/Command")
	}
}

func TestLibkrunBackendConfigureBuildsArgs(t *testing.T) {
	b := &LibkrunBackend{HelperPath: "/usr/bin/krun-box"}
	plan, err := b.Configure(Spec{
		RootfsDir:  "/boxes/x/rootfs",
		CID:        42,
		HealthPort: 5000,
		Command:    []string{"/bin/init"},
		PortMaps:   map[string]string{"8080": "80"},
		Env:        []string{"FOO=bar"},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if plan.Binary != "/usr/bin/krun-box" {
		t.Errorf("unexpected binary: %s", plan.Binary)
	}
	joined := fmtArgs(plan.Args)
	for _, want := range []string{"--root", "/boxes/x/rootfs", "--cid", "42", "--publish", "8080:80", "--env", "FOO=bar", "/bin/init"} {
		if !contains(joined, want) {
			t.Errorf("expected args to contain %q, got %v", want, plan.Args)
		}
	}
}

func fmtArgs(args []string) []string { return args }

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
