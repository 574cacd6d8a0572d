// Package warmpool maintains a set of pre-booted MicroVMs so that
// `run` can skip the boot latency of a cold start (spec.md §4.10).
// Pooled VMs are single-use: once acquired they are never returned to
// the pool, only destroyed, and the replenishment loop tops the pool
// back up to capacity.
package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/vmm"
)

// Template is the fixed shape every pooled VM is booted from.
type Template struct {
	KernelPath string
	MemoryMB   int
	VCPUs      int
	RootfsDir  string
	HealthPort uint32
	ReadyWithin time.Duration
}

// PoolStats is a point-in-time snapshot (spec.md §4.10).
type PoolStats struct {
	Ready    int
	Booting  int
	Capacity int
}

type pooledVM struct {
	handle *vmm.Handle
}

// Pool owns a fixed-capacity set of pre-booted VMs.
type Pool struct {
	controller *vmm.Controller
	template   Template
	capacity   int

	minAvailableMB uint64 // memory-pressure replenishment floor (spec.md §5)
	tick           time.Duration

	mu      sync.Mutex
	ready   []*pooledVM
	booting int
	cidNext uint32

	stop chan struct{}
	done chan struct{}
	log  *logrus.Entry
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithMemoryFloor sets the /proc/meminfo MemAvailable threshold (in
// MB) below which replenishment pauses.
func WithMemoryFloor(mb uint64) Option {
	return func(p *Pool) { p.minAvailableMB = mb }
}

// WithReplenishInterval sets the replenishment loop's tick rate.
func WithReplenishInterval(d time.Duration) Option {
	return func(p *Pool) { p.tick = d }
}

// New creates a Pool of the given capacity, booting nothing yet —
// call Start to begin replenishment.
func New(controller *vmm.Controller, template Template, capacity int, opts ...Option) *Pool {
	p := &Pool{
		controller:     controller,
		template:       template,
		capacity:       capacity,
		minAvailableMB: 512,
		tick:           time.Second,
		cidNext:        2000,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		log:            logrus.WithField("component", "warmpool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the background replenishment loop. It returns
// immediately; the loop runs until Stop is called.
func (p *Pool) Start(ctx context.Context) {
	go p.replenishLoop(ctx)
}

// Stop halts replenishment and destroys every idle pooled VM.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.done

	p.mu.Lock()
	idle := p.ready
	p.ready = nil
	p.mu.Unlock()

	for _, v := range idle {
		_ = v.handle.Stop(context.Background(), 2*time.Second)
	}
}

// Stats reports the current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Ready: len(p.ready), Booting: p.booting, Capacity: p.capacity}
}

// Acquire returns a pooled VM compatible with spec (same kernel,
// memory >= required, identical base rootfs), or boots a fresh one if
// no compatible VM is idle. The returned handle is never returned to
// the pool by Release — callers own its full lifecycle afterward.
func (p *Pool) Acquire(ctx context.Context, spec vmm.Spec) (*vmm.Handle, error) {
	if h := p.takeCompatible(spec); h != nil {
		return h, nil
	}
	return p.bootOne(ctx, spec)
}

// Release destroys h; pooled VMs are never reused across acquirers
// (spec.md §4.10). The replenishment loop refills the pool on its own
// ticks.
func (p *Pool) Release(h *vmm.Handle) error {
	if err := h.Stop(context.Background(), 2*time.Second); err != nil {
		return a3serr.Wrap(a3serr.KindBoxBootError, err, "failed to destroy released vm")
	}
	return nil
}

func (p *Pool) takeCompatible(spec vmm.Spec) *vmm.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, v := range p.ready {
		if p.template.MemoryMB >= spec.MemoryMB && p.template.KernelPath == spec.KernelPath && p.template.RootfsDir == spec.RootfsDir {
			p.ready = append(p.ready[:i], p.ready[i+1:]...)
			return v.handle
		}
	}
	return nil
}

func (p *Pool) bootOne(ctx context.Context, spec vmm.Spec) (*vmm.Handle, error) {
	p.mu.Lock()
	p.booting++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.booting--
		p.mu.Unlock()
	}()

	readyTimeout := p.template.ReadyWithin
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	return p.controller.Boot(ctx, spec, readyTimeout)
}

func (p *Pool) templateSpec() vmm.Spec {
	p.mu.Lock()
	p.cidNext++
	cid := p.cidNext
	p.mu.Unlock()

	return vmm.Spec{
		VCPUs:      p.template.VCPUs,
		MemoryMB:   p.template.MemoryMB,
		KernelPath: p.template.KernelPath,
		RootfsDir:  p.template.RootfsDir,
		CID:        cid,
		HealthPort: p.template.HealthPort,
		Command:    []string{"/sbin/init"},
	}
}

func (p *Pool) replenishLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replenishOnce(ctx)
		}
	}
}

func (p *Pool) replenishOnce(ctx context.Context) {
	p.mu.Lock()
	occupied := len(p.ready) + p.booting
	need := p.capacity - occupied
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	if pressured, availMB := p.underMemoryPressure(); pressured {
		p.log.WithField("available_mb", availMB).Debug("pausing warm pool replenishment under memory pressure")
		return
	}

	spec := p.templateSpec()
	h, err := p.bootOne(ctx, spec)
	if err != nil {
		p.log.WithError(err).Warn("warm pool replenishment boot failed")
		return
	}

	p.mu.Lock()
	p.ready = append(p.ready, &pooledVM{handle: h})
	p.mu.Unlock()
}

// underMemoryPressure reads /proc/meminfo and reports whether
// available memory has dropped below the configured floor (spec.md
// §5's "pauses when the host is under memory pressure").
func (p *Pool) underMemoryPressure() (bool, uint64) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return false, 0
	}
	info, err := fs.Meminfo()
	if err != nil || info.MemAvailableBytes == nil {
		return false, 0
	}
	availMB := *info.MemAvailableBytes / (1024 * 1024)
	return availMB < p.minAvailableMB, availMB
}
