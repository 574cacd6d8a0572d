// Package boxstate is the persistent registry of box records (spec.md
// §4.8): a single JSON file under the home directory, mutated only
// under an exclusive file lock with read-modify-write-rename.
package boxstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/a3s-lab/box/internal/a3serr"
)

// Status is a box's lifecycle state (spec.md §4.8).
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusDead    Status = "dead"
)

// Record is one box's persisted state.
type Record struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Image         string            `json:"image"`
	Status        Status            `json:"status"`
	PID           int               `json:"pid,omitempty"`
	VsockEndpoint string            `json:"vsock_endpoint,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	RestartCount  int               `json:"restart_count"`
	AutoRemove    bool              `json:"auto_remove"`
	BoxDir        string            `json:"box_dir"`
	PortMaps      map[string]string `json:"port_maps,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

type file struct {
	Boxes []*Record `json:"boxes"`
}

// Registry is the file-backed box state store.
type Registry struct {
	path string
	mu   sync.Mutex
}

// New returns a Registry backed by path (typically $HOME/.a3s/boxes.json).
func New(path string) *Registry {
	return &Registry{path: path}
}

func (r *Registry) lock() (*flock.Flock, error) {
	fl := flock.New(r.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to acquire box state lock")
	}
	return fl, nil
}

func (r *Registry) load() (file, error) {
	var f file
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, a3serr.Wrap(a3serr.KindIO, err, "failed to read box state")
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode box state")
	}
	return f, nil
}

func (r *Registry) save(f file) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create box state directory")
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode box state")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to write box state")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to publish box state")
	}
	return nil
}

// mutate performs a locked read-modify-write cycle.
func (r *Registry) mutate(fn func(f *file) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fl, err := r.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	f, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(&f); err != nil {
		return err
	}
	return r.save(f)
}

// Create materializes a new box record with a fresh id.
func (r *Registry) Create(name, image, boxDir string, autoRemove bool, labels, portMaps map[string]string) (*Record, error) {
	rec := &Record{
		ID:         uuid.NewString(),
		Name:       name,
		Image:      image,
		Status:     StatusCreated,
		CreatedAt:  time.Now(),
		AutoRemove: autoRemove,
		BoxDir:     boxDir,
		Labels:     labels,
		PortMaps:   portMaps,
	}
	err := r.mutate(func(f *file) error {
		f.Boxes = append(f.Boxes, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkRunning transitions id to running once the controller reports a
// live PID (spec.md §4.8).
func (r *Registry) MarkRunning(id string, pid int, vsockEndpoint string) error {
	return r.updateByID(id, func(rec *Record) error {
		rec.Status = StatusRunning
		rec.PID = pid
		rec.VsockEndpoint = vsockEndpoint
		now := time.Now()
		rec.StartedAt = &now
		return nil
	})
}

// MarkStopped transitions id to stopped on clean shutdown.
func (r *Registry) MarkStopped(id string, exitCode int) error {
	return r.updateByID(id, func(rec *Record) error {
		rec.Status = StatusStopped
		now := time.Now()
		rec.StoppedAt = &now
		rec.ExitCode = &exitCode
		return nil
	})
}

// MarkDead transitions id to dead when a liveness check fails for a
// record previously marked running.
func (r *Registry) MarkDead(id string) error {
	return r.updateByID(id, func(rec *Record) error {
		rec.Status = StatusDead
		now := time.Now()
		rec.StoppedAt = &now
		return nil
	})
}

// IncrementRestart bumps the restart counter of a box re-launched in
// place rather than recreated. No code path in this module calls it.
func (r *Registry) IncrementRestart(id string) error {
	return r.updateByID(id, func(rec *Record) error {
		rec.RestartCount++
		return nil
	})
}

func (r *Registry) updateByID(id string, fn func(*Record) error) error {
	return r.mutate(func(f *file) error {
		rec, err := findByExactID(f, id)
		if err != nil {
			return err
		}
		return fn(rec)
	})
}

func findByExactID(f *file, id string) (*Record, error) {
	for _, rec := range f.Boxes {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, a3serr.New(a3serr.KindNotFound, "box not found: "+id)
}

// Remove deletes a record by exact id. The caller is responsible for
// erasing BoxDir; removal here is the state-registry half of the
// atomic stop+remove transition (spec.md §4.9).
func (r *Registry) Remove(id string) error {
	return r.mutate(func(f *file) error {
		for i, rec := range f.Boxes {
			if rec.ID == id {
				f.Boxes = append(f.Boxes[:i], f.Boxes[i+1:]...)
				return nil
			}
		}
		return a3serr.New(a3serr.KindNotFound, "box not found: "+id)
	})
}

// List returns every record, sorted by creation time.
func (r *Registry) List() ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(f.Boxes, func(i, j int) bool { return f.Boxes[i].CreatedAt.Before(f.Boxes[j].CreatedAt) })
	return f.Boxes, nil
}

// Resolve looks up a box by exact name, exact id, or unambiguous id
// prefix, failing with Ambiguous-flavored StateConflict when ≥2 ids
// share the prefix (spec.md §4.8).
func (r *Registry) Resolve(nameOrID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.load()
	if err != nil {
		return nil, err
	}

	for _, rec := range f.Boxes {
		if rec.Name == nameOrID || rec.ID == nameOrID {
			return rec, nil
		}
	}

	var matches []*Record
	for _, rec := range f.Boxes {
		if strings.HasPrefix(rec.ID, nameOrID) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return nil, a3serr.New(a3serr.KindNotFound, "no box matches "+nameOrID)
	case 1:
		return matches[0], nil
	default:
		return nil, a3serr.New(a3serr.KindStateConflict, "ambiguous id prefix "+nameOrID+" matches multiple boxes").WithHint("use a longer prefix or the full box id")
	}
}
