// Package credstore persists per-registry credentials (spec.md §4.2).
package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/a3s-lab/box/internal/a3serr"
)

// DefaultHost is the default registry host credentials are keyed under
// when none is specified, matching reference.DefaultRegistry.
const DefaultHost = "index.docker.io"

// Auth is a stored username/secret pair for one registry host.
type Auth struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Store is a file-backed credential store under $HOME/.a3s/credentials.json.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

type fileFormat struct {
	Hosts map[string]Auth `json:"hosts"`
}

func normalizeHost(host string) string {
	if host == "" {
		return DefaultHost
	}
	return strings.ToLower(host)
}

func (s *Store) load() (fileFormat, error) {
	var f fileFormat
	f.Hosts = map[string]Auth{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, a3serr.Wrap(a3serr.KindIO, err, "failed to read credential store")
	}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode credential store")
	}
	if f.Hosts == nil {
		f.Hosts = map[string]Auth{}
	}
	return f, nil
}

func (s *Store) save(f fileFormat) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create credential store directory")
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode credential store")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to write credential store")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return a3serr.Wrap(a3serr.KindIO, errors.Wrap(err, "rename"), "failed to publish credential store")
	}
	return nil
}

// Store persists (or overwrites) credentials for host.
func (s *Store) Store(host, username, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Hosts[normalizeHost(host)] = Auth{Username: username, Secret: secret}
	return s.save(f)
}

// Get returns the credentials for host, if any.
func (s *Store) Get(host string) (Auth, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return Auth{}, false, err
	}
	auth, ok := f.Hosts[normalizeHost(host)]
	return auth, ok, nil
}

// Remove deletes the credentials for host, reporting whether one existed.
func (s *Store) Remove(host string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return false, err
	}
	key := normalizeHost(host)
	_, existed := f.Hosts[key]
	if existed {
		delete(f.Hosts, key)
		if err := s.save(f); err != nil {
			return false, err
		}
	}
	return existed, nil
}
