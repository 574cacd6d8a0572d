// Package imagestore implements the content-addressed local image store
// (spec.md §4.4): blobs on disk keyed by digest, a ref-to-digest index
// persisted as JSON, and oldest-pulled-first eviction bounded by a byte
// budget.
package imagestore

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	digest "github.com/opencontainers/go-digest"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/ociimage"
)

// lruCapacity bounds the recency tracker itself, not the byte budget;
// it is sized well above any realistic number of distinct pulled refs
// so simplelru never auto-evicts on our behalf — eviction is driven
// solely by evictLocked's byte-budget + in-use check.
const lruCapacity = 1 << 20

// Entry records one pulled (manifest-ref, digest) pair and the space it
// occupies, so eviction can reclaim the least-recently-pulled image
// first (spec.md §4.4).
type Entry struct {
	Ref           string         `json:"ref"`
	ManifestDigest digest.Digest `json:"manifest_digest"`
	Manifest      ociimage.Manifest `json:"manifest"`
	Config        ociimage.Config   `json:"config"`
	SizeBytes     int64          `json:"size_bytes"`
	PulledAt      time.Time      `json:"pulled_at"`
	InUse         bool           `json:"in_use"`
}

type index struct {
	Entries map[string]*Entry `json:"entries"` // keyed by ref
}

// Store is the on-disk image store rooted at a directory laid out as:
//
//	<root>/blobs/sha256/<hex>      content-addressed blobs
//	<root>/refs.json               ref -> Entry index
type Store struct {
	root    string
	maxBytes int64

	mu  sync.Mutex
	idx index
	lru *simplelru.LRU[string, struct{}]
}

// Open loads (or initializes) the store rooted at dir.
func Open(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs", "sha256"), 0o755); err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to create image store directory")
	}
	lru, err := simplelru.NewLRU[string, struct{}](lruCapacity, nil)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to initialize image store recency tracker")
	}
	s := &Store{root: dir, maxBytes: maxBytes, idx: index{Entries: map[string]*Entry{}}, lru: lru}
	if err := s.load(); err != nil {
		return nil, err
	}
	// Seed eviction order from pulled_at so a reopened store still evicts
	// the oldest-pulled entry first.
	entries := make([]*Entry, 0, len(s.idx.Entries))
	for _, e := range s.idx.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PulledAt.Before(entries[j].PulledAt) })
	for _, e := range entries {
		s.lru.Add(e.Ref, struct{}{})
	}
	return s, nil
}

func (s *Store) refsPath() string { return filepath.Join(s.root, "refs.json") }

func (s *Store) lock() (*flock.Flock, error) {
	fl := flock.New(filepath.Join(s.root, ".refs.lock"))
	if err := fl.Lock(); err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to acquire image store lock")
	}
	return fl, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.refsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to read image store index")
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode image store index")
	}
	if idx.Entries == nil {
		idx.Entries = map[string]*Entry{}
	}
	s.idx = idx
	return nil
}

// persist writes the index atomically via temp file + rename. Caller
// must hold s.mu and the file lock.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode image store index")
	}
	tmp := s.refsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to write image store index")
	}
	if err := os.Rename(tmp, s.refsPath()); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to commit image store index")
	}
	return nil
}

// BlobPath returns the content-addressed path for dig. It creates
// nothing on disk; WriteBlob creates the parent directory.
func (s *Store) BlobPath(dig digest.Digest) string {
	return filepath.Join(s.root, "blobs", dig.Algorithm().String(), dig.Encoded())
}

// HasBlob reports whether dig is already present in the store.
func (s *Store) HasBlob(dig digest.Digest) bool {
	_, err := os.Stat(s.BlobPath(dig))
	return err == nil
}

// WriteBlob persists r's content under dig, verifying the digest
// matches as it streams to disk (spec.md §4.4). Writes to a temp file
// in the same directory and renames into place so partial writes are
// never visible under the final name.
func (s *Store) WriteBlob(dig digest.Digest, r io.Reader) error {
	if s.HasBlob(dig) {
		_, err := io.Copy(io.Discard, r)
		return err
	}
	dir := filepath.Dir(s.BlobPath(dig))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create blob directory")
	}
	tmp, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create temp blob file")
	}
	defer os.Remove(tmp.Name())

	verifier := dig.Verifier()
	if _, err := io.Copy(tmp, io.TeeReader(r, verifier)); err != nil {
		tmp.Close()
		return a3serr.Wrap(a3serr.KindIO, err, "failed to write blob")
	}
	if err := tmp.Close(); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to close temp blob file")
	}
	if !verifier.Verified() {
		return a3serr.New(a3serr.KindDigestMismatch, "blob content did not match digest "+dig.String())
	}
	if err := os.Rename(tmp.Name(), s.BlobPath(dig)); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to publish blob")
	}
	return nil
}

// OpenBlob opens a stored blob for reading.
func (s *Store) OpenBlob(dig digest.Digest) (*os.File, error) {
	f, err := os.Open(s.BlobPath(dig))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, a3serr.New(a3serr.KindNotFound, "blob not found: "+dig.String())
		}
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to open blob")
	}
	return f, nil
}

// Put records an image ref (and its manifest/config) as present,
// evicting older unused entries if the store would exceed maxBytes.
func (s *Store) Put(ref string, manifestDigest digest.Digest, manifest ociimage.Manifest, config ociimage.Config, sizeBytes int64) error {
	fl, err := s.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.idx.Entries[ref] = &Entry{
		Ref: ref, ManifestDigest: manifestDigest, Manifest: manifest,
		Config: config, SizeBytes: sizeBytes, PulledAt: time.Now(),
	}
	s.lru.Add(ref, struct{}{})
	if err := s.evictLocked(); err != nil {
		return err
	}
	return s.persist()
}

// Get returns the Entry for ref, if present. Lookups do not change the
// eviction order, which follows pulled_at.
func (s *Store) Get(ref string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.Entries[ref]
	return e, ok
}

// List returns every tracked entry.
func (s *Store) List() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, 0, len(s.idx.Entries))
	for _, e := range s.idx.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// MarkInUse sets the in-use bit an active box holds over an image,
// excluding it from eviction (spec.md §4.4).
func (s *Store) MarkInUse(ref string, inUse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.idx.Entries[ref]; ok {
		e.InUse = inUse
	}
}

// Remove deletes a tracked ref from the index; it deletes no blobs.
// Only eviction deletes blobs, and only those of the entry it evicts,
// so blobs referenced solely by a removed ref stay on disk.
func (s *Store) Remove(ref string) error {
	fl, err := s.lock()
	if err != nil {
		return err
	}
	defer fl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idx.Entries[ref]; !ok {
		return a3serr.New(a3serr.KindNotFound, "image not found: "+ref)
	}
	delete(s.idx.Entries, ref)
	s.lru.Remove(ref)
	return s.persist()
}

// totalBytesLocked sums SizeBytes across all tracked entries.
func (s *Store) totalBytesLocked() int64 {
	var total int64
	for _, e := range s.idx.Entries {
		total += e.SizeBytes
	}
	return total
}

// evictLocked removes not-in-use entries, oldest pulled_at first (s.lru's
// ordering, which only Put advances), until the store is at or under
// maxBytes.
// Caller holds s.mu and the file lock.
func (s *Store) evictLocked() error {
	if s.maxBytes <= 0 {
		return nil
	}
	for s.totalBytesLocked() > s.maxBytes {
		var victim string
		for _, ref := range s.lru.Keys() {
			if e, ok := s.idx.Entries[ref]; ok && !e.InUse {
				victim = ref
				break
			}
		}
		if victim == "" {
			// Everything remaining is in use; cannot evict further.
			return nil
		}
		s.removeUnreferencedBlobs(s.idx.Entries[victim])
		delete(s.idx.Entries, victim)
		s.lru.Remove(victim)
	}
	return nil
}

// removeUnreferencedBlobs deletes e's config and layer blobs from disk
// provided no other tracked entry still references them.
func (s *Store) removeUnreferencedBlobs(e *Entry) {
	refCount := map[digest.Digest]int{}
	for ref, other := range s.idx.Entries {
		if ref == e.Ref {
			continue
		}
		refCount[other.Manifest.Config.Digest]++
		for _, l := range other.Manifest.Layers {
			refCount[l.Digest]++
		}
	}
	maybeRemove := func(d digest.Digest) {
		if refCount[d] == 0 {
			os.Remove(s.BlobPath(d))
		}
	}
	maybeRemove(e.Manifest.Config.Digest)
	for _, l := range e.Manifest.Layers {
		maybeRemove(l.Digest)
	}
}
