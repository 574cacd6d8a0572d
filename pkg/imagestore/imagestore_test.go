package imagestore

import (
	"bytes"
	"os"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/a3s-lab/box/pkg/ociimage"
)

func mustOpen(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestWriteBlobAndReopen(t *testing.T) {
	content := []byte("layer contents")
	d := digest.FromBytes(content)

	dir := t.TempDir()
	s, err := Open(dir, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.WriteBlob(d, bytes.NewReader(content)); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if !s.HasBlob(d) {
		t.Fatal("expected blob present after WriteBlob")
	}

	f, err := s.OpenBlob(d)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	defer f.Close()
	got, _ := os.ReadFile(f.Name())
	if !bytes.Equal(got, content) {
		t.Errorf("blob content mismatch")
	}
}

func TestWriteBlobDigestMismatch(t *testing.T) {
	s := mustOpen(t, 0)
	wrong := digest.FromBytes([]byte("something else"))
	err := s.WriteBlob(wrong, bytes.NewReader([]byte("actual content")))
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
	if s.HasBlob(wrong) {
		t.Error("mismatched blob should not be published")
	}
}

func TestPutGetRemove(t *testing.T) {
	s := mustOpen(t, 0)
	m := ociimage.Manifest{SchemaVersion: 2}
	if err := s.Put("alpine:latest", "sha256:abc", m, ociimage.Config{}, 100); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok := s.Get("alpine:latest")
	if !ok || e.SizeBytes != 100 {
		t.Fatalf("Get: e=%+v ok=%v", e, ok)
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(s.List()))
	}
	if err := s.Remove("alpine:latest"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get("alpine:latest"); ok {
		t.Fatal("expected entry removed")
	}
}

func TestEvictionSkipsInUse(t *testing.T) {
	s := mustOpen(t, 150)

	layerA := []byte("aaaaaaaaaa")
	dA := digest.FromBytes(layerA)
	s.WriteBlob(dA, bytes.NewReader(layerA))
	manifestA := ociimage.Manifest{Layers: []ociimage.Descriptor{{Digest: dA}}}
	s.Put("a:latest", "sha256:a", manifestA, ociimage.Config{}, 100)
	s.MarkInUse("a:latest", true)

	layerB := []byte("bbbbbbbbbb")
	dB := digest.FromBytes(layerB)
	s.WriteBlob(dB, bytes.NewReader(layerB))
	manifestB := ociimage.Manifest{Layers: []ociimage.Descriptor{{Digest: dB}}}
	if err := s.Put("b:latest", "sha256:b", manifestB, ociimage.Config{}, 100); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	if _, ok := s.Get("a:latest"); !ok {
		t.Error("in-use entry should survive eviction even over budget")
	}
	if _, ok := s.Get("b:latest"); ok {
		t.Error("not-in-use entry should have been evicted to satisfy the byte budget")
	}
}
