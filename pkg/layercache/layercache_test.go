package layercache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	digest "github.com/opencontainers/go-digest"
)

func buildLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestFetchExtractsOnce(t *testing.T) {
	layer := buildLayer(t, map[string]string{"etc/hostname": "box\n"})
	d := digest.FromBytes(layer)

	var calls int32
	source := func(dig digest.Digest) (io.ReadCloser, error) {
		atomic.AddInt32(&calls, 1)
		return io.NopCloser(bytes.NewReader(layer)), nil
	}

	c := New(t.TempDir(), source)

	var wg sync.WaitGroup
	paths := make([]string, 10)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Fetch(d)
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			paths[i] = p
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected source called exactly once, got %d", calls)
	}
	for _, p := range paths {
		if p != paths[0] {
			t.Errorf("expected all fetches to return the same path, got %s vs %s", p, paths[0])
		}
	}
	data, err := os.ReadFile(filepath.Join(paths[0], "etc/hostname"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "box\n" {
		t.Errorf("unexpected file content: %q", data)
	}
}

func TestFetchRejectsPathEscape(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 0, Typeflag: tar.TypeReg})
	tw.Close()
	gz.Close()
	layer := buf.Bytes()
	d := digest.FromBytes(layer)

	source := func(dig digest.Digest) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(layer)), nil
	}
	c := New(t.TempDir(), source)
	if _, err := c.Fetch(d); err == nil {
		t.Fatal("expected path escape to be rejected")
	}
}
