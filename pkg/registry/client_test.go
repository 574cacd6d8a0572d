package registry

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/a3s-lab/box/pkg/credstore"
	"github.com/a3s-lab/box/pkg/ociimage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dir := t.TempDir()
	creds := credstore.New(filepath.Join(dir, "credentials.json"))
	return New(Config{Insecure: true, RetryPolicy: RetryPolicy{MaxAttempts: 2, InitialDelay: 0}}, creds)
}

func TestGetManifestNoAuth(t *testing.T) {
	configBytes := []byte(`{}`)
	configDigest := digest.FromBytes(configBytes)
	manifest := ociimage.Manifest{
		SchemaVersion: 2,
		MediaType:     ociimage.MediaTypeOCIManifest,
		Config:        ociimage.Descriptor{MediaType: ociimage.MediaTypeOCIConfig, Digest: configDigest, Size: int64(len(configBytes))},
	}
	raw, _ := json.Marshal(manifest)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/library/alpine/manifests/latest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
	}))
	defer srv.Close()

	c := newTestClient(t)
	host := srv.Listener.Addr().String()
	got, gotRaw, err := c.GetManifest(t.Context(), host, "library/alpine", "latest")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if got.Config.Digest != configDigest {
		t.Errorf("config digest = %s, want %s", got.Config.Digest, configDigest)
	}
	if !bytes.Equal(gotRaw, raw) {
		t.Errorf("raw manifest mismatch")
	}
}

func TestGetManifestExchangesTokenAfterChallenge(t *testing.T) {
	var tokenHits int
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenHits++
		json.NewEncoder(w).Encode(map[string]string{"token": "abc123"})
	}))
	defer authSrv.Close()

	var regSrv *httptest.Server
	regSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer abc123" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"schemaVersion":2}`))
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+authSrv.URL+`",service="registry.example",scope="repository:x:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer regSrv.Close()

	c := newTestClient(t)
	host := regSrv.Listener.Addr().String()
	_, _, err := c.GetManifest(t.Context(), host, "x", "latest")
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if tokenHits != 1 {
		t.Errorf("expected exactly one token exchange, got %d", tokenHits)
	}
}

func TestGetBlobDigestMismatch(t *testing.T) {
	content := []byte("hello world")
	wrongDigest := digest.FromBytes([]byte("not the same content"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	c := newTestClient(t)
	host := srv.Listener.Addr().String()
	var buf bytes.Buffer
	err := c.GetBlob(t.Context(), host, "x", wrongDigest, &buf)
	if err == nil {
		t.Fatal("expected digest mismatch error")
	}
}

func TestPullBoundedConcurrency(t *testing.T) {
	layers := make([]ociimage.Descriptor, 8)
	blobs := map[digest.Digest][]byte{}
	for i := range layers {
		content := bytes.Repeat([]byte{byte(i)}, 16)
		d := digest.FromBytes(content)
		blobs[d] = content
		layers[i] = ociimage.Descriptor{MediaType: ociimage.MediaTypeLayerTar, Digest: d, Size: int64(len(content))}
	}
	configBytes := []byte(`{}`)
	configDigest := digest.FromBytes(configBytes)
	blobs[configDigest] = configBytes
	manifest := ociimage.Manifest{
		SchemaVersion: 2,
		Config:        ociimage.Descriptor{Digest: configDigest, Size: int64(len(configBytes))},
		Layers:        layers,
	}
	raw, _ := json.Marshal(manifest)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case filepathIsManifest(r.URL.Path):
			w.Write(raw)
		default:
			d := digest.Digest(r.URL.Path[len("/v2/x/blobs/"):])
			w.Write(blobs[d])
		}
	}))
	defer srv.Close()

	c := newTestClient(t)
	host := srv.Listener.Addr().String()

	var mu bytesSeenGuard
	res, err := c.Pull(t.Context(), host, "x", "latest", func(d digest.Digest, r io.Reader) error {
		got, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		mu.record(d, got)
		return nil
	})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(res.Manifest.Layers) != 8 {
		t.Fatalf("expected 8 layers, got %d", len(res.Manifest.Layers))
	}
	if mu.count() != 9 {
		t.Errorf("expected 9 blobs delivered (1 config + 8 layers), got %d", mu.count())
	}
}

func filepathIsManifest(p string) bool {
	return len(p) > len("/manifests/") && p[len(p)-len("latest"):] == "latest"
}

type bytesSeenGuard struct {
	mu   sync.Mutex
	seen map[digest.Digest][]byte
}

func (g *bytesSeenGuard) record(d digest.Digest, b []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = map[digest.Digest][]byte{}
	}
	g.seen[d] = b
}

func (g *bytesSeenGuard) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
