package rootfs

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestComposeOverlaysLaterLayers(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "etc/os-release"), "base\n")
	writeFile(t, filepath.Join(base, "usr/bin/app"), "v1\n")

	top := t.TempDir()
	writeFile(t, filepath.Join(top, "usr/bin/app"), "v2\n")

	dest := t.TempDir()
	if err := Compose([]string{base, top}, dest); err != nil {
		t.Fatalf("Compose: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "usr/bin/app"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v2\n" {
		t.Errorf("expected top layer to overlay base, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "etc/os-release")); err != nil {
		t.Errorf("expected base-only file to survive: %v", err)
	}
}

func TestComposeWhiteoutDeletesFile(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "var/log/app.log"), "log\n")

	top := t.TempDir()
	writeFile(t, filepath.Join(top, "var/log/.wh.app.log"), "")

	dest := t.TempDir()
	if err := Compose([]string{base, top}, dest); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "var/log/app.log")); !os.IsNotExist(err) {
		t.Errorf("expected whiteout to remove file, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "var/log/.wh.app.log")); !os.IsNotExist(err) {
		t.Error("whiteout marker itself should not appear in composed rootfs")
	}
}

func TestComposeOpaqueDirClearsContents(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "data/old1.txt"), "1\n")
	writeFile(t, filepath.Join(base, "data/old2.txt"), "2\n")

	top := t.TempDir()
	writeFile(t, filepath.Join(top, "data/.wh..wh..opq"), "")
	writeFile(t, filepath.Join(top, "data/new.txt"), "new\n")

	dest := t.TempDir()
	if err := Compose([]string{base, top}, dest); err != nil {
		t.Fatalf("Compose: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dest, "data"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if names["old1.txt"] || names["old2.txt"] {
		t.Errorf("opaque dir should clear prior contents, got %v", names)
	}
	if !names["new.txt"] {
		t.Errorf("expected new.txt to be present, got %v", names)
	}
}
