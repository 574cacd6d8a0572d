package sbom

import (
	"context"
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

func TestGenerateFromFilesystemCollectsAllFormats(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "lib", "apk", "db", "installed"), "P:musl\nV:1.2.3\n\nP:busybox\nV:1.36.0\n")
	writeFile(t, filepath.Join(root, "var", "lib", "dpkg", "status"), "Package: libc6\nVersion: 2.31-0\n\nPackage: bash\nVersion: 5.0\n")
	writeFile(t, filepath.Join(root, "app", "go.sum"), "github.com/pkg/errors v0.9.1 h1:abc=\ngithub.com/pkg/errors v0.9.1/go.mod h1:def=\n")
	writeFile(t, filepath.Join(root, "app", "package-lock.json"), `{"dependencies":{"lodash":{"version":"4.17.21"}}}`)

	sbomDoc, err := NewFilesystemGenerator().GenerateFromFilesystem(context.Background(), root)
	if err != nil {
		t.Fatalf("GenerateFromFilesystem: %v", err)
	}

	want := map[string]bool{
		"apk:musl@1.2.3":                    false,
		"apk:busybox@1.36.0":                false,
		"deb:libc6@2.31-0":                  false,
		"deb:bash@5.0":                      false,
		"go:github.com/pkg/errors@v0.9.1":   false,
		"npm:lodash@4.17.21":                false,
	}
	for _, p := range sbomDoc.Packages {
		key := string(p.Type) + ":" + p.Name + "@" + p.Version
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for key, found := range want {
		if !found {
			t.Errorf("expected package %s in generated sbom, packages=%+v", key, sbomDoc.Packages)
		}
	}
	if sbomDoc.Metadata.ID == "" {
		t.Error("expected a non-empty sbom id")
	}
}

func TestGenerateFromFilesystemEmptyTreeYieldsNoPackages(t *testing.T) {
	sbomDoc, err := NewFilesystemGenerator().GenerateFromFilesystem(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("GenerateFromFilesystem: %v", err)
	}
	if len(sbomDoc.Packages) != 0 {
		t.Errorf("expected no packages, got %+v", sbomDoc.Packages)
	}
}
