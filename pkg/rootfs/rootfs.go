// Package rootfs composes a box's root filesystem from an ordered
// stack of extracted layer trees, applying OCI whiteout semantics
// (spec.md §4.6): each layer may delete or opaque-mask entries from
// the layers beneath it.
package rootfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/a3s-lab/box/internal/a3serr"
)

const (
	whiteoutPrefix     = ".wh."
	whiteoutOpaqueName = ".wh..wh..opq"
)

// normalizedModTime is applied to every composed entry so rootfs trees
// built from identical layer content hash identically regardless of
// when they were extracted (spec.md §4.6 determinism requirement).
var normalizedModTime = time.Unix(0, 0)

// Compose flattens layerDirs (ordered bottom-to-top, as they appear in
// the image manifest) into dest, a fresh directory. Later layers
// overlay earlier ones; `.wh.NAME` entries delete NAME from the
// layers beneath, and `.wh..wh..opq` opaques an entire directory.
func Compose(layerDirs []string, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create rootfs destination")
	}
	for _, layer := range layerDirs {
		if err := applyLayer(layer, dest); err != nil {
			return a3serr.Wrap(a3serr.KindIO, err, "failed to apply layer "+layer)
		}
	}
	return nil
}

// applyLayer merges one extracted layer tree into dest, processing
// whiteouts before regular entries so a delete-then-recreate within the
// same layer (unusual, but not forbidden) still lands correctly.
func applyLayer(layer, dest string) error {
	var opaqueDirs []string
	var deletes []string
	var regular []string

	err := walkFiles(layer, func(relPath string) error {
		base := filepath.Base(relPath)
		switch {
		case base == whiteoutOpaqueName:
			opaqueDirs = append(opaqueDirs, filepath.Dir(relPath))
		case strings.HasPrefix(base, whiteoutPrefix):
			deletes = append(deletes, filepath.Join(filepath.Dir(relPath), strings.TrimPrefix(base, whiteoutPrefix)))
		default:
			regular = append(regular, relPath)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Opaque markers clear everything already composed under that
	// directory before this layer's own content is applied.
	for _, dir := range opaqueDirs {
		target := filepath.Join(dest, dir)
		entries, err := os.ReadDir(target)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
				return err
			}
		}
	}
	for _, rel := range deletes {
		if err := os.RemoveAll(filepath.Join(dest, rel)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	sort.Strings(regular)
	for _, rel := range regular {
		if err := copyEntry(filepath.Join(layer, rel), filepath.Join(dest, rel)); err != nil {
			return err
		}
	}
	return nil
}

// walkFiles visits every entry under root exactly once, yielding paths
// relative to root in no particular order (the caller sorts as needed).
func walkFiles(root string, visit func(relPath string) error) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return visit(rel)
	})
}

// copyEntry replicates one file, directory, or symlink from src to dst,
// hardlinking regular files when possible (same filesystem) to avoid
// duplicating layer content on disk, and falling back to a full copy
// across filesystem boundaries.
func copyEntry(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode()); err != nil {
			return err
		}
		// MkdirAll is a no-op on an already-existing dst, so an upper
		// layer's directory mode must be applied explicitly: the latest
		// writer's permissions win, not the first one to create the dir.
		if err := os.Chmod(dst, info.Mode()); err != nil {
			return err
		}
		return os.Chtimes(dst, normalizedModTime, normalizedModTime)
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dst)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.Symlink(target, dst)
	default:
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		os.Remove(dst)
		if err := os.Link(src, dst); err == nil {
			return os.Chtimes(dst, normalizedModTime, normalizedModTime)
		}
		if err := copyFileContents(src, dst, info.Mode()); err != nil {
			return err
		}
		return os.Chtimes(dst, normalizedModTime, normalizedModTime)
	}
}

func copyFileContents(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
