// Package layercache provides a decompress-once cache of extracted
// layer trees (spec.md §4.5): concurrent requests for the same digest
// coalesce into a single extraction via singleflight, and the result
// is published under the digest so later requests skip extraction
// entirely.
package layercache

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/a3s-lab/box/internal/a3serr"
)

// Source supplies the compressed layer blob for a digest; the image
// store's OpenBlob satisfies this in production.
type Source func(dig digest.Digest) (io.ReadCloser, error)

// Cache extracts each distinct layer digest at most once per process,
// even under concurrent callers, and persists the extracted tree on
// disk for reuse across processes.
type Cache struct {
	root   string
	source Source
	group  singleflight.Group
}

// New creates a Cache rooted at dir, pulling compressed layer blobs
// from source on a miss.
func New(dir string, source Source) *Cache {
	return &Cache{root: dir, source: source}
}

func (c *Cache) extractedPath(dig digest.Digest) string {
	return filepath.Join(c.root, dig.Algorithm().String(), dig.Encoded())
}

// Fetch returns the filesystem path to dig's extracted tree, extracting
// it first if this is the first request for that digest.
func (c *Cache) Fetch(dig digest.Digest) (string, error) {
	dest := c.extractedPath(dig)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	v, err, _ := c.group.Do(dig.String(), func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may
		// have published dest while we were waiting to enter Do.
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
		return dest, c.extract(dig, dest)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// extract decompresses and unpacks dig's blob into a private temp
// directory, then renames it into place so a concurrent Fetch from
// another process never observes a partially extracted tree.
func (c *Cache) extract(dig digest.Digest, dest string) error {
	rc, err := c.source(dig)
	if err != nil {
		return err
	}
	defer rc.Close()

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create layer cache directory")
	}
	tmp, err := os.MkdirTemp(parent, "extract-*")
	if err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create extraction temp dir")
	}
	defer os.RemoveAll(tmp)

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return a3serr.Wrap(a3serr.KindCorruptArchive, err, "layer is not gzip-compressed")
	}
	defer gz.Close()

	if err := untar(gz, tmp); err != nil {
		return a3serr.Wrap(a3serr.KindCorruptArchive, err, "failed to extract layer "+dig.String())
	}

	if err := os.Rename(tmp, dest); err != nil {
		if os.IsExist(err) {
			return nil // another process published dest first
		}
		return a3serr.Wrap(a3serr.KindIO, err, "failed to publish extracted layer")
	}
	return nil
}

// untar unpacks a tar stream into dir, preserving the entries verbatim
// (whiteout handling is pkg/rootfs's concern, applied when composing
// layers into a box rootfs, not at cache-extraction time).
func untar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(dir, hdr.Name)
		if !isWithin(dir, target) {
			return a3serr.New(a3serr.KindCorruptArchive, "tar entry escapes extraction root: "+hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkTarget := filepath.Join(dir, hdr.Linkname)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		default:
			// Device nodes, fifos etc: skip (spec.md §4.6 rootfs
			// composition operates on regular files/dirs/symlinks/whiteouts).
		}
	}
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
