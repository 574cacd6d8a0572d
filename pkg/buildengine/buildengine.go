// Package buildengine executes a parsed Dockerfile against transient
// boxes instead of emitting a BuildKit LLB graph (spec.md §4.7): RUN
// runs inside a box booted from the current working image, COPY pulls
// from the local build context, and each filesystem-mutating
// instruction is snapshotted into its own layer blob.
package buildengine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/dockerfile"
	"github.com/a3s-lab/box/pkg/imagestore"
	"github.com/a3s-lab/box/pkg/layercache"
	"github.com/a3s-lab/box/pkg/ociimage"
	"github.com/a3s-lab/box/pkg/rootfs"
)

// Runner executes a RUN instruction's command inside a transient box
// rooted at rootfsDir, returning once the command exits. The build
// engine itself doesn't know how to boot a box — pkg/vmm's Controller
// supplies this.
type Runner interface {
	RunInBuild(ctx context.Context, rootfsDir string, commands []string, env []string, workingDir string) error
}

// BaseResolver resolves a FROM instruction's image into a pulled
// store.Entry, pulling it first if necessary.
type BaseResolver interface {
	ResolveBase(ctx context.Context, image string) (*imagestore.Entry, error)
}

// Options configures one Build invocation.
type Options struct {
	ContextDir string            // local build context root
	BuildArgs  map[string]string
	Labels     map[string]string
	Tag        string // destination ref to publish under
}

// Engine builds images from parsed Dockerfiles.
type Engine struct {
	store  *imagestore.Store
	cache  *layercache.Cache
	base   BaseResolver
	runner Runner
	workDir string // scratch root for per-build working trees
}

// New creates an Engine. workDir is scratch space for in-progress
// build working trees; it is not the image store itself.
func New(store *imagestore.Store, cache *layercache.Cache, base BaseResolver, runner Runner, workDir string) *Engine {
	return &Engine{store: store, cache: cache, base: base, runner: runner, workDir: workDir}
}

// buildState tracks the mutable image-under-construction.
type buildState struct {
	rootDir string // current flattened working rootfs
	config  ociimage.Config
	layers  []ociimage.Descriptor
	sizeTotal int64
}

// Build executes ast's (single, target-resolved) stage and publishes
// the result into the image store under opts.Tag.
func (e *Engine) Build(ctx context.Context, ast *dockerfile.AST, opts Options) (*imagestore.Entry, error) {
	if ast.Stage == nil {
		return nil, a3serr.New(a3serr.KindInvalidReference, "dockerfile has no FROM instruction")
	}
	stage := ast.Stage

	buildRoot, err := os.MkdirTemp(e.workDir, "build-*")
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to create build working directory")
	}
	defer os.RemoveAll(buildRoot)

	st, err := e.initFromBase(ctx, stage, buildRoot)
	if err != nil {
		return nil, err
	}

	for _, instr := range stage.Instructions {
		if err := e.apply(ctx, st, instr, opts); err != nil {
			return nil, err
		}
	}

	st.config.History = append(st.config.History, ociimage.HistoryEntry{
		Created:   stableTimestamp(),
		CreatedBy: "build",
	})

	return e.publish(st, opts)
}

func (e *Engine) initFromBase(ctx context.Context, stage *dockerfile.Stage, buildRoot string) (*buildState, error) {
	rootDir := filepath.Join(buildRoot, "rootfs")
	st := &buildState{rootDir: rootDir}

	if stage.From == nil || stage.From.Image == "scratch" {
		if err := os.MkdirAll(rootDir, 0o755); err != nil {
			return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to create scratch rootfs")
		}
		return st, nil
	}

	base, err := e.base.ResolveBase(ctx, stage.From.Image)
	if err != nil {
		return nil, err
	}
	var layerDirs []string
	for _, l := range base.Manifest.Layers {
		path, err := e.cache.Fetch(l.Digest)
		if err != nil {
			return nil, err
		}
		layerDirs = append(layerDirs, path)
	}
	if err := rootfs.Compose(layerDirs, rootDir); err != nil {
		return nil, err
	}
	st.config = base.Config
	st.layers = append(st.layers, base.Manifest.Layers...)
	return st, nil
}

// apply executes one instruction against st, snapshotting a new layer
// when the instruction mutates the filesystem (spec.md §4.7).
func (e *Engine) apply(ctx context.Context, st *buildState, instr dockerfile.Instruction, opts Options) error {
	switch ins := instr.(type) {
	case *dockerfile.EnvInstruction:
		for k, v := range ins.Variables {
			st.config.Env = upsertEnv(st.config.Env, k, v)
		}
		return nil
	case *dockerfile.WorkdirInstruction:
		st.config.WorkingDir = ins.Path
		return nil
	case *dockerfile.UserInstruction:
		st.config.User = ins.User
		return nil
	case *dockerfile.CmdInstruction:
		st.config.Cmd = ins.Commands
		return nil
	case *dockerfile.EntrypointInstruction:
		st.config.Entrypoint = ins.Commands
		return nil
	case *dockerfile.LabelInstruction:
		if st.config.Labels == nil {
			st.config.Labels = map[string]string{}
		}
		for k, v := range ins.Labels {
			st.config.Labels[k] = v
		}
		return nil
	case *dockerfile.ExposeInstruction:
		if st.config.ExposedPorts == nil {
			st.config.ExposedPorts = map[string]struct{}{}
		}
		for _, p := range ins.Ports {
			st.config.ExposedPorts[p] = struct{}{}
		}
		return nil
	case *dockerfile.ArgInstruction:
		return nil // build-args only affect instruction evaluation, not the image itself
	case *dockerfile.RunInstruction:
		return e.snapshotAfter(st, func() error {
			return e.runner.RunInBuild(ctx, st.rootDir, ins.Commands, st.config.Env, st.config.WorkingDir)
		})
	case *dockerfile.CopyInstruction:
		return e.snapshotAfter(st, func() error {
			return copyFromContext(opts.ContextDir, ins.Sources, ins.Destination, st.rootDir, ins.Chmod)
		})
	case *dockerfile.FromInstruction:
		// FROM only appears as stage.From, handled by initFromBase.
		return nil
	default:
		return a3serr.New(a3serr.KindInvalidReference, "build engine has no handler for instruction "+instr.GetCmd())
	}
}

// snapshotAfter runs mutate, then diffs st.rootDir's new state against
// its prior content, appending the diff as a tar+gzip layer blob
// (spec.md §4.7).
func (e *Engine) snapshotAfter(st *buildState, mutate func() error) error {
	before, err := snapshotTree(st.rootDir)
	if err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "instruction execution failed")
	}
	after, err := snapshotTree(st.rootDir)
	if err != nil {
		return err
	}

	diff := diffTrees(before, after)
	if len(diff.changed) == 0 && len(diff.deleted) == 0 {
		return nil
	}

	layerBytes, err := packLayer(st.rootDir, diff)
	if err != nil {
		return err
	}
	dig := digest.FromBytes(layerBytes)
	if err := e.store.WriteBlob(dig, bytes.NewReader(layerBytes)); err != nil {
		return err
	}
	st.layers = append(st.layers, ociimage.Descriptor{
		MediaType: ociimage.MediaTypeLayerGzip,
		Digest:    dig,
		Size:      int64(len(layerBytes)),
	})
	st.sizeTotal += int64(len(layerBytes))
	st.config.History = append(st.config.History, ociimage.HistoryEntry{Created: stableTimestamp()})
	return nil
}

// publish writes the manifest for the built image and records it in
// the store under opts.Tag.
func (e *Engine) publish(st *buildState, opts Options) (*imagestore.Entry, error) {
	if opts.Labels != nil {
		if st.config.Labels == nil {
			st.config.Labels = map[string]string{}
		}
		for k, v := range opts.Labels {
			st.config.Labels[k] = v
		}
	}

	configBytes, err := json.Marshal(st.config)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode image config")
	}
	configDigest := digest.FromBytes(configBytes)
	if err := e.store.WriteBlob(configDigest, bytes.NewReader(configBytes)); err != nil {
		return nil, err
	}

	manifest := ociimage.Manifest{
		SchemaVersion: 2,
		MediaType:     ociimage.MediaTypeOCIManifest,
		Config:        ociimage.Descriptor{MediaType: ociimage.MediaTypeOCIConfig, Digest: configDigest, Size: int64(len(configBytes))},
		Layers:        st.layers,
	}
	manifestDigest := digest.FromBytes(mustMarshal(manifest))

	if err := e.store.Put(opts.Tag, manifestDigest, manifest, st.config, st.sizeTotal+int64(len(configBytes))); err != nil {
		return nil, err
	}
	entry, _ := e.store.Get(opts.Tag)
	return entry, nil
}

func mustMarshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// stableTimestamp returns a fixed provenance timestamp rather than
// wall-clock time, so identical build inputs produce identical history
// entries (spec.md §4.7 determinism).
func stableTimestamp() string {
	return time.Unix(0, 0).UTC().Format(time.RFC3339)
}

func upsertEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

type treeEntry struct {
	digest string
	isDir  bool
}

// snapshotTree walks dir and returns a content-hash per relative path,
// used to diff the tree before/after an instruction runs.
func snapshotTree(dir string) (map[string]treeEntry, error) {
	out := map[string]treeEntry{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			out[rel] = treeEntry{isDir: true}
			return nil
		}
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		out[rel] = treeEntry{digest: h}
		return nil
	})
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to snapshot working tree")
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	d, err := digest.FromReader(f)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

type treeDiff struct {
	changed []string // added or modified regular files/dirs
	deleted []string
}

func diffTrees(before, after map[string]treeEntry) treeDiff {
	var d treeDiff
	for path, entry := range after {
		prior, existed := before[path]
		if !existed || prior.digest != entry.digest || prior.isDir != entry.isDir {
			d.changed = append(d.changed, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			d.deleted = append(d.deleted, path)
		}
	}
	sort.Strings(d.changed)
	sort.Strings(d.deleted)
	return d
}

// packLayer tars+gzips the changed paths plus OCI whiteout markers for
// deleted paths.
func packLayer(rootDir string, diff treeDiff) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, rel := range diff.changed {
		full := filepath.Join(rootDir, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return nil, err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil, err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(full)
			if err != nil {
				return nil, err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return nil, err
			}
		}
	}
	for _, rel := range diff.deleted {
		dir := filepath.Dir(rel)
		base := ".wh." + filepath.Base(rel)
		name := filepath.ToSlash(filepath.Join(dir, base))
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644}); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// copyFromContext copies srcs (relative to contextDir) to dest inside
// rootDir. chmod, if non-empty, is an octal mode string (COPY --chmod)
// that overrides each copied file's permission bits.
func copyFromContext(contextDir string, srcs []string, dest, rootDir, chmod string) error {
	overrideMode, err := parseChmod(chmod)
	if err != nil {
		return a3serr.Wrap(a3serr.KindInvalidReference, err, "invalid COPY --chmod value")
	}
	target := filepath.Join(rootDir, dest)
	for _, src := range srcs {
		srcPath := filepath.Join(contextDir, src)
		if err := copyTree(srcPath, target, overrideMode); err != nil {
			return a3serr.Wrap(a3serr.KindIO, err, "COPY failed for "+src)
		}
	}
	return nil
}

// parseChmod parses an octal COPY --chmod string into a FileMode, or
// returns 0 (meaning "preserve the source mode") when chmod is empty.
func parseChmod(chmod string) (os.FileMode, error) {
	if chmod == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(chmod, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

func copyTree(src, dst string, overrideMode os.FileMode) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, _ := filepath.Rel(src, path)
			target := filepath.Join(dst, rel)
			mode := fi.Mode()
			if overrideMode != 0 {
				mode = overrideMode
			}
			if fi.IsDir() {
				if err := os.MkdirAll(target, mode); err != nil {
					return err
				}
				return os.Chmod(target, mode)
			}
			return copyFile(path, target, mode)
		})
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	mode := info.Mode()
	if overrideMode != 0 {
		mode = overrideMode
	}
	return copyFile(src, filepath.Join(dst, filepath.Base(src)), mode)
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
