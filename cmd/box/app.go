package main

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/internal/config"
	"github.com/a3s-lab/box/pkg/boxstate"
	"github.com/a3s-lab/box/pkg/credstore"
	"github.com/a3s-lab/box/pkg/imagestore"
	"github.com/a3s-lab/box/pkg/layercache"
	"github.com/a3s-lab/box/pkg/ociimage"
	"github.com/a3s-lab/box/pkg/reference"
	"github.com/a3s-lab/box/pkg/registry"
	"github.com/a3s-lab/box/pkg/vmm"
)

// app wires together every subsystem a subcommand might need. Not
// every command opens every field; they're cheap to construct and the
// stores don't do I/O until first use.
type app struct {
	cfg        *config.Config
	creds      *credstore.Store
	store      *imagestore.Store
	cache      *layercache.Cache
	registry   *registry.Client
	boxes      *boxstate.Registry
	controller *vmm.Controller
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to load configuration")
	}

	store, err := imagestore.Open(cfg.ImagesDir(), cfg.ImageStoreMaxBytes)
	if err != nil {
		return nil, err
	}
	cache := layercache.New(cfg.LayerCacheDir(), func(dig digest.Digest) (io.ReadCloser, error) {
		return store.OpenBlob(dig)
	})
	creds := credstore.New(cfg.CredentialsFile())
	regClient := registry.New(registry.Config{}, creds)
	boxes := boxstate.New(cfg.BoxesFile())
	controller := vmm.New(&vmm.LibkrunBackend{})

	return &app{
		cfg:        cfg,
		creds:      creds,
		store:      store,
		cache:      cache,
		registry:   regClient,
		boxes:      boxes,
		controller: controller,
	}, nil
}

// Close releases resources; currently a no-op, kept so subcommands
// have a consistent defer without caring which stores they touched.
func (a *app) Close() error { return nil }

// pullImage fetches refStr's manifest and every referenced blob into
// the local store, publishing a store.Entry under refStr.
func (a *app) pullImage(ctx context.Context, refStr string) (*imagestore.Entry, error) {
	ref, err := reference.Parse(refStr)
	if err != nil {
		return nil, err
	}

	tagOrDigest := ref.Tag
	if ref.HasDigest() {
		tagOrDigest = ref.Digest.String()
	}

	result, err := a.registry.Pull(ctx, ref.Registry, ref.Repository, tagOrDigest, func(dig digest.Digest, r io.Reader) error {
		return a.store.WriteBlob(dig, r)
	})
	if err != nil {
		return nil, err
	}

	configBlob, err := a.store.OpenBlob(result.Manifest.Config.Digest)
	if err != nil {
		return nil, err
	}
	defer configBlob.Close()
	var cfg ociimage.Config
	if err := json.NewDecoder(configBlob).Decode(&cfg); err != nil {
		return nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode image config")
	}

	var size int64
	for _, l := range result.Manifest.Layers {
		size += l.Size
	}

	if err := a.store.Put(ref.String(), result.Digest, *result.Manifest, cfg, size); err != nil {
		return nil, err
	}
	entry, _ := a.store.Get(ref.String())
	return entry, nil
}

// ResolveBase implements buildengine.BaseResolver: a local hit short
// circuits the registry round-trip, otherwise it pulls.
func (a *app) ResolveBase(ctx context.Context, image string) (*imagestore.Entry, error) {
	if entry, ok := a.store.Get(image); ok {
		return entry, nil
	}
	return a.pullImage(ctx, image)
}

// pushImage uploads a previously-stored entry's config, layers, and
// manifest to its reference's registry.
func (a *app) pushImage(ctx context.Context, refStr string) error {
	entry, ok := a.store.Get(refStr)
	if !ok {
		return a3serr.New(a3serr.KindNotFound, "no local image for "+refStr)
	}
	ref, err := reference.Parse(refStr)
	if err != nil {
		return err
	}

	if err := a.pushBlob(ctx, ref, entry.Manifest.Config); err != nil {
		return err
	}
	for _, layer := range entry.Manifest.Layers {
		if err := a.pushBlob(ctx, ref, layer); err != nil {
			return err
		}
	}

	manifestBytes, err := json.Marshal(entry.Manifest)
	if err != nil {
		return a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode manifest")
	}
	_, err = a.registry.PutManifest(ctx, ref.Registry, ref.Repository, ref.Tag, manifestBytes, entry.Manifest.MediaType)
	return err
}

func (a *app) pushBlob(ctx context.Context, ref reference.Reference, desc ociimage.Descriptor) error {
	f, err := a.store.OpenBlob(desc.Digest)
	if err != nil {
		return err
	}
	defer f.Close()
	return a.registry.PushBlob(ctx, ref.Registry, ref.Repository, desc.Digest, desc.Size, f)
}

// boxRootDir returns the per-box runtime directory (spec.md §6).
func (a *app) boxRootDir(id string) string {
	return filepath.Join(a.cfg.BoxesDir(), id)
}
