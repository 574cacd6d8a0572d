package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/ociimage"
)

var pullCmd = &cobra.Command{
	Use:   "pull REFERENCE",
	Short: "Pull an image from a registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		entry, err := a.pullImage(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(entry.ManifestDigest)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push REFERENCE",
	Short: "Push an image to a registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.pushImage(context.Background(), args[0])
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List locally stored images",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Printf("%-50s %-20s %s\n", "REFERENCE", "DIGEST", "SIZE")
		for _, entry := range a.store.List() {
			fmt.Printf("%-50s %-20s %d\n", entry.Ref, shortDigest(entry.ManifestDigest), entry.SizeBytes)
		}
		return nil
	},
}

var rmiCmd = &cobra.Command{
	Use:   "rmi REFERENCE",
	Short: "Remove a locally stored image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return a.store.Remove(args[0])
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag SOURCE TARGET",
	Short: "Tag a locally stored image under a new reference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		entry, ok := a.store.Get(args[0])
		if !ok {
			return a3serr.New(a3serr.KindNotFound, "no local image for "+args[0])
		}
		return a.store.Put(args[1], entry.ManifestDigest, entry.Manifest, entry.Config, entry.SizeBytes)
	},
}

var imageInspectCmd = &cobra.Command{
	Use:   "image-inspect REFERENCE",
	Short: "Print a stored image's manifest and config as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		entry, ok := a.store.Get(args[0])
		if !ok {
			return a3serr.New(a3serr.KindNotFound, "no local image for "+args[0])
		}
		return printJSON(entry)
	},
}

// loadManifest is the self-describing shape `load`/`export` exchange:
// a tar stream carrying the manifest, config, a destination ref, and
// every referenced blob named by its digest hex.
type loadManifest struct {
	Ref      string            `json:"ref"`
	Manifest ociimage.Manifest `json:"manifest"`
	Config   ociimage.Config   `json:"config"`
}

var loadCmd = &cobra.Command{
	Use:   "load FILE",
	Short: "Load an image archive produced by `box export` into the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return a3serr.Wrap(a3serr.KindIO, err, "failed to open image archive")
		}
		defer f.Close()

		var manifest loadManifest
		var size int64
		tr := tar.NewReader(f)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return a3serr.Wrap(a3serr.KindCorruptArchive, err, "failed to read image archive")
			}
			switch {
			case hdr.Name == "manifest.json":
				if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
					return a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode manifest.json")
				}
			case strings.HasPrefix(hdr.Name, "blobs/"):
				dig := digest.Digest(strings.ReplaceAll(strings.TrimPrefix(hdr.Name, "blobs/"), "_", ":"))
				if err := a.store.WriteBlob(dig, tr); err != nil {
					return err
				}
				size += hdr.Size
			}
		}
		if manifest.Ref == "" {
			return a3serr.New(a3serr.KindCorruptArchive, "image archive missing manifest.json")
		}
		manifestDigest := digest.FromBytes(mustMarshal(manifest.Manifest))
		if err := a.store.Put(manifest.Ref, manifestDigest, manifest.Manifest, manifest.Config, size); err != nil {
			return err
		}
		fmt.Println(manifest.Ref)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export REFERENCE OUTFILE",
	Short: "Export a locally stored image to an archive `box load` can read back",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		entry, ok := a.store.Get(args[0])
		if !ok {
			return a3serr.New(a3serr.KindNotFound, "no local image for "+args[0])
		}

		out, err := os.Create(args[1])
		if err != nil {
			return a3serr.Wrap(a3serr.KindIO, err, "failed to create image archive")
		}
		defer out.Close()

		tw := tar.NewWriter(out)
		defer tw.Close()

		manifestBytes := mustMarshal(loadManifest{Ref: args[0], Manifest: entry.Manifest, Config: entry.Config})
		if err := writeTarEntry(tw, "manifest.json", manifestBytes); err != nil {
			return err
		}

		blobs := append([]ociimage.Descriptor{entry.Manifest.Config}, entry.Manifest.Layers...)
		for _, desc := range blobs {
			if err := appendBlobToTar(tw, a, desc); err != nil {
				return err
			}
		}
		return nil
	},
}

func appendBlobToTar(tw *tar.Writer, a *app, desc ociimage.Descriptor) error {
	f, err := a.store.OpenBlob(desc.Digest)
	if err != nil {
		return err
	}
	defer f.Close()
	name := "blobs/" + strings.ReplaceAll(desc.Digest.String(), ":", "_")
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: desc.Size, Mode: 0o644, ModTime: time.Unix(0, 0)}); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to write archive entry")
	}
	_, err = io.Copy(tw, f)
	return err
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, ModTime: time.Unix(0, 0)}); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to write archive entry")
	}
	_, err := tw.Write(data)
	return err
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode output")
	}
	fmt.Println(string(data))
	return nil
}

func shortDigest(d digest.Digest) string {
	s := d.String()
	if len(s) > 19 {
		return s[:19]
	}
	return s
}
