package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/a3s-lab/box/internal/a3serr"
	"github.com/a3s-lab/box/pkg/buildengine"
	"github.com/a3s-lab/box/pkg/dockerfile"
)

var buildCmd = &cobra.Command{
	Use:   "build PATH",
	Short: "Build an image from a Dockerfile in PATH, running RUN instructions inside a box",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildCommand,
}

func init() {
	buildCmd.Flags().StringSliceP("tag", "t", nil, "name and optionally a tag in the 'name:tag' format")
	buildCmd.Flags().StringP("file", "f", "Dockerfile", "name of the Dockerfile")
	buildCmd.Flags().StringSlice("build-arg", nil, "set build-time variables")
	buildCmd.Flags().StringSlice("label", nil, "set metadata for the image")
}

func runBuildCommand(cmd *cobra.Command, args []string) error {
	buildPath := args[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dockerfilePath, _ := cmd.Flags().GetString("file")
	if !filepath.IsAbs(dockerfilePath) {
		dockerfilePath = filepath.Join(buildPath, dockerfilePath)
	}

	parser := dockerfile.New()
	ast, err := parser.ParseFile(dockerfilePath)
	if err != nil {
		return a3serr.Wrap(a3serr.KindInvalidReference, err, "failed to parse Dockerfile")
	}
	if err := parser.Validate(ast); err != nil {
		return a3serr.Wrap(a3serr.KindInvalidReference, err, "Dockerfile validation failed")
	}

	buildArgs := map[string]string{}
	argSlice, _ := cmd.Flags().GetStringSlice("build-arg")
	for _, arg := range argSlice {
		k, v, _ := strings.Cut(arg, "=")
		buildArgs[k] = v
	}
	labels := map[string]string{}
	labelSlice, _ := cmd.Flags().GetStringSlice("label")
	for _, label := range labelSlice {
		k, v, _ := strings.Cut(label, "=")
		labels[k] = v
	}
	tags, _ := cmd.Flags().GetStringSlice("tag")
	tag := buildPath
	if len(tags) > 0 {
		tag = tags[0]
	}

	workDir := filepath.Join(a.cfg.Home, "build-tmp")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return a3serr.Wrap(a3serr.KindIO, err, "failed to create build scratch directory")
	}

	engine := buildengine.New(a.store, a.cache, a, a.controller, workDir)
	entry, err := engine.Build(context.Background(), ast, buildengine.Options{
		ContextDir: buildPath,
		BuildArgs:  buildArgs,
		Labels:     labels,
		Tag:        tag,
	})
	if err != nil {
		return err
	}

	if len(tags) > 1 {
		for _, extra := range tags[1:] {
			if err := a.store.Put(extra, entry.ManifestDigest, entry.Manifest, entry.Config, entry.SizeBytes); err != nil {
				return err
			}
		}
	}

	cmd.Println(entry.ManifestDigest)
	return nil
}
