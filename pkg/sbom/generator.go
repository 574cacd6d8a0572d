package sbom

import (
	"context"
	"sort"
	"time"

	"github.com/anchore/syft/syft"
	"github.com/anchore/syft/syft/artifact"
	"github.com/anchore/syft/syft/cataloging"
	"github.com/anchore/syft/syft/source"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Generator produces an SBOM from a filesystem tree (SPEC_FULL §4.13).
type Generator interface {
	GenerateFromFilesystem(ctx context.Context, path string) (*SBOM, error)
}

// FilesystemGenerator delegates cataloging to Syft, narrowed to the four
// ecosystems this runtime's PackageType taxonomy covers.
type FilesystemGenerator struct{}

// NewFilesystemGenerator returns a ready-to-use Generator.
func NewFilesystemGenerator() *FilesystemGenerator { return &FilesystemGenerator{} }

// catalogerNames are the Syft catalogers this runtime keeps enabled. Syft
// ships dozens of ecosystem catalogers; box only declares a PackageType
// for the four formats a minimal Linux rootfs + app layer actually uses.
var catalogerNames = []string{"apk-db-cataloger", "dpkg-db-cataloger", "go-module-file-cataloger", "javascript-lock-cataloger"}

// GenerateFromFilesystem scans path with Syft's directory source and
// returns one Package per discovered component, deduplicated by
// (type, name, version).
func (g *FilesystemGenerator) GenerateFromFilesystem(ctx context.Context, path string) (*SBOM, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	src, err := source.NewFromDirectory(source.DirectoryConfig{Path: path})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create syft source from filesystem")
	}

	catalogConfig := cataloging.DefaultConfig()
	catalogConfig.Catalogers = catalogerNames

	syftSBOM := syft.CreateSBOM(ctx, src, catalogConfig)
	if syftSBOM == nil {
		return nil, errors.New("syft returned no SBOM for filesystem scan")
	}

	seen := map[string]*Package{}
	for _, syftPkg := range syftSBOM.Artifacts.Packages.Sorted() {
		pkg := convertSyftPackage(syftPkg)
		if pkg == nil {
			continue
		}
		key := string(pkg.Type) + ":" + pkg.Name + "@" + pkg.Version
		seen[key] = pkg
	}

	packages := make([]*Package, 0, len(seen))
	for _, p := range seen {
		packages = append(packages, p)
	}
	sort.Slice(packages, func(i, j int) bool {
		if packages[i].Type != packages[j].Type {
			return packages[i].Type < packages[j].Type
		}
		if packages[i].Name != packages[j].Name {
			return packages[i].Name < packages[j].Name
		}
		return packages[i].Version < packages[j].Version
	})

	return &SBOM{
		Metadata: &Metadata{
			ID:        uuid.NewString(),
			Format:    FormatSPDXJSON,
			Timestamp: time.Now().UTC(),
			Generator: &GeneratorInfo{Name: "a3s-box-sbom", Version: "1"},
			Subject:   path,
		},
		Packages: packages,
	}, nil
}

// convertSyftPackage maps a Syft artifact into this runtime's minimal
// Package shape, dropping any ecosystem box does not declare a
// PackageType for.
func convertSyftPackage(syftPkg artifact.Package) *Package {
	pkgType, ok := convertSyftPackageType(syftPkg.Type)
	if !ok {
		return nil
	}
	return &Package{
		Name:    syftPkg.Name,
		Version: syftPkg.Version,
		Type:    pkgType,
		PURL:    syftPkg.PURL,
	}
}

func convertSyftPackageType(syftType artifact.Type) (PackageType, bool) {
	switch syftType {
	case artifact.ApkPkg:
		return PackageTypeApk, true
	case artifact.DebPkg:
		return PackageTypeDeb, true
	case artifact.GoModulePkg:
		return PackageTypeGo, true
	case artifact.NpmPkg:
		return PackageTypeNPM, true
	default:
		return "", false
	}
}
