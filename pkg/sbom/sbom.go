// Package sbom generates a minimal SPDX-shaped software bill of
// materials for a flattened rootfs (SPEC_FULL §4.13). It keeps the
// teacher's pkg/sbom interface names and package taxonomy and delegates
// scanning to Syft, with only four catalogers enabled (apk, dpkg, Go
// modules, JavaScript lockfiles).
package sbom

import "time"

// Format identifies the SBOM's serialization shape.
type Format string

const FormatSPDXJSON Format = "spdx-json"

// PackageType is the ecosystem a discovered Package belongs to.
type PackageType string

const (
	PackageTypeApk PackageType = "apk"
	PackageTypeDeb PackageType = "deb"
	PackageTypeGo  PackageType = "go"
	PackageTypeNPM PackageType = "npm"
)

// Package is one discovered software component.
type Package struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Type    PackageType `json:"type"`
	PURL    string      `json:"purl,omitempty"`
}

// GeneratorInfo names the tool that produced the SBOM.
type GeneratorInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Metadata carries SBOM provenance.
type Metadata struct {
	ID        string         `json:"id"`
	Format    Format         `json:"format"`
	Timestamp time.Time      `json:"timestamp"`
	Generator *GeneratorInfo `json:"generator"`
	Subject   string         `json:"subject"` // image reference or path scanned
}

// SBOM is the generated document.
type SBOM struct {
	Metadata *Metadata  `json:"metadata"`
	Packages []*Package `json:"packages"`
}
