// Package ociimage holds the OCI v1 manifest and config shapes shared by
// the registry client, image store, and build engine (spec.md §3).
package ociimage

import digest "github.com/opencontainers/go-digest"

// Media types used on the wire (spec.md §6).
const (
	MediaTypeOCIManifest     = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeDockerManifest  = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeOCIConfig       = "application/vnd.oci.image.config.v1+json"
	MediaTypeLayerGzip       = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeLayerTar        = "application/vnd.oci.image.layer.v1.tar"
	MediaTypeDockerLayerGzip = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Descriptor references a content-addressed blob.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
}

// Manifest is a mapping from media types to blob digests: one config
// blob and an ordered list of layer blobs (spec.md §3). Layer order is
// application order: earlier layers are overlaid by later ones.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// HistoryEntry records build provenance for one instruction
// ([ADDED] SPEC_FULL §3 supplement from original_source/oci/mod.rs).
type HistoryEntry struct {
	Created    string `json:"created,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// Config holds the image's runtime configuration (spec.md §3).
type Config struct {
	Entrypoint   []string          `json:"entrypoint,omitempty"`
	Cmd          []string          `json:"cmd,omitempty"`
	Env          []string          `json:"env,omitempty"` // ordered "KEY=VALUE" pairs
	WorkingDir   string            `json:"working_dir,omitempty"`
	User         string            `json:"user,omitempty"`
	ExposedPorts map[string]struct{} `json:"exposed_ports,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	History      []HistoryEntry    `json:"history,omitempty"`
}

// AgentLabelPrefix namespaces agent-specific config labels the runtime
// interprets directly (spec.md §3), e.g. advertised agent presence.
const AgentLabelPrefix = "io.a3s.agent."

// AgentPresence reports whether the config advertises an in-guest agent.
func (c *Config) AgentPresence() bool {
	if c == nil {
		return false
	}
	v, ok := c.Labels[AgentLabelPrefix+"present"]
	return ok && v == "true"
}
