// Package reference parses and canonicalizes OCI image references of the
// form [host[:port]/]repository[:tag][@digest] (spec.md §4.1).
package reference

import (
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/a3s-lab/box/internal/a3serr"
)

// DefaultRegistry is used when no host is present in the reference.
const DefaultRegistry = "index.docker.io"

// Reference is the normalized (registry, repository, tag?, digest?) triple.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// HasDigest reports whether the reference carries a content digest.
func (r Reference) HasDigest() bool { return r.Digest != "" }

// Identity returns the string identity used for cache/store keys: the
// digest when present (it wins for identity per spec.md §3), else the
// canonical tag form.
func (r Reference) Identity() string {
	if r.HasDigest() {
		return r.Registry + "/" + r.Repository + "@" + r.Digest.String()
	}
	return r.String()
}

// String renders the canonical form.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Repository
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.HasDigest() {
		s += "@" + r.Digest.String()
	}
	return s
}

// supportedDigestAlgorithms mirrors spec.md §4.1: sha256 and sha512 only.
var supportedDigestAlgorithms = map[string]bool{
	"sha256": true,
	"sha512": true,
}

// Parse normalizes a reference string into its (registry, repository,
// tag?, digest?) triple. At least one of tag or digest is guaranteed
// present on success (spec.md §3); when neither is supplied, "latest"
// is assumed.
func Parse(ref string) (Reference, error) {
	if ref == "" {
		return Reference{}, invalidRef("reference cannot be empty")
	}

	remainder := ref
	var dig digest.Digest

	// Split off the digest suffix first: it may itself contain ':'.
	if idx := strings.Index(remainder, "@"); idx != -1 {
		digStr := remainder[idx+1:]
		remainder = remainder[:idx]
		d := digest.Digest(digStr)
		algo := ""
		if sep := strings.Index(digStr, ":"); sep != -1 {
			algo = digStr[:sep]
		}
		if algo == "" || !supportedDigestAlgorithms[algo] {
			return Reference{}, invalidRef("unsupported digest algorithm in " + digStr)
		}
		if err := d.Validate(); err != nil {
			return Reference{}, invalidRef("malformed digest: " + err.Error())
		}
		dig = d
	}

	// Split host from the repository/tag remainder by inspecting the
	// first path segment, per spec.md §4.1: a '.', ':', or the literal
	// "localhost" marks it as a host rather than a repository segment.
	var host, repoTag string
	firstSlash := strings.Index(remainder, "/")
	if firstSlash == -1 {
		host = ""
		repoTag = remainder
	} else {
		first := remainder[:firstSlash]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			host = first
			repoTag = remainder[firstSlash+1:]
		} else {
			host = ""
			repoTag = remainder
		}
	}

	repo, tag := splitTag(repoTag)
	if repo == "" {
		return Reference{}, invalidRef("repository cannot be empty")
	}
	if !validRepository(repo) {
		return Reference{}, invalidRef("illegal characters in repository " + repo)
	}

	if host == "" {
		host = DefaultRegistry
		if !strings.Contains(repo, "/") {
			repo = "library/" + repo
		}
	}

	if tag == "" && dig == "" {
		tag = "latest"
	}

	return Reference{Registry: host, Repository: repo, Tag: tag, Digest: dig}, nil
}

// splitTag splits "repo:tag" on the last colon that occurs after the
// last slash, so that a port-bearing host already stripped off doesn't
// confuse the repository/tag boundary.
func splitTag(repoTag string) (repo, tag string) {
	lastSlash := strings.LastIndex(repoTag, "/")
	lastColon := strings.LastIndex(repoTag, ":")
	if lastColon == -1 || lastColon < lastSlash {
		return repoTag, ""
	}
	return repoTag[:lastColon], repoTag[lastColon+1:]
}

func validRepository(repo string) bool {
	if repo == "" {
		return false
	}
	for _, seg := range strings.Split(repo, "/") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '-' || r == '_' || r == '.':
			default:
				return false
			}
		}
	}
	return true
}

func invalidRef(msg string) *a3serr.Error {
	return a3serr.New(a3serr.KindInvalidReference, msg)
}
