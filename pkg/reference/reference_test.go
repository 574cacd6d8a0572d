package reference

import (
	"testing"

	"github.com/a3s-lab/box/internal/a3serr"
)

func TestParseCanonicalForms(t *testing.T) {
	cases := []struct {
		in   string
		want Reference
	}{
		{
			in:   "alpine",
			want: Reference{Registry: DefaultRegistry, Repository: "library/alpine", Tag: "latest"},
		},
		{
			in:   "alpine:3.19",
			want: Reference{Registry: DefaultRegistry, Repository: "library/alpine", Tag: "3.19"},
		},
		{
			in:   "myorg/app:v1",
			want: Reference{Registry: DefaultRegistry, Repository: "myorg/app", Tag: "v1"},
		},
		{
			in:   "registry.example.com:5000/myorg/app:v1",
			want: Reference{Registry: "registry.example.com:5000", Repository: "myorg/app", Tag: "v1"},
		},
		{
			in:   "localhost/app:dev",
			want: Reference{Registry: "localhost", Repository: "app", Tag: "dev"},
		},
	}

	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", c.in, err)
		}
		if got.Registry != c.want.Registry || got.Repository != c.want.Repository || got.Tag != c.want.Tag {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestParseWithDigest(t *testing.T) {
	digestStr := "sha256:" + hash64
	ref, err := Parse("alpine@" + digestStr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ref.HasDigest() {
		t.Fatal("expected digest to be set")
	}
	if ref.Tag != "" {
		t.Errorf("expected no tag when only digest given, got %q", ref.Tag)
	}
}

func TestParseRejectsEmptyRepository(t *testing.T) {
	_, err := Parse("")
	if a3serr.Of(err) != a3serr.KindInvalidReference {
		t.Fatalf("expected InvalidReference, got %v", err)
	}
}

func TestParseRejectsUnsupportedDigestAlgorithm(t *testing.T) {
	_, err := Parse("alpine@md5:" + hash32)
	if a3serr.Of(err) != a3serr.KindInvalidReference {
		t.Fatalf("expected InvalidReference, got %v", err)
	}
}

func TestParseFormatIdempotent(t *testing.T) {
	// Invariant 1 (spec.md §8): parse then format is idempotent.
	inputs := []string{"alpine:latest", "myorg/app:v1", "registry.example.com:5000/app:v1"}
	for _, in := range inputs {
		ref, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		again, err := Parse(ref.String())
		if err != nil {
			t.Fatalf("re-Parse(%q): %v", ref.String(), err)
		}
		if again.String() != ref.String() {
			t.Errorf("not idempotent: %q -> %q -> %q", in, ref.String(), again.String())
		}
	}
}

const hash64 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
const hash32 = "d41d8cd98f00b204e9800998ecf8427e"
