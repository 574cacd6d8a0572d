// Package signing provides a local-key analogue of the teacher's
// cosign keyless signing flow (SPEC_FULL §4.14): a detached ECDSA
// P-256 signature over an image's manifest digest, persisted alongside
// the image as `<digest>.sig`. Keyless signing needs a Fulcio/Rekor
// network round-trip that doesn't fit this runtime's offline-friendly
// design, so only the local-key path survives from the teacher's
// Signer/Verifier interface shapes.
package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"

	"github.com/a3s-lab/box/internal/a3serr"
)

const Algorithm = "ECDSA-P256-SHA256"

// Signature is a detached signature over a manifest digest.
type Signature struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
	Value     []byte `json:"value"`
}

// Signer signs a manifest digest.
type Signer interface {
	Sign(ctx context.Context, digest string, key *ecdsa.PrivateKey) (*Signature, error)
}

// Verifier checks a Signature against a manifest digest and key.
type Verifier interface {
	Verify(ctx context.Context, digest string, sig *Signature, pub *ecdsa.PublicKey) error
}

// LocalSigner implements Signer with a caller-supplied ECDSA key.
type LocalSigner struct{}

func (LocalSigner) Sign(ctx context.Context, digest string, key *ecdsa.PrivateKey) (*Signature, error) {
	hash := sha256.Sum256([]byte(digest))
	value, err := ecdsa.SignASN1(rand.Reader, key, hash[:])
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to sign manifest digest")
	}
	return &Signature{Digest: digest, Algorithm: Algorithm, Value: value}, nil
}

// LocalVerifier implements Verifier against a caller-supplied public key.
type LocalVerifier struct{}

func (LocalVerifier) Verify(ctx context.Context, digest string, sig *Signature, pub *ecdsa.PublicKey) error {
	if sig.Digest != digest {
		return a3serr.New(a3serr.KindAttestationFailed, "signature covers a different digest")
	}
	hash := sha256.Sum256([]byte(digest))
	if !ecdsa.VerifyASN1(pub, hash[:], sig.Value) {
		return a3serr.New(a3serr.KindAttestationFailed, "signature does not verify against the supplied key")
	}
	return nil
}

// GenerateKeyPair creates a fresh local signing key.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to generate signing keypair")
	}
	return key, nil
}
