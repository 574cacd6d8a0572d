package signing

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/a3s-lab/box/internal/a3serr"
)

// SignAndPersist signs digest and writes it to dir/<digest>.sig using
// the same write-temp-then-rename publish idiom the rest of this
// runtime's stores use.
func SignAndPersist(ctx context.Context, dir string, digest string, key *ecdsa.PrivateKey) (*Signature, error) {
	sig, err := (LocalSigner{}).Sign(ctx, digest, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to create signature directory")
	}

	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode signature")
	}

	dest := sigPath(dir, digest)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to write signature")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to publish signature")
	}
	return sig, nil
}

// LoadSignature reads a previously persisted signature for digest.
func LoadSignature(dir string, digest string) (*Signature, error) {
	data, err := os.ReadFile(sigPath(dir, digest))
	if os.IsNotExist(err) {
		return nil, a3serr.New(a3serr.KindNotFound, "no signature found for "+digest)
	}
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindIO, err, "failed to read signature")
	}
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to decode signature")
	}
	return &sig, nil
}

// sigPath derives the on-disk path for a digest's detached signature,
// flattening the "sha256:hex" form into a filesystem-safe name.
func sigPath(dir string, digest string) string {
	safe := strings.ReplaceAll(digest, ":", "_")
	return filepath.Join(dir, safe+".sig")
}
