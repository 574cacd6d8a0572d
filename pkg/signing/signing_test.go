package signing

import (
	"context"
	"testing"

	"github.com/a3s-lab/box/internal/a3serr"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	digest := "sha256:" + "deadbeef"
	sig, err := (LocalSigner{}).Sign(context.Background(), digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := (LocalVerifier{}).Verify(context.Background(), digest, sig, &key.PublicKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsDigestMismatch(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	sig, err := (LocalSigner{}).Sign(context.Background(), "sha256:aaaa", key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	err = (LocalVerifier{}).Verify(context.Background(), "sha256:bbbb", sig, &key.PublicKey)
	if a3serr.Of(err) != a3serr.KindAttestationFailed {
		t.Fatalf("expected KindAttestationFailed, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	digest := "sha256:cccc"
	sig, err := (LocalSigner{}).Sign(context.Background(), digest, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	err = (LocalVerifier{}).Verify(context.Background(), digest, sig, &other.PublicKey)
	if a3serr.Of(err) != a3serr.KindAttestationFailed {
		t.Fatalf("expected KindAttestationFailed, got %v", err)
	}
}

func TestSignAndPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	digest := "sha256:feedface"
	sig, err := SignAndPersist(context.Background(), dir, digest, key)
	if err != nil {
		t.Fatalf("SignAndPersist: %v", err)
	}

	loaded, err := LoadSignature(dir, digest)
	if err != nil {
		t.Fatalf("LoadSignature: %v", err)
	}
	if loaded.Digest != sig.Digest || loaded.Algorithm != sig.Algorithm {
		t.Fatalf("loaded signature mismatch: got %+v, want %+v", loaded, sig)
	}

	if err := (LocalVerifier{}).Verify(context.Background(), digest, loaded, &key.PublicKey); err != nil {
		t.Fatalf("Verify loaded signature: %v", err)
	}
}

func TestLoadSignatureMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadSignature(dir, "sha256:missing")
	if a3serr.Of(err) != a3serr.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}
