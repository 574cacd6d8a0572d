// Package sealed implements TEE-identity-bound sealed storage
// (spec.md §4.12): plaintext is encrypted under a key derived from the
// current TEE's measurement/chip-id via HKDF, so ciphertext produced
// inside one TEE identity cannot be opened under a different one.
package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/a3s-lab/box/internal/a3serr"
)

// hkdfSalt is fixed across every sealed blob this runtime produces
// (spec.md §4.12).
const hkdfSalt = "a3s-sealed-storage-v1"

const nonceSize = 12 // 96-bit GCM nonce

// Selector picks which identity bytes feed key derivation.
type Selector string

const (
	SelectorMeasurementAndChipID Selector = "measurement_chip_id"
	SelectorMeasurement          Selector = "measurement"
	SelectorChipID               Selector = "chip_id"
)

// Policy controls how a SealedData's key is derived.
type Policy struct {
	Selector Selector `json:"selector"`
}

// Identity is the subset of a TEE's attested identity sealing can bind
// to (typically read straight off a ratls.Report).
type Identity struct {
	Measurement []byte
	ChipID      []byte
}

// SealedData is the persisted envelope (spec.md §6: "Sealed blob: JSON
// {policy, context, blob: base64(nonce||ciphertext||tag)}" — Go's
// encoding/json already base64-encodes a []byte field, so Blob below
// serializes exactly that way with no extra work).
type SealedData struct {
	Policy  Policy `json:"policy"`
	Context string `json:"context"`
	Blob    []byte `json:"blob"`
}

// Seal encrypts plaintext under a key derived from identity per
// policy and context.
func Seal(policy Policy, context string, identity Identity, plaintext []byte) (*SealedData, error) {
	key, err := deriveKey(policy, context, identity)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to generate sealing nonce")
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	blob := append(nonce, ciphertext...)

	return &SealedData{Policy: policy, Context: context, Blob: blob}, nil
}

// Unseal decrypts data under a key re-derived from identity. On any
// authentication failure it returns WrongIdentity — callers must not
// be able to distinguish a wrong key from corrupted ciphertext
// (spec.md §4.12).
func Unseal(data *SealedData, identity Identity) ([]byte, error) {
	key, err := deriveKey(data.Policy, data.Context, identity)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data.Blob) < nonceSize {
		return nil, a3serr.New(a3serr.KindWrongIdentity, "sealed blob is truncated")
	}

	nonce, ciphertext := data.Blob[:nonceSize], data.Blob[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindWrongIdentity, err, "unseal failed: wrong identity or corrupted ciphertext")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to construct aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to construct gcm aead")
	}
	return gcm, nil
}

func deriveKey(policy Policy, context string, identity Identity) ([]byte, error) {
	ikm, err := selectIKM(policy.Selector, identity)
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, ikm, []byte(hkdfSalt), []byte(context))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to derive sealing key")
	}
	return key, nil
}

func selectIKM(selector Selector, identity Identity) ([]byte, error) {
	switch selector {
	case SelectorMeasurementAndChipID:
		return append(append([]byte{}, identity.Measurement...), identity.ChipID...), nil
	case SelectorMeasurement:
		return identity.Measurement, nil
	case SelectorChipID:
		return identity.ChipID, nil
	default:
		return nil, a3serr.New(a3serr.KindConfig, "sealed: unknown identity selector "+string(selector))
	}
}
