package ratls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/a3s-lab/box/internal/a3serr"
)

// SimulateEnvVar names the environment variable that opts into
// simulate-mode attestation (internal/config reads it into TEESimulate).
// Nothing in this package reads it: SimulatedProvider produces reports
// whether or not it is set.
const SimulateEnvVar = "A3S_TEE_SIMULATE"

// SimulatedProvider fabricates a self-consistent report and chain
// instead of querying real SEV-SNP firmware, for development and CI
// hosts with no TEE hardware. Its reports carry Simulated=true, which
// EvaluatePolicy only accepts when AllowSimulated is set.
type SimulatedProvider struct{}

// GetReport implements ReportProvider.
func (SimulatedProvider) GetReport(reportData [48]byte) (*Report, *CertChain, error) {
	ark, arkKey, err := selfSignedCA("a3s-simulated-ark", nil, nil)
	if err != nil {
		return nil, nil, err
	}
	ask, askKey, err := selfSignedCA("a3s-simulated-ask", ark, arkKey)
	if err != nil {
		return nil, nil, err
	}
	vcek, vcekKey, err := selfSignedCA("a3s-simulated-vcek", ask, askKey)
	if err != nil {
		return nil, nil, err
	}

	sig, err := ecdsa.SignASN1(rand.Reader, vcekKey, reportData[:])
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to sign simulated report")
	}

	report := &Report{
		ReportData:   reportData,
		Measurement:  []byte("simulated-measurement"),
		ChipID:       []byte("simulated-chip"),
		TCB:          0,
		DebugEnabled: true,
		Simulated:    true,
		Signature:    sig,
	}
	chain := &CertChain{VCEK: vcek.Raw, ASK: ask.Raw, ARK: ark.Raw}
	return report, chain, nil
}

// selfSignedCA generates a fresh ECDSA certificate, self-signed when
// parent is nil, otherwise signed by parentKey.
func selfSignedCA(cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to generate simulated ca key")
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	signer := template
	signerKey := key
	if parent != nil {
		signer = parent
		signerKey = parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to create simulated ca certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to parse simulated ca certificate")
	}
	return cert, key, nil
}
