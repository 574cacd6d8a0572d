package ratls

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"

	"github.com/a3s-lab/box/internal/a3serr"
)

// NewClientTLSConfig builds the verifier side of the handshake
// (spec.md §4.11): normal X.509 chain validation is disabled in favor
// of a custom callback that recomputes SHA-384(spki), checks it
// against the embedded report_data, verifies the attestation chain
// against trustedRoot, and applies policy.
func NewClientTLSConfig(policy AttestationPolicy, trustedRoot *ecdsa.PublicKey) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // custom verification replaces the default chain check
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeerCertificate(rawCerts, policy, trustedRoot)
		},
	}
}

func verifyPeerCertificate(rawCerts [][]byte, policy AttestationPolicy, trustedRoot *ecdsa.PublicKey) error {
	if len(rawCerts) == 0 {
		return a3serr.New(a3serr.KindAttestationFailed, "peer presented no certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return a3serr.Wrap(a3serr.KindAttestationFailed, err, "failed to parse peer certificate")
	}

	report, chain, err := ExtractReportAndChain(leaf)
	if err != nil {
		return a3serr.Wrap(a3serr.KindAttestationFailed, err, "failed to extract attestation material")
	}

	spki, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		return a3serr.Wrap(a3serr.KindAttestationFailed, err, "failed to marshal peer spki")
	}
	if SPKIReportData(spki) != report.ReportData {
		return a3serr.New(a3serr.KindAttestationFailed, "report_data does not bind to the presented certificate key")
	}

	if !report.Simulated {
		if err := VerifyChain(report, chain, trustedRoot); err != nil {
			return a3serr.Wrap(a3serr.KindAttestationFailed, err, "attestation chain verification failed")
		}
	}

	result := EvaluatePolicy(report, policy)
	if !result.OK {
		return a3serr.New(a3serr.KindAttestationFailed, result.Violation.Error()).WithHint("adjust AttestationPolicy or the guest's reported identity")
	}
	return nil
}
