package ratls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"math/big"
	"time"

	"github.com/a3s-lab/box/internal/a3serr"
)

// Custom X.509 extension OIDs carrying the attestation material
// (spec.md §4.11).
var (
	OIDReportExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58270, 1, 1}
	OIDChainExtension  = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58270, 1, 2}
)

// reportWireForm is what OIDReportExtension actually carries: the raw
// report fields, JSON-encoded (the real on-wire SNP report is an
// opaque binary blob from the guest kernel; the policy/verification
// layer only ever needs these fields, so this runtime standardizes on
// a JSON envelope rather than the raw binary struct layout).
type reportWireForm struct {
	ReportData   []byte `json:"report_data"`
	Measurement  []byte `json:"measurement"`
	ChipID       []byte `json:"chip_id"`
	TCB          uint64 `json:"tcb"`
	DebugEnabled bool   `json:"debug_enabled"`
	Simulated    bool   `json:"simulated"`
	Signature    []byte `json:"signature"`
}

// NewServerKeypair generates the fresh P-384 keypair the RA-TLS server
// certificate is bound to (spec.md §4.11).
func NewServerKeypair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to generate ra-tls server keypair")
	}
	return priv, nil
}

// BuildServerCertificate builds the self-signed certificate whose SAN
// is vsockSAN and which embeds report and chain under the custom
// extensions.
func BuildServerCertificate(priv *ecdsa.PrivateKey, vsockSAN string, report *Report, chain *CertChain) (*x509.Certificate, []byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to marshal ra-tls public key")
	}
	expectedReportData := SPKIReportData(spki)
	if report.ReportData != expectedReportData {
		return nil, nil, a3serr.New(a3serr.KindAttestationFailed, "report_data does not match server spki")
	}

	reportBytes, err := json.Marshal(reportWireForm{
		ReportData:   report.ReportData[:],
		Measurement:  report.Measurement,
		ChipID:       report.ChipID,
		TCB:          report.TCB,
		DebugEnabled: report.DebugEnabled,
		Simulated:    report.Simulated,
		Signature:    report.Signature,
	})
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode attestation report")
	}
	chainBytes, err := json.Marshal(chain)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindSerialization, err, "failed to encode attestation chain")
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: vsockSAN},
		DNSNames:     []string{vsockSAN},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtraExtensions: []pkix.Extension{
			{Id: OIDReportExtension, Value: reportBytes},
			{Id: OIDChainExtension, Value: chainBytes},
		},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to create ra-tls certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to parse freshly created certificate")
	}
	return cert, der, nil
}

// NewServerTLSConfig assembles the full RA-TLS server side: generate
// keypair, fetch an attestation report bound to its SPKI hash from
// provider, embed both into a self-signed certificate, and serve TLS
// 1.3 (spec.md §4.11: "Serve TLS 1.3 on vsock port TEE_CHANNEL").
func NewServerTLSConfig(vsockSAN string, provider ReportProvider) (*tls.Config, error) {
	priv, err := NewServerKeypair()
	if err != nil {
		return nil, err
	}
	spki, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindConfig, err, "failed to marshal spki")
	}
	reportData := SPKIReportData(spki)

	report, chain, err := provider.GetReport(reportData)
	if err != nil {
		return nil, a3serr.Wrap(a3serr.KindAttestationFailed, err, "failed to obtain attestation report")
	}

	_, der, err := BuildServerCertificate(priv, vsockSAN, report, chain)
	if err != nil {
		return nil, err
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{tlsCert},
	}, nil
}
