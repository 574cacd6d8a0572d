package ratls

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
)

// ExtractReportAndChain pulls the two custom extensions back out of a
// peer certificate presented during an RA-TLS handshake.
func ExtractReportAndChain(cert *x509.Certificate) (*Report, *CertChain, error) {
	var wire *reportWireForm
	var chain *CertChain

	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(OIDReportExtension):
			wire = new(reportWireForm)
			if err := json.Unmarshal(ext.Value, wire); err != nil {
				return nil, nil, fmt.Errorf("decode report extension: %w", err)
			}
		case ext.Id.Equal(OIDChainExtension):
			chain = new(CertChain)
			if err := json.Unmarshal(ext.Value, chain); err != nil {
				return nil, nil, fmt.Errorf("decode chain extension: %w", err)
			}
		}
	}
	if wire == nil {
		return nil, nil, fmt.Errorf("certificate carries no attestation report extension")
	}
	if chain == nil {
		return nil, nil, fmt.Errorf("certificate carries no attestation chain extension")
	}

	report := &Report{
		Measurement:  wire.Measurement,
		ChipID:       wire.ChipID,
		TCB:          wire.TCB,
		DebugEnabled: wire.DebugEnabled,
		Simulated:    wire.Simulated,
		Signature:    wire.Signature,
	}
	copy(report.ReportData[:], wire.ReportData)
	return report, chain, nil
}
