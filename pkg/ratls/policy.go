package ratls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
)

// AttestationPolicy constrains which reports a verifier accepts
// (spec.md §4.11).
type AttestationPolicy struct {
	ExpectedMeasurement []byte
	MinTCB              uint64
	AllowedChipIDs      [][]byte
	RequireDebugOff     bool
	AllowSimulated      bool
}

// PolicyViolation names the first policy field a report failed.
type PolicyViolation struct {
	Field  string
	Reason string
}

func (v *PolicyViolation) Error() string {
	return fmt.Sprintf("attestation policy violation on %s: %s", v.Field, v.Reason)
}

// PolicyResult is the outcome of evaluating a report against a policy.
type PolicyResult struct {
	OK        bool
	Violation *PolicyViolation
}

// EvaluatePolicy checks report against policy, stopping at the first
// failing field (spec.md §4.11: "return PolicyResult::Ok or a
// PolicyViolation with the first failing field").
func EvaluatePolicy(report *Report, policy AttestationPolicy) PolicyResult {
	if report.Simulated {
		if !policy.AllowSimulated {
			return PolicyResult{Violation: &PolicyViolation{Field: "simulated", Reason: "simulated reports are not permitted by policy"}}
		}
		return PolicyResult{OK: true}
	}

	if policy.RequireDebugOff && report.DebugEnabled {
		return PolicyResult{Violation: &PolicyViolation{Field: "debug", Reason: "guest debug mode is enabled"}}
	}
	if len(policy.ExpectedMeasurement) > 0 && !bytes.Equal(policy.ExpectedMeasurement, report.Measurement) {
		return PolicyResult{Violation: &PolicyViolation{Field: "measurement", Reason: "measurement does not match expected value"}}
	}
	if policy.MinTCB > 0 && report.TCB < policy.MinTCB {
		return PolicyResult{Violation: &PolicyViolation{Field: "tcb", Reason: "tcb version below policy minimum"}}
	}
	if len(policy.AllowedChipIDs) > 0 && !chipIDAllowed(report.ChipID, policy.AllowedChipIDs) {
		return PolicyResult{Violation: &PolicyViolation{Field: "chip_id", Reason: "chip id not in allow-list"}}
	}
	return PolicyResult{OK: true}
}

func chipIDAllowed(id []byte, allowed [][]byte) bool {
	for _, a := range allowed {
		if bytes.Equal(a, id) {
			return true
		}
	}
	return false
}

// VerifyChain checks the signature chain report ← vcek ← ask ← ark
// against trustedRoot (the AMD root public key this deployment pins).
// A simulated report skips chain verification entirely; the caller's
// policy decides whether simulated reports are acceptable at all.
func VerifyChain(report *Report, chain *CertChain, trustedRoot *ecdsa.PublicKey) error {
	if report.Simulated {
		return nil
	}
	ark, err := x509.ParseCertificate(chain.ARK)
	if err != nil {
		return fmt.Errorf("parse ark: %w", err)
	}
	ask, err := x509.ParseCertificate(chain.ASK)
	if err != nil {
		return fmt.Errorf("parse ask: %w", err)
	}
	vcek, err := x509.ParseCertificate(chain.VCEK)
	if err != nil {
		return fmt.Errorf("parse vcek: %w", err)
	}

	arkPub, ok := ark.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("ark public key is not ECDSA")
	}
	if trustedRoot != nil && !arkPub.Equal(trustedRoot) {
		return fmt.Errorf("ark does not match the trusted AMD root key")
	}
	if err := ark.CheckSignatureFrom(ark); err != nil {
		return fmt.Errorf("ark is not self-signed: %w", err)
	}
	if err := ask.CheckSignatureFrom(ark); err != nil {
		return fmt.Errorf("ask not signed by ark: %w", err)
	}
	if err := vcek.CheckSignatureFrom(ask); err != nil {
		return fmt.Errorf("vcek not signed by ask: %w", err)
	}

	vcekPub, ok := vcek.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("vcek public key is not ECDSA")
	}
	if !ecdsa.VerifyASN1(vcekPub, report.ReportData[:], report.Signature) {
		return fmt.Errorf("report signature does not verify under vcek")
	}
	return nil
}
