package ratls

import (
	"bufio"
	"crypto/tls"
	"strings"
	"testing"
)

func serveOnce(t *testing.T, cfg *tls.Config) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
		_, _ = bufio.NewReader(conn).ReadString('\n')
	}()
	return ln.Addr().String()
}

func TestHandshakeSucceedsWhenSimulatedAllowed(t *testing.T) {
	srvCfg, err := NewServerTLSConfig("vsock://3:9999", SimulatedProvider{})
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	addr := serveOnce(t, srvCfg)

	clientCfg := NewClientTLSConfig(AttestationPolicy{AllowSimulated: true}, nil)
	conn, err := tls.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("expected handshake to succeed, got: %v", err)
	}
	conn.Close()
}

func TestHandshakeFailsWhenSimulatedDisallowed(t *testing.T) {
	srvCfg, err := NewServerTLSConfig("vsock://3:9999", SimulatedProvider{})
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	addr := serveOnce(t, srvCfg)

	clientCfg := NewClientTLSConfig(AttestationPolicy{AllowSimulated: false}, nil)
	_, err = tls.Dial("tcp", addr, clientCfg)
	if err == nil {
		t.Fatal("expected handshake to fail when policy disallows simulated reports")
	}
	if !strings.Contains(err.Error(), "simulated") {
		t.Errorf("expected error to mention simulated reports, got: %v", err)
	}
}

func TestEvaluatePolicyMeasurementMismatch(t *testing.T) {
	report := &Report{Measurement: []byte("actual")}
	result := EvaluatePolicy(report, AttestationPolicy{ExpectedMeasurement: []byte("expected")})
	if result.OK || result.Violation.Field != "measurement" {
		t.Fatalf("expected a measurement violation, got %+v", result)
	}
}

func TestEvaluatePolicyDebugRequired(t *testing.T) {
	report := &Report{DebugEnabled: true}
	result := EvaluatePolicy(report, AttestationPolicy{RequireDebugOff: true})
	if result.OK || result.Violation.Field != "debug" {
		t.Fatalf("expected a debug violation, got %+v", result)
	}
}
