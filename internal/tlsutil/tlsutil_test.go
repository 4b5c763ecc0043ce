package tlsutil

import (
	"crypto/x509"
	"testing"
	"time"
)

func TestGenerateSelfSignedReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	cfg, fingerprint, err := GenerateSelfSigned(validity, "")
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cfg.Certificates))
	}

	leaf := cfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "voicegateway" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "voicegateway")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}
}

func TestGenerateSelfSignedUsesHostname(t *testing.T) {
	cfg, _, err := GenerateSelfSigned(time.Hour, "voice.example.test")
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	leaf := cfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "voice.example.test" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "voice.example.test")
	}
	found := false
	for _, name := range leaf.DNSNames {
		if name == "localhost" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected localhost kept in DNS names alongside hostname, got %v", leaf.DNSNames)
	}
}

func TestGenerateSelfSignedUniqueCerts(t *testing.T) {
	_, fp1, err := GenerateSelfSigned(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	_, fp2, err := GenerateSelfSigned(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateSelfSignedSelfVerifies(t *testing.T) {
	cfg, _, err := GenerateSelfSigned(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	leaf := cfg.Certificates[0].Leaf

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("expected self-signed cert: issuer=%q subject=%q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}
