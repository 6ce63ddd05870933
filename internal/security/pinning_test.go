package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"
)

func testCertificate(t *testing.T, commonName string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

func TestNewRegistryPinner(t *testing.T) {
	valid := strings.Repeat("ab", 32)

	p, err := NewRegistryPinner([]string{valid, "  ", ""})
	if err != nil {
		t.Fatalf("valid pin rejected: %v", err)
	}
	if !p.Enabled() {
		t.Error("pinner with a pin should be enabled")
	}

	if _, err := NewRegistryPinner([]string{"abcd"}); err == nil {
		t.Error("short pin should be rejected")
	}
	if _, err := NewRegistryPinner([]string{strings.Repeat("zz", 32)}); err == nil {
		t.Error("non-hex pin should be rejected")
	}

	empty, err := NewRegistryPinner(nil)
	if err != nil {
		t.Fatalf("empty pin list rejected: %v", err)
	}
	if empty.Enabled() {
		t.Error("pinner without pins should be disabled")
	}
}

func TestRegistryPinnerHTTPClient(t *testing.T) {
	disabled, err := NewRegistryPinner(nil)
	if err != nil {
		t.Fatalf("NewRegistryPinner: %v", err)
	}
	client := disabled.HTTPClient(10 * time.Second)
	if client.Timeout != 10*time.Second {
		t.Errorf("client timeout = %v, want 10s", client.Timeout)
	}
}

func TestRegistryPinnerVerification(t *testing.T) {
	cert := testCertificate(t, "registry.mwbsuite.com")
	chain := [][]*x509.Certificate{{cert}}

	pinned, err := NewRegistryPinner([]string{SPKIHash(cert)})
	if err != nil {
		t.Fatalf("NewRegistryPinner: %v", err)
	}
	if err := pinned.verifyPeerCertificate(nil, chain); err != nil {
		t.Errorf("matching pin should verify, got %v", err)
	}

	other := testCertificate(t, "registry.mwbsuite.com")
	mismatched, err := NewRegistryPinner([]string{SPKIHash(other)})
	if err != nil {
		t.Fatalf("NewRegistryPinner: %v", err)
	}
	if err := mismatched.verifyPeerCertificate(nil, chain); err == nil {
		t.Error("unpinned certificate should be rejected")
	}

	if err := pinned.verifyPeerCertificate(nil, nil); err == nil {
		t.Error("missing verified chains should be rejected")
	}
}

func TestSPKIHash(t *testing.T) {
	cert := testCertificate(t, "registry.mwbsuite.com")

	hash := SPKIHash(cert)
	if len(hash) != 64 {
		t.Errorf("SPKI hash should be 64 hex chars, got %d", len(hash))
	}
	if hash != SPKIHash(cert) {
		t.Error("SPKI hash must be deterministic")
	}

	other := testCertificate(t, "registry.mwbsuite.com")
	if hash == SPKIHash(other) {
		t.Error("different keys must produce different SPKI hashes")
	}
}
