package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RegistryPinner enforces SPKI certificate pins on TLS connections to the
// vendor registry webhook. A cracked install commonly redirects the
// validation hostname through the hosts file; a pinned client refuses the
// substituted certificate even when a local root CA was planted to sign it.
//
// With no pins configured the client performs standard verification only,
// so development and self-hosted registries keep working.
type RegistryPinner struct {
	pins map[string]struct{}
}

// NewRegistryPinner creates a pinner from hex SHA-256 SPKI hashes. Malformed
// entries are rejected.
func NewRegistryPinner(pins []string) (*RegistryPinner, error) {
	p := &RegistryPinner{pins: make(map[string]struct{}, len(pins))}
	for _, pin := range pins {
		pin = strings.ToLower(strings.TrimSpace(pin))
		if pin == "" {
			continue
		}
		if len(pin) != 64 {
			return nil, fmt.Errorf("SPKI pin must be 64 hex characters, got %d", len(pin))
		}
		if _, err := hex.DecodeString(pin); err != nil {
			return nil, fmt.Errorf("SPKI pin is not valid hex: %w", err)
		}
		p.pins[pin] = struct{}{}
	}
	return p, nil
}

// Enabled reports whether any pins are configured.
func (p *RegistryPinner) Enabled() bool {
	return len(p.pins) > 0
}

// HTTPClient builds the client used for webhook deliveries. TLS 1.2 is the
// floor either way; pin verification is added only when pins exist.
func (p *RegistryPinner) HTTPClient(timeout time.Duration) *http.Client {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	if p.Enabled() {
		tlsConfig.VerifyPeerCertificate = p.verifyPeerCertificate
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// verifyPeerCertificate accepts the connection when any certificate in the
// verified chain matches a configured pin. Pinning intermediates or roots,
// not just the leaf, survives routine leaf rotation.
func (p *RegistryPinner) verifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	for _, chain := range verifiedChains {
		for _, cert := range chain {
			if _, ok := p.pins[SPKIHash(cert)]; ok {
				return nil
			}
		}
	}

	subject := verifiedChains[0][0].Subject.CommonName
	return fmt.Errorf("certificate pin verification failed for %q", subject)
}

// SPKIHash returns the hex SHA-256 of a certificate's Subject Public Key
// Info, the value operators configure as a pin.
func SPKIHash(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:])
}
