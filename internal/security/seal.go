package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// sealSecret is the application secret mixed into seal key derivation.
// Release builds replace it via -ldflags "-X mwbcli/internal/security.sealSecret=...".
var sealSecret = "mwb-suite-seal-v1-development"

// SCRYPT parameters for seal key derivation (OWASP recommended work factor).
const (
	sealScryptN   = 32768
	sealScryptR   = 8
	sealScryptP   = 1
	sealKeyLength = 32
)

// Sealer computes tamper-evident seals over serialized license state.
// The seal is an HMAC-SHA256 keyed by a value derived from the application
// secret and the license key, so a record copied between machines or edited
// by hand fails verification without the derivation inputs. The key is
// intentionally independent of hardware identity: hardware drift is handled
// by fuzzy fingerprint matching and must not invalidate the seal.
type Sealer struct {
	secret []byte

	mu   sync.Mutex
	keys map[string][]byte
}

// NewSealer creates a sealer using the build-time application secret.
func NewSealer() *Sealer {
	return &Sealer{
		secret: []byte(sealSecret),
		keys:   make(map[string][]byte),
	}
}

// NewSealerWithSecret creates a sealer with an explicit secret.
func NewSealerWithSecret(secret string) *Sealer {
	return &Sealer{
		secret: []byte(secret),
		keys:   make(map[string][]byte),
	}
}

// Seal returns the hex HMAC-SHA256 of canonical under the key derived for
// licenseKey.
func (s *Sealer) Seal(licenseKey string, canonical []byte) (string, error) {
	key, err := s.deriveKey(licenseKey)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether seal matches canonical for licenseKey. Comparison is
// constant time. Any derivation failure reads as a mismatch.
func (s *Sealer) Verify(licenseKey string, canonical []byte, seal string) bool {
	if seal == "" {
		return false
	}
	expected, err := s.Seal(licenseKey, canonical)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(seal))
}

// deriveKey stretches the application secret with the license key as salt.
// SCRYPT is deliberately slow, so derived keys are cached per license key.
func (s *Sealer) deriveKey(licenseKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[licenseKey]; ok {
		return key, nil
	}

	salt := []byte("mwb-seal|" + licenseKey)
	key, err := scrypt.Key(s.secret, salt, sealScryptN, sealScryptR, sealScryptP, sealKeyLength)
	if err != nil {
		return nil, fmt.Errorf("seal key derivation failed: %w", err)
	}
	s.keys[licenseKey] = key
	return key, nil
}
