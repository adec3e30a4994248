// Package keys manages the node's RSA identity and peer public keys.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// KeySize is the RSA modulus size in bits for generated identities.
	KeySize = 2048
)

var (
	// ErrNoPEMBlock is returned when the input contains no PEM data.
	ErrNoPEMBlock = errors.New("no PEM block found")

	// ErrNotRSAKey is returned when the PEM block holds a non-RSA key.
	ErrNotRSAKey = errors.New("key is not an RSA key")
)

// Identity holds the node's RSA key pair. The key material is immutable
// after startup; each crypto operation uses per-call working state.
type Identity struct {
	private   *rsa.PrivateKey
	expiresOn time.Time
}

// Generate creates a new RSA identity.
func Generate(expiresOn time.Time) (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &Identity{private: priv, expiresOn: expiresOn}, nil
}

// FromPEM parses an identity from PEM-encoded private key bytes.
// Both PKCS#1 and PKCS#8 encodings are accepted.
func FromPEM(pemBytes []byte, expiresOn time.Time) (*Identity, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Identity{private: key, expiresOn: expiresOn}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return &Identity{private: key, expiresOn: expiresOn}, nil
}

// FromFile parses an identity from a PEM file on disk.
func FromFile(path string, expiresOn time.Time) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return FromPEM(data, expiresOn)
}

// Private returns the RSA private key.
func (i *Identity) Private() *rsa.PrivateKey {
	return i.private
}

// Public returns the RSA public key.
func (i *Identity) Public() *rsa.PublicKey {
	return &i.private.PublicKey
}

// ExpiresOn returns the configured key expiry.
func (i *Identity) ExpiresOn() time.Time {
	return i.expiresOn
}

// PrivatePEM returns the PKCS#8 PEM encoding of the private key.
func (i *Identity) PrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(i.private)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicPEM returns the PKIX PEM encoding of the public key.
func (i *Identity) PublicPEM() ([]byte, error) {
	return MarshalPublicKey(i.Public())
}

// Fingerprint returns the base64 SHA-256 digest of the PKIX public key.
// Advertised in welcome envelopes and on the public-key publish schedule.
func (i *Identity) Fingerprint() string {
	return Fingerprint(i.Public())
}

// Fingerprint computes the base64 SHA-256 digest of a PKIX public key.
func Fingerprint(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// MarshalPublicKey encodes a public key as PKIX PEM.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey parses a PKIX or PKCS#1 PEM public key, as submitted by
// agents during authentication.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return key, nil
}
