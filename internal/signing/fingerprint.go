// ABOUTME: Public key encodings and fingerprints for registered signing keys
// ABOUTME: Fingerprint is the base64 SHA-256 of the key's PKIX PEM encoding

package signing

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// MarshalPublicKeyDER returns the PKIX DER form used for storage.
func MarshalPublicKeyDER(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return der, nil
}

// MarshalPublicKeyPEM returns the PKIX PEM form returned to clients.
func MarshalPublicKeyPEM(key *rsa.PublicKey) ([]byte, error) {
	der, err := MarshalPublicKeyDER(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Fingerprint computes base64(SHA-256(PEM)) of a public key.
func Fingerprint(key *rsa.PublicKey) (string, error) {
	pemBytes, err := MarshalPublicKeyPEM(key)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pemBytes)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// MarshalPrivateKeyPEM returns the PKCS#8 PEM form of a private key.
func MarshalPrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM reads an RSA private key in PKCS#8 or PKCS#1 PEM form.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}
