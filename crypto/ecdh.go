package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519 creates a single-use X25519 key for one pairing attempt.
func GenerateEphemeralX25519() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ParseX25519PublicKey parses raw public key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// SharedSecret computes the X25519 shared secret for a peer public key.
func SharedSecret(privateKey *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	publicKey, err := ParseX25519PublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	secret, err := privateKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// RandomNonce returns n random bytes.
func RandomNonce(n int) ([]byte, error) {
	nonce := make([]byte, n)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}
