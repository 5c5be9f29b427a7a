package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
)

// Identity is the long-lived signing key of the local device.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// LoadOrCreateIdentity loads the Ed25519 identity from disk, generating and
// persisting a new one on first run.
func LoadOrCreateIdentity(privatePath, publicPath string) (*Identity, error) {
	privateKey, err := readPEMKey(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	switch {
	case err == nil:
		identity := newIdentity(ed25519.PrivateKey(privateKey))
		stored, pubErr := readPEMKey(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, identity.PublicKey) {
			if err := writePEMKey(publicPath, ed25519PublicPEMType, identity.PublicKey, 0o644); err != nil {
				return nil, err
			}
		}
		return identity, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	_, generated, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	identity := newIdentity(generated)

	if err := writePEMKey(privatePath, ed25519PrivatePEMType, identity.PrivateKey, 0o600); err != nil {
		return nil, err
	}
	if err := writePEMKey(publicPath, ed25519PublicPEMType, identity.PublicKey, 0o644); err != nil {
		return nil, err
	}
	return identity, nil
}

// NewIdentity wraps an existing private key.
func NewIdentity(privateKey ed25519.PrivateKey) (*Identity, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	return newIdentity(privateKey), nil
}

// GenerateIdentity creates an in-memory identity.
func GenerateIdentity() (*Identity, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return newIdentity(privateKey), nil
}

func newIdentity(privateKey ed25519.PrivateKey) *Identity {
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &Identity{
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
		Fingerprint: KeyFingerprint(publicKey),
	}
}

// Sign signs data with the identity key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(id.PrivateKey, data), nil
}

// Verify verifies an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}

func readPEMKey(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(pemType))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(pemType), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", strings.ToLower(pemType), len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEMKey(path, pemType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
