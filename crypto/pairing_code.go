package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// PairingCodeDigits is the number of decimal digits shown to the user.
	PairingCodeDigits = 6

	pairingInfo   = "mirage pairing code v1"
	confirmKeyLen = 32
)

// PairingMaterial is one side's contribution to a pairing exchange.
type PairingMaterial struct {
	EphemeralPub []byte
	IdentityKey  []byte
	Nonce        []byte
}

// PairingSecret holds the values both sides derive from a completed exchange.
type PairingSecret struct {
	Code       string
	ConfirmKey []byte
}

// DerivePairingCode derives the short human-verifiable code from the shared
// secret and both sides' material. The transcript is ordered by ephemeral key
// so both peers compute the same value regardless of who initiated.
func DerivePairingCode(shared []byte, a, b PairingMaterial) (PairingSecret, error) {
	if len(shared) == 0 {
		return PairingSecret{}, errors.New("shared secret is required")
	}
	if bytes.Compare(a.EphemeralPub, b.EphemeralPub) > 0 {
		a, b = b, a
	}

	transcript := sha256.New()
	for _, part := range [][]byte{a.EphemeralPub, a.IdentityKey, a.Nonce, b.EphemeralPub, b.IdentityKey, b.Nonce} {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(part)))
		transcript.Write(length[:])
		transcript.Write(part)
	}

	reader := hkdf.New(sha256.New, shared, transcript.Sum(nil), []byte(pairingInfo))
	out := make([]byte, confirmKeyLen+8)
	if _, err := io.ReadFull(reader, out); err != nil {
		return PairingSecret{}, fmt.Errorf("derive pairing code: %w", err)
	}

	modulus := uint64(1)
	for range PairingCodeDigits {
		modulus *= 10
	}
	value := binary.BigEndian.Uint64(out[confirmKeyLen:]) % modulus

	return PairingSecret{
		Code:       fmt.Sprintf("%0*d", PairingCodeDigits, value),
		ConfirmKey: out[:confirmKeyLen],
	}, nil
}

// CodeHash returns the MAC of a code under the confirm key. Peers exchange
// it instead of the code itself.
func CodeHash(confirmKey []byte, code string) []byte {
	mac := hmac.New(sha256.New, confirmKey)
	mac.Write([]byte(code))
	return mac.Sum(nil)
}

// CodeHashEqual compares two code hashes in constant time.
func CodeHashEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
