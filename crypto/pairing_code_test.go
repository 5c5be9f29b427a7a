package crypto

import (
	"bytes"
	"testing"
)

func pairingSide(t *testing.T) (PairingMaterial, func(peer []byte) []byte) {
	t.Helper()

	ephemeral, err := GenerateEphemeralX25519()
	if err != nil {
		t.Fatalf("GenerateEphemeralX25519 failed: %v", err)
	}
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	nonce, err := RandomNonce(16)
	if err != nil {
		t.Fatalf("RandomNonce failed: %v", err)
	}

	material := PairingMaterial{
		EphemeralPub: ephemeral.PublicKey().Bytes(),
		IdentityKey:  identity.PublicKey,
		Nonce:        nonce,
	}
	shared := func(peer []byte) []byte {
		secret, err := SharedSecret(ephemeral, peer)
		if err != nil {
			t.Fatalf("SharedSecret failed: %v", err)
		}
		return secret
	}
	return material, shared
}

func TestPairingCodeMatchesOnBothSides(t *testing.T) {
	alice, aliceShared := pairingSide(t)
	bob, bobShared := pairingSide(t)

	aliceSecret, err := DerivePairingCode(aliceShared(bob.EphemeralPub), alice, bob)
	if err != nil {
		t.Fatalf("alice derive failed: %v", err)
	}
	bobSecret, err := DerivePairingCode(bobShared(alice.EphemeralPub), bob, alice)
	if err != nil {
		t.Fatalf("bob derive failed: %v", err)
	}

	if aliceSecret.Code != bobSecret.Code {
		t.Fatalf("codes differ: %q vs %q", aliceSecret.Code, bobSecret.Code)
	}
	if len(aliceSecret.Code) != PairingCodeDigits {
		t.Fatalf("expected %d digits, got %q", PairingCodeDigits, aliceSecret.Code)
	}
	if !bytes.Equal(aliceSecret.ConfirmKey, bobSecret.ConfirmKey) {
		t.Fatalf("confirm keys differ")
	}
	if !CodeHashEqual(CodeHash(aliceSecret.ConfirmKey, aliceSecret.Code), CodeHash(bobSecret.ConfirmKey, bobSecret.Code)) {
		t.Fatalf("code hashes differ")
	}
}

func TestPairingCodeChangesWithInterceptedKey(t *testing.T) {
	alice, aliceShared := pairingSide(t)
	bob, bobShared := pairingSide(t)
	mallory, malloryShared := pairingSide(t)

	aliceView, err := DerivePairingCode(aliceShared(mallory.EphemeralPub), alice, mallory)
	if err != nil {
		t.Fatalf("alice derive failed: %v", err)
	}
	bobView, err := DerivePairingCode(bobShared(mallory.EphemeralPub), bob, mallory)
	if err != nil {
		t.Fatalf("bob derive failed: %v", err)
	}
	_ = malloryShared

	if bytes.Equal(aliceView.ConfirmKey, bobView.ConfirmKey) {
		t.Fatalf("expected different confirm keys for split exchanges")
	}
}

func TestDerivePairingCodeRequiresSecret(t *testing.T) {
	if _, err := DerivePairingCode(nil, PairingMaterial{}, PairingMaterial{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
