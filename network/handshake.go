package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mirage/crypto"
	"mirage/models"
	"mirage/protocol"
)

const (
	// DefaultConnectionTimeout bounds dialing and the handshake.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds one frame write when the caller's context
	// carries no deadline.
	DefaultWriteTimeout = 5 * time.Second

	challengeNonceSize = 32
	maxTimestampSkew   = 5 * time.Minute
)

var (
	// ErrInvalidSignature indicates a hello signed by a key other than the one it carries.
	ErrInvalidSignature = errors.New("network: invalid handshake signature")
	// ErrKeyChanged indicates a known peer presented a different public key.
	ErrKeyChanged = errors.New("network: peer public key changed")
	// ErrChallengeMismatch indicates a hello answering the wrong challenge.
	ErrChallengeMismatch = errors.New("network: handshake challenge mismatch")
)

// LocalIdentity is what the local node proves during the handshake.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Platform   models.Platform
	Keys       *crypto.Identity
}

// KnownKeyFunc returns the pinned fingerprint for a device, if any.
type KnownKeyFunc func(deviceID string) (fingerprint string, known bool)

// KeyChangeDecisionFunc decides whether a connection from a device whose key
// no longer matches its pinned fingerprint may proceed.
type KeyChangeDecisionFunc func(deviceID, pinnedFingerprint, receivedFingerprint string) bool

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity            LocalIdentity
	Codec               protocol.Codec
	KnownKey            KnownKeyFunc
	OnKeyChangeDecision KeyChangeDecisionFunc

	ConnectionTimeout time.Duration
	// Per-IP inbound handshake budget. Zero disables the limit.
	ConnectionsPerSecond float64
	ConnectionBurst      int
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.Codec == nil {
		o.Codec = protocol.JSONCodec{}
	}
	if o.ConnectionBurst <= 0 {
		o.ConnectionBurst = 1
	}
	return o
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if o.Identity.Keys == nil || len(o.Identity.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 key pair is required")
	}
	return nil
}

func newChallengeNonce() (string, error) {
	nonce, err := crypto.RandomNonce(challengeNonceSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// buildHello signs a hello answering challenge. nonce is the sender's own
// challenge, empty for the listener's reply.
func buildHello(identity LocalIdentity, msgType, challenge, nonce, codec string) (*protocol.Hello, error) {
	hello := &protocol.Hello{
		Type:             msgType,
		DeviceID:         identity.DeviceID,
		DeviceName:       identity.DeviceName,
		Platform:         string(identity.Platform),
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Keys.PublicKey),
		ChallengeNonce:   challenge,
		Nonce:            nonce,
		Codec:            codec,
		ProtocolVersion:  protocol.ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := helloSignable(*hello)
	if err != nil {
		return nil, err
	}
	signature, err := identity.Keys.Sign(signable)
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}
	hello.Signature = base64.StdEncoding.EncodeToString(signature)
	return hello, nil
}

// verifyHello checks version, challenge, freshness and signature, and returns
// the authenticated peer.
func verifyHello(hello *protocol.Hello, challenge string) (PeerInfo, error) {
	if hello.ProtocolVersion != protocol.ProtocolVersion {
		return PeerInfo{}, protocol.ErrUnsupportedVersion
	}
	if hello.DeviceID == "" {
		return PeerInfo{}, errors.New("hello without device id")
	}
	if hello.ChallengeNonce != challenge {
		return PeerInfo{}, ErrChallengeMismatch
	}
	if !withinTimestampSkew(hello.Timestamp) {
		return PeerInfo{}, fmt.Errorf("hello timestamp outside allowed skew")
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(hello.Ed25519PublicKey)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return PeerInfo{}, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signature, err := base64.StdEncoding.DecodeString(hello.Signature)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("decode hello signature: %w", err)
	}
	signable, err := helloSignable(*hello)
	if err != nil {
		return PeerInfo{}, err
	}
	if !crypto.Verify(publicKey, signable, signature) {
		return PeerInfo{}, ErrInvalidSignature
	}

	return PeerInfo{
		DeviceID:    hello.DeviceID,
		DeviceName:  hello.DeviceName,
		Platform:    models.ParsePlatform(hello.Platform),
		PublicKey:   publicKey,
		Fingerprint: crypto.KeyFingerprint(publicKey),
		Codec:       hello.Codec,
	}, nil
}

// helloSignable is the JSON encoding of hello with the signature blanked.
// It is independent of the connection codec.
func helloSignable(hello protocol.Hello) ([]byte, error) {
	hello.Signature = ""
	signable, err := json.Marshal(hello)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}

func evaluatePeerKey(peer PeerInfo, known KnownKeyFunc, decision KeyChangeDecisionFunc) error {
	if known == nil {
		return nil
	}
	pinned, ok := known(peer.DeviceID)
	if !ok || pinned == "" || pinned == peer.Fingerprint {
		return nil
	}
	if decision == nil || !decision(peer.DeviceID, pinned, peer.Fingerprint) {
		return ErrKeyChanged
	}
	return nil
}

func withinTimestampSkew(timestamp int64) bool {
	if timestamp == 0 {
		return false
	}
	delta := time.Since(time.UnixMilli(timestamp))
	if delta < 0 {
		delta = -delta
	}
	return delta <= maxTimestampSkew
}

func remoteError(code, message string) *protocol.ErrorMessage {
	return &protocol.ErrorMessage{
		Type:      protocol.TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}
