package pairing

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appcrypto "mirage/crypto"
	"mirage/metrics"
	"mirage/models"
	"mirage/protocol"
	"mirage/storage"
)

// State is the pairing state of one remote peer.
type State string

const (
	StateUnpaired      State = "unpaired"
	StateCodeExchanged State = "code_exchanged"
	StateAuthenticated State = "authenticated"
	StateTrusted       State = "trusted"
	StateRejected      State = "rejected"
)

const (
	// DefaultExchangeTimeout bounds one pairing attempt.
	DefaultExchangeTimeout = 2 * time.Minute
	// DefaultMaxFailures is the consecutive failure count that triggers lockout.
	DefaultMaxFailures = 3
	// DefaultLockoutBase is the first lockout duration.
	DefaultLockoutBase = 30 * time.Second
	// DefaultLockoutMax caps the lockout duration.
	DefaultLockoutMax = 15 * time.Minute
	// DefaultInitsPerSecond caps inbound PairingInit messages per peer.
	DefaultInitsPerSecond = 1

	nonceSize = 16
)

var (
	ErrPairingRejected    = errors.New("pairing: code rejected")
	ErrLockedOut          = errors.New("pairing: peer is locked out")
	ErrFingerprintChanged = errors.New("pairing: peer fingerprint changed")
	ErrExchangeTimeout    = errors.New("pairing: exchange timed out")
	ErrNoExchange         = errors.New("pairing: no exchange in progress")
	ErrInvalidSignature   = errors.New("pairing: invalid pairing init signature")
	ErrRateLimited        = errors.New("pairing: too many pairing requests")
)

// TrustStore persists trusted fingerprints and security history.
type TrustStore interface {
	GetPeer(deviceID string) (*storage.Peer, error)
	SaveTrustedPeer(peer storage.Peer) error
	RecordKeyRotation(r storage.KeyRotation) error
	RecordSecurityEvent(kind, severity, peerID string, details map[string]any) error
}

// Options configures a Manager.
type Options struct {
	LocalID         string
	Identity        *appcrypto.Identity
	Store           TrustStore
	ExchangeTimeout time.Duration
	MaxFailures     int
	LockoutBase     time.Duration
	LockoutMax      time.Duration
	InitsPerSecond  float64
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

type attempt struct {
	state     State
	peer      models.Peer
	startedAt time.Time

	private *ecdh.PrivateKey
	local   appcrypto.PairingMaterial

	remote         appcrypto.PairingMaterial
	remoteIdentity ed25519.PublicKey
	secret         appcrypto.PairingSecret

	remoteConfirmed bool
}

func (a *attempt) awaitingRemote() bool {
	return a.private != nil && a.remote.EphemeralPub == nil
}

// Manager runs the per-peer pairing state machine.
type Manager struct {
	options Options
	logger  *zap.Logger

	mu       sync.Mutex
	attempts map[string]*attempt
	lockouts map[string]*lockout
	limiters map[string]*rate.Limiter
}

// NewManager validates options and applies defaults.
func NewManager(options Options) (*Manager, error) {
	if options.LocalID == "" {
		return nil, errors.New("local device ID is required")
	}
	if options.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if options.ExchangeTimeout <= 0 {
		options.ExchangeTimeout = DefaultExchangeTimeout
	}
	if options.MaxFailures <= 0 {
		options.MaxFailures = DefaultMaxFailures
	}
	if options.LockoutBase <= 0 {
		options.LockoutBase = DefaultLockoutBase
	}
	if options.LockoutMax < options.LockoutBase {
		options.LockoutMax = max(DefaultLockoutMax, options.LockoutBase)
	}
	if options.InitsPerSecond <= 0 {
		options.InitsPerSecond = DefaultInitsPerSecond
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	return &Manager{
		options:  options,
		logger:   options.Logger.Named("pairing"),
		attempts: make(map[string]*attempt),
		lockouts: make(map[string]*lockout),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// State returns the pairing state of a peer.
func (m *Manager) State(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[peerID]; ok {
		return a.state
	}
	if m.trustedFingerprint(peerID) != "" {
		return StateTrusted
	}
	return StateUnpaired
}

// LockedOut reports whether pairing with peerID is currently refused.
func (m *Manager) LockedOut(peerID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockoutFor(peerID).locked(now)
}

// InitiatePairing starts a fresh exchange with peer and returns the
// PairingInit to send. Any previous attempt is discarded.
func (m *Manager) InitiatePairing(peer models.Peer, now time.Time) (*protocol.PairingInit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockoutFor(peer.DeviceID).locked(now) {
		return nil, ErrLockedOut
	}

	a, msg, err := m.newAttempt(peer, now)
	if err != nil {
		return nil, err
	}
	m.attempts[peer.DeviceID] = a

	m.logger.Info("pairing initiated", zap.String("peer_id", peer.DeviceID))
	return msg, nil
}

// HandlePairingInit processes the remote side's ephemeral key. When the
// local side did not initiate, the returned reply must be sent back. The
// derived code is returned for display.
func (m *Manager) HandlePairingInit(peer models.Peer, init *protocol.PairingInit, now time.Time) (*protocol.PairingInit, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockoutFor(peer.DeviceID).locked(now) {
		return nil, "", ErrLockedOut
	}
	if !m.limiterFor(peer.DeviceID).AllowN(now, 1) {
		return nil, "", ErrRateLimited
	}

	remoteIdentity, err := verifyInit(peer.DeviceID, init)
	if err != nil {
		m.recordSecurity(storage.EventPairingRejected, storage.SecuritySeverityWarning, peer.DeviceID, map[string]any{
			"reason": err.Error(),
		})
		return nil, "", err
	}

	a, exists := m.attempts[peer.DeviceID]
	if exists && bytes.Equal(a.remote.EphemeralPub, init.EphemeralPub) {
		return nil, a.secret.Code, nil
	}

	var reply *protocol.PairingInit
	if !exists || !a.awaitingRemote() {
		fresh, msg, err := m.newAttempt(peer, now)
		if err != nil {
			return nil, "", err
		}
		a = fresh
		reply = msg
		m.attempts[peer.DeviceID] = a
	}

	shared, err := appcrypto.SharedSecret(a.private, init.EphemeralPub)
	if err != nil {
		delete(m.attempts, peer.DeviceID)
		return nil, "", fmt.Errorf("pairing key exchange: %w", err)
	}

	a.remote = appcrypto.PairingMaterial{
		EphemeralPub: init.EphemeralPub,
		IdentityKey:  init.IdentityKey,
		Nonce:        init.Nonce,
	}
	a.remoteIdentity = remoteIdentity
	a.secret, err = appcrypto.DerivePairingCode(shared, a.local, a.remote)
	if err != nil {
		delete(m.attempts, peer.DeviceID)
		return nil, "", err
	}
	a.state = StateCodeExchanged

	if pinned := m.trustedFingerprint(peer.DeviceID); pinned != "" && pinned != appcrypto.KeyFingerprint(remoteIdentity) {
		m.logger.Warn("pairing with changed fingerprint requires confirmation",
			zap.String("peer_id", peer.DeviceID),
			zap.String("pinned", pinned),
			zap.String("presented", appcrypto.KeyFingerprint(remoteIdentity)),
		)
	}

	return reply, a.secret.Code, nil
}

// ConfirmCode checks the code the user read off the remote screen. On a
// match it returns the PairingConfirm to send. On a mismatch the whole
// exchange is discarded and ErrPairingRejected is returned.
func (m *Manager) ConfirmCode(peerID, code string, now time.Time) (*protocol.PairingConfirm, State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockoutFor(peerID).locked(now) {
		return nil, StateUnpaired, ErrLockedOut
	}
	a, err := m.activeAttempt(peerID, now)
	if err != nil {
		return nil, StateUnpaired, err
	}
	if a.state != StateCodeExchanged {
		return nil, a.state, ErrNoExchange
	}

	if code != a.secret.Code {
		m.fail(peerID, a, now, "code mismatch")
		return nil, StateRejected, ErrPairingRejected
	}

	a.state = StateAuthenticated
	msg := &protocol.PairingConfirm{
		Type:     protocol.TypePairingConfirm,
		From:     m.localID(),
		CodeHash: appcrypto.CodeHash(a.secret.ConfirmKey, a.secret.Code),
	}
	if a.remoteConfirmed {
		if err := m.trust(peerID, a, now); err != nil {
			return msg, a.state, err
		}
	}
	return msg, a.state, nil
}

// HandlePairingConfirm verifies the remote side's code hash and returns the
// PairingResult to send back.
func (m *Manager) HandlePairingConfirm(peerID string, confirm *protocol.PairingConfirm, now time.Time) (*protocol.PairingResult, State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &protocol.PairingResult{Type: protocol.TypePairingResult, From: m.localID()}

	if m.lockoutFor(peerID).locked(now) {
		result.Reason = "locked out"
		return result, StateUnpaired, ErrLockedOut
	}
	a, err := m.activeAttempt(peerID, now)
	if err != nil {
		result.Reason = err.Error()
		return result, StateUnpaired, err
	}
	if a.state != StateCodeExchanged && a.state != StateAuthenticated && a.state != StateTrusted {
		result.Reason = "no exchange"
		return result, a.state, ErrNoExchange
	}

	expected := appcrypto.CodeHash(a.secret.ConfirmKey, a.secret.Code)
	if !appcrypto.CodeHashEqual(expected, confirm.CodeHash) {
		m.fail(peerID, a, now, "remote code hash mismatch")
		result.Reason = "code mismatch"
		return result, StateRejected, ErrPairingRejected
	}

	result.Accepted = true
	a.remoteConfirmed = true
	if a.state == StateAuthenticated {
		if err := m.trust(peerID, a, now); err != nil {
			return result, a.state, err
		}
	}
	return result, a.state, nil
}

// HandlePairingResult applies the remote verdict on the local confirmation.
func (m *Manager) HandlePairingResult(peerID string, result *protocol.PairingResult, now time.Time) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.activeAttempt(peerID, now)
	if err != nil {
		return StateUnpaired, err
	}

	if !result.Accepted {
		m.fail(peerID, a, now, "remote rejected: "+result.Reason)
		return StateRejected, ErrPairingRejected
	}

	a.remoteConfirmed = true
	if a.state == StateAuthenticated {
		if err := m.trust(peerID, a, now); err != nil {
			return a.state, err
		}
	}
	return a.state, nil
}

// Expire drops attempts older than the exchange timeout. Timeouts return the
// peer to Unpaired without counting toward lockout.
func (m *Manager) Expire(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for peerID, a := range m.attempts {
		if a.state == StateTrusted || now.Sub(a.startedAt) <= m.options.ExchangeTimeout {
			continue
		}
		delete(m.attempts, peerID)
		expired = append(expired, peerID)
		m.options.Metrics.PairingResult("timeout")
		m.logger.Info("pairing exchange timed out", zap.String("peer_id", peerID))
	}
	return expired
}

// Cancel discards any attempt with peerID.
func (m *Manager) Cancel(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[peerID]; ok && a.state != StateTrusted {
		delete(m.attempts, peerID)
	}
}

// IsTrusted reports whether peerID is trusted with exactly this fingerprint.
func (m *Manager) IsTrusted(peerID, fingerprint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pinned := m.trustedFingerprint(peerID)
	return pinned != "" && pinned == fingerprint
}

// CheckFingerprint compares an announced or presented fingerprint with the
// pinned one. A trusted fingerprint is never replaced silently; a mismatch
// returns ErrFingerprintChanged and a fresh exchange is required.
func (m *Manager) CheckFingerprint(peerID, fingerprint string) (models.TrustStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := m.trustedFingerprint(peerID)
	if pinned == "" {
		return models.TrustUnknown, nil
	}
	if fingerprint != "" && pinned != fingerprint {
		m.recordSecurity(storage.EventFingerprintChanged, storage.SecuritySeverityCritical, peerID, map[string]any{
			"pinned":    pinned,
			"presented": fingerprint,
		})
		return models.TrustUnknown, ErrFingerprintChanged
	}
	return models.TrustTrusted, nil
}

func (m *Manager) newAttempt(peer models.Peer, now time.Time) (*attempt, *protocol.PairingInit, error) {
	private, err := appcrypto.GenerateEphemeralX25519()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := appcrypto.RandomNonce(nonceSize)
	if err != nil {
		return nil, nil, err
	}

	msg := &protocol.PairingInit{
		Type:         protocol.TypePairingInit,
		From:         m.localID(),
		EphemeralPub: private.PublicKey().Bytes(),
		IdentityKey:  []byte(m.options.Identity.PublicKey),
		Nonce:        nonce,
	}
	msg.Signature, err = m.options.Identity.Sign(initSignable(msg))
	if err != nil {
		return nil, nil, fmt.Errorf("sign pairing init: %w", err)
	}

	return &attempt{
		state:     StateUnpaired,
		peer:      peer,
		startedAt: now,
		private:   private,
		local: appcrypto.PairingMaterial{
			EphemeralPub: msg.EphemeralPub,
			IdentityKey:  msg.IdentityKey,
			Nonce:        msg.Nonce,
		},
	}, msg, nil
}

func (m *Manager) activeAttempt(peerID string, now time.Time) (*attempt, error) {
	a, ok := m.attempts[peerID]
	if !ok || a.awaitingRemote() {
		return nil, ErrNoExchange
	}
	if a.state != StateTrusted && now.Sub(a.startedAt) > m.options.ExchangeTimeout {
		delete(m.attempts, peerID)
		m.options.Metrics.PairingResult("timeout")
		return nil, ErrExchangeTimeout
	}
	return a, nil
}

// fail moves the attempt through Rejected back to Unpaired. The ephemeral
// key is dropped so the same code can never be retried.
func (m *Manager) fail(peerID string, a *attempt, now time.Time, reason string) {
	a.state = StateRejected
	delete(m.attempts, peerID)
	m.options.Metrics.PairingResult("rejected")

	fields := []zap.Field{zap.String("peer_id", peerID), zap.String("reason", reason)}
	m.logger.Warn("pairing rejected", fields...)
	m.recordSecurity(storage.EventPairingRejected, storage.SecuritySeverityWarning, peerID, map[string]any{
		"reason": reason,
	})

	presented := appcrypto.KeyFingerprint(a.remoteIdentity)
	if pinned := m.trustedFingerprint(peerID); pinned != "" && pinned != presented {
		m.recordRotation(peerID, pinned, presented, storage.KeyRotationDecisionRejected, now)
	}

	if wait := m.lockoutFor(peerID).fail(now); wait > 0 {
		m.options.Metrics.PairingResult("lockout")
		m.logger.Warn("pairing locked out", append(fields, zap.Duration("lockout", wait))...)
		m.recordSecurity(storage.EventPairingLockout, storage.SecuritySeverityCritical, peerID, map[string]any{
			"lockout_ms": wait.Milliseconds(),
		})
	}
}

func (m *Manager) trust(peerID string, a *attempt, now time.Time) error {
	fingerprint := appcrypto.KeyFingerprint(a.remoteIdentity)
	pinned := m.trustedFingerprint(peerID)

	a.state = StateTrusted
	m.lockoutFor(peerID).succeed()
	m.options.Metrics.PairingResult("trusted")
	m.logger.Info("peer trusted", zap.String("peer_id", peerID), zap.String("fingerprint", fingerprint))

	if m.options.Store == nil {
		return nil
	}

	record := storage.Peer{
		DeviceID:    peerID,
		DeviceName:  a.peer.DeviceName,
		Platform:    a.peer.Platform,
		PublicKey:   base64.StdEncoding.EncodeToString(a.remoteIdentity),
		Fingerprint: fingerprint,
	}
	if a.peer.Address != "" && a.peer.Port > 0 {
		record.Address, record.Port = a.peer.Address, a.peer.Port
	}
	if err := m.options.Store.SaveTrustedPeer(record); err != nil {
		return fmt.Errorf("persist trusted peer: %w", err)
	}
	if pinned != "" && pinned != fingerprint {
		m.recordRotation(peerID, pinned, fingerprint, storage.KeyRotationDecisionTrusted, now)
	}
	m.recordSecurity(storage.EventPairingTrusted, storage.SecuritySeverityInfo, peerID, map[string]any{
		"fingerprint": fingerprint,
	})
	return nil
}

func (m *Manager) trustedFingerprint(peerID string) string {
	if a, ok := m.attempts[peerID]; ok && a.state == StateTrusted {
		return appcrypto.KeyFingerprint(a.remoteIdentity)
	}
	if m.options.Store == nil {
		return ""
	}
	peer, err := m.options.Store.GetPeer(peerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("load trusted peer failed", zap.String("peer_id", peerID), zap.Error(err))
		}
		return ""
	}
	if peer.Trust != models.TrustTrusted {
		return ""
	}
	return peer.Fingerprint
}

func (m *Manager) recordRotation(peerID, oldFingerprint, newFingerprint, decision string, now time.Time) {
	if m.options.Store == nil {
		return
	}
	err := m.options.Store.RecordKeyRotation(storage.KeyRotation{
		PeerID:         peerID,
		OldFingerprint: oldFingerprint,
		NewFingerprint: newFingerprint,
		Decision:       decision,
		At:             now,
	})
	if err != nil {
		m.logger.Warn("record key rotation failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}

func (m *Manager) recordSecurity(eventType, severity, peerID string, details map[string]any) {
	if m.options.Store == nil {
		return
	}
	if err := m.options.Store.RecordSecurityEvent(eventType, severity, peerID, details); err != nil {
		m.logger.Warn("record security event failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (m *Manager) lockoutFor(peerID string) *lockout {
	l, ok := m.lockouts[peerID]
	if !ok {
		l = newLockout(m.options.MaxFailures, m.options.LockoutBase, m.options.LockoutMax)
		m.lockouts[peerID] = l
	}
	return l
}

func (m *Manager) limiterFor(peerID string) *rate.Limiter {
	l, ok := m.limiters[peerID]
	if !ok {
		burst := max(int(m.options.InitsPerSecond), 2)
		l = rate.NewLimiter(rate.Limit(m.options.InitsPerSecond), burst)
		m.limiters[peerID] = l
	}
	return l
}

func (m *Manager) localID() string {
	return m.options.LocalID
}

func verifyInit(peerID string, init *protocol.PairingInit) (ed25519.PublicKey, error) {
	if init == nil || len(init.EphemeralPub) == 0 {
		return nil, errors.New("pairing init is missing an ephemeral key")
	}
	if init.From != peerID {
		return nil, fmt.Errorf("pairing init sender %q does not match peer %q", init.From, peerID)
	}
	if len(init.IdentityKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidSignature
	}
	identity := ed25519.PublicKey(init.IdentityKey)
	if !appcrypto.Verify(identity, initSignable(init), init.Signature) {
		return nil, ErrInvalidSignature
	}
	return identity, nil
}

func initSignable(init *protocol.PairingInit) []byte {
	out := make([]byte, 0, len(init.From)+len(init.EphemeralPub)+len(init.Nonce)+1)
	out = append(out, init.From...)
	out = append(out, 0)
	out = append(out, init.EphemeralPub...)
	out = append(out, init.Nonce...)
	return out
}
