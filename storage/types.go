package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"mirage/models"
)

// ErrNotFound is returned when a lookup or update matches no row.
var ErrNotFound = errors.New("storage: not found")

// Key rotation decisions.
const (
	KeyRotationDecisionTrusted  = "trusted"
	KeyRotationDecisionRejected = "rejected"
)

// Security event severities.
const (
	SecuritySeverityInfo     = "info"
	SecuritySeverityWarning  = "warning"
	SecuritySeverityCritical = "critical"
)

// Security event kinds.
const (
	EventPairingRejected    = "pairing_rejected"
	EventPairingLockout     = "pairing_lockout"
	EventPairingTrusted     = "pairing_trusted"
	EventFingerprintChanged = "fingerprint_changed"
	EventFencingViolation   = "fencing_violation"
	EventForcedTakeover     = "forced_takeover"
	EventSessionTerminated  = "session_terminated"
	EventPeerForgotten      = "peer_forgotten"
)

// Peer is a remote device whose identity key has been pinned.
type Peer struct {
	DeviceID    string
	DeviceName  string
	Platform    models.Platform
	PublicKey   string // base64 Ed25519 public key
	Fingerprint string
	Trust       models.TrustStatus
	AddedAt     time.Time
	TrustedAt   time.Time
	LastSeen    time.Time
	Address     string
	Port        int
}

// Endpoint returns the last announced host:port of the peer.
func (p Peer) Endpoint() (string, bool) {
	if p.Address == "" || p.Port <= 0 {
		return "", false
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port)), true
}

// KeyRotation is one decision taken when a peer presented a different key.
type KeyRotation struct {
	ID             int64
	PeerID         string
	OldFingerprint string
	NewFingerprint string
	Decision       string
	At             time.Time
}

// SecurityEvent is one entry of the audit trail. Details is a JSON object.
type SecurityEvent struct {
	ID       int64
	Kind     string
	PeerID   string
	Severity string
	Details  string
	At       time.Time
}

// EventQuery filters SecurityEvents. Empty fields match everything.
type EventQuery struct {
	Kind     string
	PeerID   string
	Severity string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// SessionRecord is the history of one ownership session.
type SessionRecord struct {
	ID          string
	PeerID      string
	Opener      bool
	OpenedAt    time.Time
	ClosedAt    time.Time
	Generation  uint64
	Takeovers   int
	CloseReason string
}

// Open reports whether the session has not been closed yet.
func (r SessionRecord) Open() bool { return r.ClosedAt.IsZero() }

func checkSeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	}
	return fmt.Errorf("unknown severity %q", severity)
}

func checkTrust(trust models.TrustStatus) error {
	switch trust {
	case models.TrustUnknown, models.TrustCodeExchanged, models.TrustTrusted:
		return nil
	}
	return fmt.Errorf("unknown trust status %q", trust)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// collect scans every row with scan.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func millis(t time.Time) sql.Null[int64] {
	if t.IsZero() {
		return sql.Null[int64]{}
	}
	return sql.Null[int64]{V: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.Null[int64]) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.V)
}

func optional(s string) sql.Null[string] {
	return sql.Null[string]{V: s, Valid: s != ""}
}

// affectedOne maps a write that touched no row to ErrNotFound.
func affectedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
