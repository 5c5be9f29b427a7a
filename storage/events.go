package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// AppendSecurityEvent adds ev to the audit trail. A missing severity is
// info, missing details are an empty object and a zero time is now.
func (s *Store) AppendSecurityEvent(ev SecurityEvent) error {
	if strings.TrimSpace(ev.Kind) == "" {
		return errors.New("append security event: kind is required")
	}
	if ev.Severity == "" {
		ev.Severity = SecuritySeverityInfo
	}
	if err := checkSeverity(ev.Severity); err != nil {
		return fmt.Errorf("append security event %s: %w", ev.Kind, err)
	}
	if ev.Details == "" {
		ev.Details = "{}"
	}
	if !json.Valid([]byte(ev.Details)) {
		return fmt.Errorf("append security event %s: details are not JSON", ev.Kind)
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (kind, peer_id, severity, details, at) VALUES (?, ?, ?, ?, ?)`,
		ev.Kind, optional(strings.TrimSpace(ev.PeerID)), ev.Severity, ev.Details, ev.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append security event %s: %w", ev.Kind, err)
	}
	return nil
}

// RecordSecurityEvent appends an event with details encoded as JSON. An
// empty peerID records an event not tied to a peer.
func (s *Store) RecordSecurityEvent(kind, severity, peerID string, details map[string]any) error {
	ev := SecurityEvent{Kind: kind, Severity: severity, PeerID: peerID}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode %s details: %w", kind, err)
		}
		ev.Details = string(raw)
	}
	return s.AppendSecurityEvent(ev)
}

// SecurityEvents returns matching events, newest first.
func (s *Store) SecurityEvents(q EventQuery) ([]SecurityEvent, error) {
	if q.Severity != "" {
		if err := checkSeverity(q.Severity); err != nil {
			return nil, err
		}
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultEventLimit
	case limit > maxEventLimit:
		limit = maxEventLimit
	}

	var (
		conds []string
		args  []any
	)
	where := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if q.Kind != "" {
		where("kind = ?", q.Kind)
	}
	if q.PeerID != "" {
		where("peer_id = ?", q.PeerID)
	}
	if q.Severity != "" {
		where("severity = ?", q.Severity)
	}
	if !q.Since.IsZero() {
		where("at >= ?", q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where("at <= ?", q.Until.UnixMilli())
	}

	query := `SELECT id, kind, peer_id, severity, details, at FROM security_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(q.Offset, 0))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	events, err := collect(rows, scanSecurityEvent)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	return events, nil
}

func scanSecurityEvent(row rowScanner) (SecurityEvent, error) {
	var (
		ev   SecurityEvent
		peer sql.Null[string]
		at   int64
	)
	if err := row.Scan(&ev.ID, &ev.Kind, &peer, &ev.Severity, &ev.Details, &at); err != nil {
		return SecurityEvent{}, err
	}
	ev.PeerID = peer.V
	ev.At = time.UnixMilli(at)
	return ev, nil
}

// RecordKeyRotation stores the decision taken on a changed peer key.
func (s *Store) RecordKeyRotation(r KeyRotation) error {
	if r.PeerID == "" || r.OldFingerprint == "" || r.NewFingerprint == "" {
		return errors.New("record key rotation: peer and both fingerprints are required")
	}
	if r.Decision != KeyRotationDecisionTrusted && r.Decision != KeyRotationDecisionRejected {
		return fmt.Errorf("record key rotation: unknown decision %q", r.Decision)
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO key_rotations (peer_id, old_fingerprint, new_fingerprint, decision, at) VALUES (?, ?, ?, ?, ?)`,
		r.PeerID, r.OldFingerprint, r.NewFingerprint, r.Decision, r.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record key rotation for %s: %w", r.PeerID, err)
	}
	return nil
}

// KeyRotations returns up to limit rotations of peerID, newest first.
func (s *Store) KeyRotations(peerID string, limit int) ([]KeyRotation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
SELECT id, peer_id, old_fingerprint, new_fingerprint, decision, at
FROM key_rotations WHERE peer_id = ? ORDER BY at DESC, id DESC LIMIT ?`,
		peerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("key rotations of %s: %w", peerID, err)
	}
	rotations, err := collect(rows, func(row rowScanner) (KeyRotation, error) {
		var (
			r  KeyRotation
			at int64
		)
		err := row.Scan(&r.ID, &r.PeerID, &r.OldFingerprint, &r.NewFingerprint, &r.Decision, &at)
		r.At = time.UnixMilli(at)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("key rotations of %s: %w", peerID, err)
	}
	return rotations, nil
}
