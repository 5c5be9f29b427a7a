package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const selectSession = `SELECT id, peer_id, opener, opened_at, closed_at, generation, takeovers, close_reason FROM sessions`

// SessionOpened records the start of a session.
func (s *Store) SessionOpened(rec SessionRecord) error {
	if rec.ID == "" || rec.PeerID == "" {
		return errors.New("session opened: id and peer are required")
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, peer_id, opener, opened_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.PeerID, rec.Opener, rec.OpenedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("session %s opened: %w", rec.ID, err)
	}
	return nil
}

// SessionTakeover counts one forced takeover in session id.
func (s *Store) SessionTakeover(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET takeovers = takeovers + 1 WHERE id = ? AND closed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("session %s takeover: %w", id, err)
	}
	return affectedOne(res, "session "+id+" takeover")
}

// SessionClosed marks session id closed at the given generation. Closing a
// closed session is ErrNotFound.
func (s *Store) SessionClosed(id string, generation uint64, reason string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.Exec(`
UPDATE sessions SET closed_at = ?, generation = ?, close_reason = ?
WHERE id = ? AND closed_at IS NULL`,
		at.UnixMilli(), int64(generation), reason, id,
	)
	if err != nil {
		return fmt.Errorf("session %s closed: %w", id, err)
	}
	return affectedOne(res, "session "+id+" closed")
}

// Sessions returns up to limit sessions, newest first. An empty peerID
// lists sessions with every peer.
func (s *Store) Sessions(peerID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if peerID == "" {
		rows, err = s.db.Query(selectSession+` ORDER BY opened_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(selectSession+` WHERE peer_id = ? ORDER BY opened_at DESC LIMIT ?`, peerID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	records, err := collect(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return records, nil
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		r          SessionRecord
		opened     int64
		closed     sql.Null[int64]
		generation int64
	)
	if err := row.Scan(&r.ID, &r.PeerID, &r.Opener, &opened, &closed, &generation, &r.Takeovers, &r.CloseReason); err != nil {
		return SessionRecord{}, err
	}
	r.OpenedAt = time.UnixMilli(opened)
	r.ClosedAt = fromMillis(closed)
	r.Generation = uint64(generation)
	return r, nil
}
