package storage

import (
	"database/sql"
	"fmt"
)

type migration struct {
	name string
	up   []string
}

// schema is append-only. PRAGMA user_version holds the number of applied
// steps.
var schema = []migration{
	{
		name: "peers",
		up: []string{`
CREATE TABLE peers (
  device_id    TEXT PRIMARY KEY,
  name         TEXT NOT NULL,
  platform     TEXT NOT NULL DEFAULT 'unknown',
  public_key   TEXT NOT NULL,
  fingerprint  TEXT NOT NULL,
  trust        TEXT NOT NULL DEFAULT 'unknown'
               CHECK (trust IN ('unknown', 'code_exchanged', 'trusted')),
  added_at     INTEGER NOT NULL,
  trusted_at   INTEGER,
  last_seen_at INTEGER,
  address      TEXT,
  port         INTEGER
)`},
	},
	{
		name: "key rotations",
		up: []string{`
CREATE TABLE key_rotations (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_id         TEXT NOT NULL REFERENCES peers(device_id) ON DELETE CASCADE,
  old_fingerprint TEXT NOT NULL,
  new_fingerprint TEXT NOT NULL,
  decision        TEXT NOT NULL CHECK (decision IN ('trusted', 'rejected')),
  at              INTEGER NOT NULL
)`,
			`CREATE INDEX key_rotations_by_peer ON key_rotations (peer_id, at DESC)`,
		},
	},
	{
		name: "security events",
		up: []string{`
CREATE TABLE security_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  kind     TEXT NOT NULL,
  peer_id  TEXT,
  severity TEXT NOT NULL CHECK (severity IN ('info', 'warning', 'critical')),
  details  TEXT NOT NULL DEFAULT '{}',
  at       INTEGER NOT NULL
)`,
			`CREATE INDEX security_events_by_time ON security_events (at DESC)`,
			`CREATE INDEX security_events_by_peer ON security_events (peer_id, kind, at DESC)`,
		},
	},
	{
		name: "sessions",
		up: []string{`
CREATE TABLE sessions (
  id           TEXT PRIMARY KEY,
  peer_id      TEXT NOT NULL,
  opener       INTEGER NOT NULL DEFAULT 0,
  opened_at    INTEGER NOT NULL,
  closed_at    INTEGER,
  generation   INTEGER NOT NULL DEFAULT 0,
  takeovers    INTEGER NOT NULL DEFAULT 0,
  close_reason TEXT NOT NULL DEFAULT ''
)`,
			`CREATE INDEX sessions_by_peer ON sessions (peer_id, opened_at DESC)`,
		},
	},
}

// migrate applies every step past the stored version, one transaction per
// step.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(schema) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", version, len(schema))
	}

	for i := version; i < len(schema); i++ {
		step := schema[i]
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
		for _, stmt := range step.up {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migrate %s: %w", step.name, err)
			}
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
	}
	return nil
}
