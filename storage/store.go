package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// FileName is the database file created under the data directory.
	FileName = "mirage.db"

	DefaultRetention           = 90 * 24 * time.Hour
	DefaultMaintenanceInterval = 6 * time.Hour
)

// Options tunes housekeeping. Zero values select the defaults.
type Options struct {
	// Retention bounds how long security events, key rotations and closed
	// sessions are kept.
	Retention           time.Duration
	MaintenanceInterval time.Duration
	Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Store persists pinned peer identities, the security audit trail and the
// session history in SQLite.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the database in dataDir and returns its path.
func Open(dataDir string, opts Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, FileName)
	store, err := OpenPath(path, opts)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// OpenPath opens the database at path, brings the schema up to date and
// starts the maintenance loop.
func OpenPath(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dsn := "file:" + filepath.ToSlash(path) + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	s := &Store{
		db:     db,
		opts:   opts,
		logger: opts.Logger.Named("storage"),
		stop:   make(chan struct{}),
	}
	if err := s.checkJournalMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.maintain()
	return s, nil
}

// Close stops maintenance and closes the database. It is safe to call more
// than once.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) checkJournalMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

// maintain prunes expired history once at startup and then on every tick,
// truncating the write-ahead log afterwards.
func (s *Store) maintain() {
	defer s.wg.Done()

	s.housekeep()
	ticker := time.NewTicker(s.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.housekeep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) housekeep() {
	cutoff := time.Now().Add(-s.opts.Retention)
	removed, err := s.PruneBefore(cutoff)
	if err != nil {
		s.logger.Warn("prune history failed", zap.Error(err))
	} else if removed > 0 {
		s.logger.Info("pruned history", zap.Int64("rows", removed), zap.Time("cutoff", cutoff))
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug("wal checkpoint failed", zap.Error(err))
	}
}

// PruneBefore deletes security events, key rotations and closed sessions
// recorded before cutoff and reports how many rows went.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("prune: zero cutoff")
	}
	at := cutoff.UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM security_events WHERE at < ?`,
		`DELETE FROM key_rotations WHERE at < ?`,
		`DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`,
	} {
		res, err := tx.Exec(stmt, at)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return total, nil
}
