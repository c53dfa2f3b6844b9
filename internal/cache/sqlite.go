package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"turntable/internal/apperr"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore persists track blobs in a single SQLite table so that entries
// survive restarts. It is safe for concurrent use.
type SQLiteStore struct {
	conn     *sql.DB
	logger   *logrus.Logger
	maxBytes int64

	// Serializes quota check + upsert so the byte total stays consistent
	writeMu sync.Mutex

	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	sizeStmt   *sql.Stmt
}

// NewSQLiteStore opens (or creates) the blob database at dbPath. maxBytes <= 0
// disables the quota. Caller should Close() it when finished.
func NewSQLiteStore(dbPath string, maxBytes int64, logger *logrus.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open blob cache: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
		"PRAGMA auto_vacuum=INCREMENTAL;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	store := &SQLiteStore{
		conn:     conn,
		logger:   logger,
		maxBytes: maxBytes,
	}

	if err := store.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create blob tables: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"db_path":   dbPath,
		"max_bytes": maxBytes,
	}).Info("Blob cache initialized")
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	blobsTable := `
	CREATE TABLE IF NOT EXISTS blobs (
		track_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		size INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	_, err := s.conn.Exec(blobsTable)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getStmt, err = s.conn.Prepare(`SELECT data FROM blobs WHERE track_id = ?`)
	if err != nil {
		return err
	}

	s.upsertStmt, err = s.conn.Prepare(`
		INSERT INTO blobs (track_id, data, size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(track_id) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}

	s.deleteStmt, err = s.conn.Prepare(`DELETE FROM blobs WHERE track_id = ?`)
	if err != nil {
		return err
	}

	s.sizeStmt, err = s.conn.Prepare(`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM blobs`)
	return err
}

// GetTrack returns the blob stored for trackID, or ok=false when absent
func (s *SQLiteStore) GetTrack(ctx context.Context, trackID string) ([]byte, bool, error) {
	var data []byte
	err := s.getStmt.QueryRowContext(ctx, trackID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.Storage("get", trackID, err)
	}
	return data, true, nil
}

// PutTrack upserts the blob for trackID. Exceeding the quota yields a
// StorageError wrapping apperr.ErrQuotaExceeded and leaves the store unchanged.
func (s *SQLiteStore) PutTrack(ctx context.Context, trackID string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.maxBytes > 0 {
		var total int64
		var entries int
		if err := s.sizeStmt.QueryRowContext(ctx).Scan(&total, &entries); err != nil {
			return apperr.Storage("put", trackID, err)
		}

		var previous int64
		err := s.conn.QueryRowContext(ctx, `SELECT size FROM blobs WHERE track_id = ?`, trackID).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return apperr.Storage("put", trackID, err)
		}

		if total-previous+int64(len(data)) > s.maxBytes {
			return apperr.Storage("put", trackID, apperr.ErrQuotaExceeded)
		}
	}

	if _, err := s.upsertStmt.ExecContext(ctx, trackID, data, len(data), time.Now()); err != nil {
		return apperr.Storage("put", trackID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"track_id": trackID,
		"bytes":    len(data),
	}).Debug("Cached track blob")
	return nil
}

// DeleteTrack removes the blob for trackID. Deleting an absent id is not an error.
func (s *SQLiteStore) DeleteTrack(ctx context.Context, trackID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.deleteStmt.ExecContext(ctx, trackID); err != nil {
		return apperr.Storage("delete", trackID, err)
	}
	return nil
}

// Clear removes every blob
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM blobs`); err != nil {
		return apperr.Storage("clear", "", err)
	}
	if _, err := s.conn.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		s.logger.WithError(err).Warn("Incremental vacuum failed")
	}
	return nil
}

// Stats returns the number of entries and stored bytes
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{MaxBytes: s.maxBytes}
	if err := s.sizeStmt.QueryRowContext(ctx).Scan(&stats.Bytes, &stats.Entries); err != nil {
		return Stats{}, apperr.Storage("stats", "", err)
	}
	return stats, nil
}

// Close closes prepared statements and the database connection
func (s *SQLiteStore) Close() error {
	stmts := []*sql.Stmt{s.getStmt, s.upsertStmt, s.deleteStmt, s.sizeStmt}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.conn.Close()
}
