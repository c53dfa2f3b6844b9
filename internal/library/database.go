package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"turntable/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database stores the records of device-local tracks. The audio itself
// lives in the blob cache under the same id.
type Database struct {
	conn   *sql.DB
	logger *logrus.Logger

	insertTrackStmt  *sql.Stmt
	getTrackByIDStmt *sql.Stmt
	removeTrackStmt  *sql.Stmt
	listTracksStmt   *sql.Stmt
}

// NewDatabase opens (or creates) the library database at dbPath
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if logger == nil {
		logger = logrus.New()
	}

	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=2000;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	db := &Database{
		conn:   conn,
		logger: logger,
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if err := db.prepareStatements(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.WithField("db_path", dbPath).Info("Library database initialized")
	return db, nil
}

// createTables is idempotent
func (db *Database) createTables() error {
	tracksTable := `
	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		artist TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL DEFAULT 0,
		owner TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracks_owner ON tracks(owner);",
		"CREATE INDEX IF NOT EXISTS idx_tracks_created ON tracks(created_at);",
	}

	if _, err := db.conn.Exec(tracksTable); err != nil {
		return fmt.Errorf("failed to create tracks table: %w", err)
	}
	for _, index := range indices {
		if _, err := db.conn.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (db *Database) prepareStatements() error {
	var err error

	db.insertTrackStmt, err = db.conn.Prepare(`
		INSERT INTO tracks (id, file_name, title, artist, duration, owner, file_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	db.getTrackByIDStmt, err = db.conn.Prepare(`
		SELECT id, file_name, title, artist, duration, owner, created_at
		FROM tracks WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	db.removeTrackStmt, err = db.conn.Prepare(`DELETE FROM tracks WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare remove statement: %w", err)
	}

	db.listTracksStmt, err = db.conn.Prepare(`
		SELECT id, file_name, title, artist, duration, owner, created_at
		FROM tracks ORDER BY created_at DESC, id`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	return nil
}

// InsertTrack stores a new local track record
func (db *Database) InsertTrack(ctx context.Context, track models.Track, size int) error {
	_, err := db.insertTrackStmt.ExecContext(ctx,
		track.ID, track.FileName, track.Title, track.Artist, track.Duration, track.Owner, size, track.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert track: %w", err)
	}

	db.logger.WithFields(logrus.Fields{
		"track_id":  track.ID,
		"file_name": track.FileName,
	}).Debug("Inserted local track")
	return nil
}

// GetTrack returns the record for id, or nil when absent
func (db *Database) GetTrack(ctx context.Context, id string) (*models.Track, error) {
	track, err := scanTrack(db.getTrackByIDStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}
	return track, nil
}

// ListTracks returns every record, newest first
func (db *Database) ListTracks(ctx context.Context) ([]models.Track, error) {
	rows, err := db.listTracksStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	defer rows.Close()

	var tracks []models.Track
	for rows.Next() {
		track, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		tracks = append(tracks, *track)
	}
	return tracks, rows.Err()
}

// RemoveTrack deletes a record. It reports whether a row existed.
func (db *Database) RemoveTrack(ctx context.Context, id string) (bool, error) {
	res, err := db.removeTrackStmt.ExecContext(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to remove track: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Close closes prepared statements and the connection
func (db *Database) Close() error {
	stmts := []*sql.Stmt{db.insertTrackStmt, db.getTrackByIDStmt, db.removeTrackStmt, db.listTracksStmt}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return db.conn.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrack(row rowScanner) (*models.Track, error) {
	var track models.Track
	err := row.Scan(&track.ID, &track.FileName, &track.Title, &track.Artist, &track.Duration, &track.Owner, &track.CreatedAt)
	if err != nil {
		return nil, err
	}
	track.Local = true
	return &track, nil
}
