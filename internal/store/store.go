// Package store provides SQLite-backed persistence for user profiles
// and the chat log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rapportbot/rapport/internal/profile"
)

var (
	// ErrNotFound is returned when no profile exists for a user.
	ErrNotFound = errors.New("profile not found")

	// ErrVersionConflict is returned when a profile write loses a
	// compare-and-swap race. The caller should re-read and re-merge.
	ErrVersionConflict = errors.New("profile version conflict")

	// ErrDuplicateEntry is returned when a chat log entry with the same
	// user and sequence id already exists.
	ErrDuplicateEntry = errors.New("duplicate chat log entry")
)

// PersistenceError wraps storage failures that are not one of the typed
// sentinels above. These are usually transient (locked database, disk
// pressure) and safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Entry is one observed chat message with its extracted signal.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	Message    string    `json:"message"`
	SequenceID int64     `json:"sequence_id"`
	Sentiment  float64   `json:"sentiment"`
	Topics     []string  `json:"topics,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store manages profile and chat log persistence.
type Store struct {
	db *sql.DB
}

// New opens the database at path and migrates the schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB creates a store using an existing database connection.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			sentiment_count INTEGER NOT NULL DEFAULT 0,
			sentiment_sum REAL NOT NULL DEFAULT 0,
			topics TEXT NOT NULL DEFAULT '[]',
			metadata TEXT,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chat_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			message TEXT NOT NULL,
			sequence_id INTEGER NOT NULL,
			sentiment REAL NOT NULL DEFAULT 0,
			topics TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(user_id, sequence_id)
		);
		CREATE INDEX IF NOT EXISTS idx_chat_log_user ON chat_log(user_id, sequence_id);

		CREATE TABLE IF NOT EXISTS ingest_marks (
			user_id TEXT PRIMARY KEY,
			high_water INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetProfile retrieves the profile for a user. Returns ErrNotFound when
// the user has never been observed.
func (s *Store) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, sentiment_count, sentiment_sum, topics, metadata, version
		FROM profiles WHERE user_id = ?
	`, userID)

	var p profile.Profile
	var topicsJSON string
	var metadata sql.NullString
	err := row.Scan(&p.UserID, &p.SentimentCount, &p.SentimentSum, &topicsJSON, &metadata, &p.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get profile", Err: err}
	}

	if err := json.Unmarshal([]byte(topicsJSON), &p.Topics); err != nil {
		return nil, &PersistenceError{Op: "decode topics", Err: err}
	}
	if metadata.Valid && metadata.String != "" {
		p.Metadata = json.RawMessage(metadata.String)
	}
	return &p, nil
}

// CommitMerge atomically writes a merged profile, appends the chat log
// entry it came from, and raises the user's ingest high-water mark. The
// profile write is guarded by a version compare-and-swap: expectedVersion
// must equal the version the caller read (0 for a brand-new user), and
// the stored version becomes expectedVersion+1. A lost race returns
// ErrVersionConflict; a replayed entry returns ErrDuplicateEntry. Either
// way nothing is written.
func (s *Store) CommitMerge(ctx context.Context, p *profile.Profile, expectedVersion int64, entry Entry) error {
	topicsJSON, err := json.Marshal(p.Topics)
	if err != nil {
		return &PersistenceError{Op: "encode topics", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)

	if expectedVersion == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO profiles (user_id, sentiment_count, sentiment_sum, topics, metadata, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, p.UserID, p.SentimentCount, p.SentimentSum, string(topicsJSON), nullable(p.Metadata), now)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			return &PersistenceError{Op: "insert profile", Err: err}
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE profiles
			SET sentiment_count = ?, sentiment_sum = ?, topics = ?, metadata = ?, version = ?, updated_at = ?
			WHERE user_id = ? AND version = ?
		`, p.SentimentCount, p.SentimentSum, string(topicsJSON), nullable(p.Metadata),
			expectedVersion+1, now, p.UserID, expectedVersion)
		if err != nil {
			return &PersistenceError{Op: "update profile", Err: err}
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return ErrVersionConflict
		}
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := raiseMark(ctx, tx, entry.UserID, entry.SequenceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// AppendEntry records a chat log entry and raises the high-water mark
// without touching the profile. Used when signal extraction failed but
// the message itself should still be remembered and never reprocessed.
func (s *Store) AppendEntry(ctx context.Context, entry Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := raiseMark(ctx, tx, entry.UserID, entry.SequenceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry Entry) error {
	id := entry.ID
	if id == uuid.Nil {
		id, _ = uuid.NewV7()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var topicsJSON any
	if len(entry.Topics) > 0 {
		b, err := json.Marshal(entry.Topics)
		if err != nil {
			return &PersistenceError{Op: "encode entry topics", Err: err}
		}
		topicsJSON = string(b)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_log (id, user_id, message, sequence_id, sentiment, topics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id.String(), entry.UserID, entry.Message, entry.SequenceID, entry.Sentiment,
		topicsJSON, createdAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEntry
		}
		return &PersistenceError{Op: "insert entry", Err: err}
	}
	return nil
}

// raiseMark moves the high-water mark forward only; replayed older
// sequence ids never lower it.
func raiseMark(ctx context.Context, tx *sql.Tx, userID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_marks (user_id, high_water) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET high_water = excluded.high_water
		WHERE excluded.high_water > ingest_marks.high_water
	`, userID, seq)
	if err != nil {
		return &PersistenceError{Op: "raise mark", Err: err}
	}
	return nil
}

// HighWaterMark returns the highest ingested sequence id for a user, or
// 0 when nothing has been ingested.
func (s *Store) HighWaterMark(ctx context.Context, userID string) (int64, error) {
	var mark int64
	err := s.db.QueryRowContext(ctx,
		`SELECT high_water FROM ingest_marks WHERE user_id = ?`, userID).Scan(&mark)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &PersistenceError{Op: "high water mark", Err: err}
	}
	return mark, nil
}

// History returns the most recent chat log entries for a user, newest
// first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message, sequence_id, sentiment, topics, created_at
		FROM chat_log
		WHERE user_id = ?
		ORDER BY sequence_id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var idStr, createdStr string
		var topicsJSON sql.NullString
		if err := rows.Scan(&idStr, &e.UserID, &e.Message, &e.SequenceID, &e.Sentiment, &topicsJSON, &createdStr); err != nil {
			return nil, &PersistenceError{Op: "scan entry", Err: err}
		}
		e.ID, _ = uuid.Parse(idStr)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		if topicsJSON.Valid && topicsJSON.String != "" {
			if err := json.Unmarshal([]byte(topicsJSON.String), &e.Topics); err != nil {
				return nil, &PersistenceError{Op: "decode entry topics", Err: err}
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var profiles, entries int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&profiles)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_log`).Scan(&entries)

	return map[string]any{
		"profiles": profiles,
		"entries":  entries,
		"storage":  "sqlite",
	}
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// isUniqueViolation detects constraint failures across both sqlite
// drivers without importing their error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
