// Package history provides the durable per-user chat history.
//
// The store is append-only: rows are never modified, and the only
// deletion path is an explicit, user-scoped Clear. Guest sessions never
// reach this package — the orchestration loop skips recording for them.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one persisted exchange line.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Date      string    `json:"date"` // YYYY-MM-DD, for day-level queries
}

// Store is the SQLite-backed history recorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a store on a database file, creating the schema if
// needed. WAL mode and a busy timeout make concurrent sessions safe.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New creates a store on an existing database handle. Tests use this
// with an in-memory database.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		date TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_user ON chat_history(user_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one exchange line for a user. The insert is a single
// statement, so SQLite's row atomicity covers it.
func (s *Store) Append(userID, role, content string, ts time.Time) error {
	if userID == "" {
		return fmt.Errorf("append history: empty user id")
	}

	rowID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate row id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO chat_history (id, user_id, role, content, timestamp, date)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rowID.String(), userID, role, content, ts, ts.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}

	return nil
}

// Read returns the full ordered transcript for a user.
func (s *Store) Read(userID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, role, content, timestamp, date
		FROM chat_history
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Role, &e.Content, &e.Timestamp, &e.Date); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Clear deletes only the given user's rows. Other users' history is
// untouched even under concurrent calls — the delete is scoped by
// user_id inside one transaction.
func (s *Store) Clear(userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM chat_history WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil {
		s.logger.Info("cleared chat history", "user", userID, "rows", n)
	}
	return nil
}

// Count returns the number of rows stored for a user.
func (s *Store) Count(userID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_history WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
