package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// snapshotVersion is stamped into PRAGMA user_version so future schema
// changes can detect and migrate old snapshot files instead of relying on
// bit-for-bit layout.
const snapshotVersion = 1

// Save writes the full user directory and message store to a SQLite
// snapshot file at path, replacing any previous snapshot. It is called
// exactly once during orderly shutdown, after every session is closed and
// both reapers are cancelled, so nothing mutates the stores concurrently.
// Session bindings are never persisted.
func Save(path string, users *UserDirectory, messages *MessageStore) error {
	db, err := openSnapshot(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM User`); err != nil {
		return fmt.Errorf("failed to clear users: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM Message`); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	userStmt, err := tx.Prepare(`
		INSERT INTO User (name, exit_time, ban_until, ban_strikes, sent_count, window_start)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare user insert: %w", err)
	}
	defer userStmt.Close()

	for _, u := range users.All() {
		if _, err := userStmt.Exec(u.Name, u.ExitTime, u.BanUntil, u.BanStrikes, u.SentCount, u.WindowStart); err != nil {
			return fmt.Errorf("failed to save user %s: %w", u.Name, err)
		}
	}

	msgStmt, err := tx.Prepare(`
		INSERT INTO Message (sender, recipient, text, created_at, read_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	all := messages.AllMessages()
	for _, m := range all {
		if _, err := msgStmt.Exec(m.Sender, m.Recipient, m.Text, m.CreatedAt, m.ReadAt); err != nil {
			return fmt.Errorf("failed to save message from %s: %w", m.Sender, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	log.Printf("Snapshot: saved %d users and %d messages to %s", users.Count(), len(all), path)
	return nil
}

// Load reads a snapshot file written by Save and rebuilds the user
// directory and message store. It is called once, before the acceptor
// starts, when a restore is requested. A missing or unreadable snapshot is
// a startup error; the caller decides whether that is fatal.
func Load(path string) (*UserDirectory, *MessageStore, error) {
	// openSnapshot would create a fresh empty file; a restore from a path
	// that holds no snapshot must fail instead.
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}

	db, err := openSnapshot(path)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return nil, nil, fmt.Errorf("failed to read snapshot version: %w", err)
	}
	if version != snapshotVersion {
		return nil, nil, fmt.Errorf("unsupported snapshot version %d (want %d)", version, snapshotVersion)
	}

	users := NewUserDirectory()
	messages := NewMessageStore()

	rows, err := db.Query(`
		SELECT name, exit_time, ban_until, ban_strikes, sent_count, window_start
		FROM User
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()

	userCount := 0
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Name, &u.ExitTime, &u.BanUntil, &u.BanStrikes, &u.SentCount, &u.WindowStart); err != nil {
			return nil, nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users.restore(&u)
		userCount++
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating users: %w", err)
	}

	// id preserves insertion order within each list
	msgRows, err := db.Query(`
		SELECT sender, recipient, text, created_at, read_at
		FROM Message
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer msgRows.Close()

	msgCount := 0
	for msgRows.Next() {
		var m Message
		if err := msgRows.Scan(&m.Sender, &m.Recipient, &m.Text, &m.CreatedAt, &m.ReadAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages.restore(m)
		msgCount++
	}
	if err := msgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating messages: %w", err)
	}

	log.Printf("Snapshot: loaded %d users and %d messages from %s", userCount, msgCount, path)
	return users, messages, nil
}

// openSnapshot opens the snapshot file and makes sure the schema exists.
func openSnapshot(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot %s: %w", path, err)
	}

	// Single writer, no pooling; the snapshot is only touched at startup
	// and shutdown.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// A fresh file reports user_version 0; only then is the version
	// stamped, so a snapshot written by a newer schema keeps its own
	// version and fails the explicit check in Load instead of being
	// silently rewritten.
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read snapshot version: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS User (
			name         TEXT PRIMARY KEY,
			exit_time    INTEGER NOT NULL DEFAULT 0,
			ban_until    INTEGER NOT NULL DEFAULT 0,
			ban_strikes  INTEGER NOT NULL DEFAULT 0,
			sent_count   INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS Message (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			read_at    INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}

	if version == 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", snapshotVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to stamp snapshot version: %w", err)
		}
	}

	return db, nil
}
