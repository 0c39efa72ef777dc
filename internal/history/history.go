// Package history keeps an optional on-disk journal of completed backups, so
// that backup numbers observed before a restart remain queryable.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS backups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server TEXT NOT NULL,
	client TEXT NOT NULL,
	number INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	first_seen TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_backups_server_client ON backups(server, client);
`

// Entry is one journaled backup.
type Entry struct {
	Server    string
	Client    string
	Number    int64
	Timestamp int64
	FirstSeen time.Time
}

// Journal records the progression of current backups per server and client.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends the current backup of a client unless the most recent row
// for that client already carries the same number, so repeated snapshots of
// an unchanged client do not grow the journal.
func (j *Journal) Record(server, client string, number, timestamp int64) error {
	var last int64
	err := j.db.QueryRow(
		"SELECT number FROM backups WHERE server = ? AND client = ? ORDER BY id DESC LIMIT 1",
		server, client,
	).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// first sighting, fall through to insert
	case err != nil:
		return fmt.Errorf("failed to query history: %w", err)
	case last == number:
		return nil
	}
	if _, err := j.db.Exec(
		"INSERT INTO backups (server, client, number, timestamp) VALUES (?, ?, ?, ?)",
		server, client, number, timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

// Recent returns up to n journaled backups for a client, newest first.
func (j *Journal) Recent(server, client string, n int) ([]Entry, error) {
	rows, err := j.db.Query(
		"SELECT server, client, number, timestamp, first_seen FROM backups WHERE server = ? AND client = ? ORDER BY id DESC LIMIT ?",
		server, client, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Server, &e.Client, &e.Number, &e.Timestamp, &e.FirstSeen); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
