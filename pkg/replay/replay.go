// Package replay journals broadcast frame updates to SQLite. A run can be
// audited or replayed deterministically offline by feeding the recorded
// updates back through the same game module. Worlds themselves are never
// persisted; the journal holds only the deltas every client already saw.
package replay

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Recorder appends frame updates to a journal database.
type Recorder struct {
	db *sql.DB
}

// Entry is one journaled frame update.
type Entry struct {
	Frame      uint64
	Update     []byte
	RecordedAt time.Time
}

// Open creates or opens a journal at the given path.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		frame INTEGER PRIMARY KEY,
		recorded_at DATETIME NOT NULL,
		update_json TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "replay",
		"path":        path,
	}).Info("frame journal opened")

	return &Recorder{db: db}, nil
}

// Record appends the wire-encoded update for a frame.
func (r *Recorder) Record(frame uint64, update []byte) error {
	_, err := r.db.Exec(
		`INSERT INTO frames (frame, recorded_at, update_json) VALUES (?, ?, ?)`,
		int64(frame), time.Now().UTC(), string(update),
	)
	if err != nil {
		return fmt.Errorf("failed to record frame %d: %w", frame, err)
	}
	return nil
}

// Frames returns the journaled entries with from <= frame < to, in frame
// order.
func (r *Recorder) Frames(from, to uint64) ([]Entry, error) {
	rows, err := r.db.Query(
		`SELECT frame, recorded_at, update_json FROM frames
		 WHERE frame >= ? AND frame < ? ORDER BY frame`,
		int64(from), int64(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var frame int64
		var recordedAt time.Time
		var update string
		if err := rows.Scan(&frame, &recordedAt, &update); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		entries = append(entries, Entry{
			Frame:      uint64(frame),
			Update:     []byte(update),
			RecordedAt: recordedAt,
		})
	}
	return entries, rows.Err()
}

// Close releases the journal database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
