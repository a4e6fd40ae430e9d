// Package store persists pick history: individual detections and block
// lifecycle events, in sqlite.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the pick history database at path and
// ensures the base schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS detections (
			detection_id INTEGER PRIMARY KEY AUTOINCREMENT,
			pin INTEGER NOT NULL,
			correct BOOLEAN NOT NULL,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS blocks (
			block_id TEXT PRIMARY KEY,
			pins TEXT NOT NULL,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create base schema: %w", err)
	}

	return &Store{db}, nil
}

// RecordDetection inserts one detection event.
func (s *Store) RecordDetection(pin int, correct bool) error {
	_, err := s.Exec("INSERT INTO detections (pin, correct) VALUES (?, ?)", pin, correct)
	return err
}

// BlockStarted records the start of a pick block and which adapter requested
// it. The source column arrives by migration, so run MigrateUp before
// recording.
func (s *Store) BlockStarted(blockID string, pins []int, source string) error {
	_, err := s.Exec("INSERT INTO blocks (block_id, pins, source) VALUES (?, ?, ?)",
		blockID, joinPins(pins), source)
	return err
}

// BlockCompleted stamps the completion time of a pick block.
func (s *Store) BlockCompleted(blockID string) error {
	res, err := s.Exec("UPDATE blocks SET completed_at = CURRENT_TIMESTAMP WHERE block_id = ?", blockID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("block %s not found", blockID)
	}
	return nil
}

// Detection is one row of pick detection history.
type Detection struct {
	ID        int64
	Pin       int
	Correct   bool
	Timestamp time.Time
}

// RecentDetections returns up to limit detections, newest first.
func (s *Store) RecentDetections(limit int) ([]Detection, error) {
	rows, err := s.Query(
		"SELECT detection_id, pin, correct, timestamp FROM detections ORDER BY detection_id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.ID, &d.Pin, &d.Correct, &d.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockRecord is one row of block history.
type BlockRecord struct {
	ID          string
	Pins        []int
	Source      string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Blocks returns up to limit blocks, newest first.
func (s *Store) Blocks(limit int) ([]BlockRecord, error) {
	rows, err := s.Query(
		"SELECT block_id, pins, source, started_at, completed_at FROM blocks ORDER BY started_at DESC, block_id LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BlockRecord
	for rows.Next() {
		var (
			rec  BlockRecord
			pins string
			done sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &pins, &rec.Source, &rec.StartedAt, &done); err != nil {
			return nil, err
		}
		rec.Pins = splitPins(pins)
		if done.Valid {
			t := done.Time
			rec.CompletedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func joinPins(pins []int) string {
	parts := make([]string, len(pins))
	for i, p := range pins {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func splitPins(s string) []int {
	if s == "" {
		return nil
	}
	var pins []int
	for _, part := range strings.Split(s, ",") {
		p, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		pins = append(pins, p)
	}
	return pins
}
