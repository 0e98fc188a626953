// Package history keeps a local sqlite log of spin outcomes shown on this display.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/spinwheel/go/internal/screen/reconciler"
)

// Entry is one recorded outcome.
type Entry struct {
	ID          int64     `json:"id"`
	InstanceID  string    `json:"instance_id"`
	Screen      int       `json:"screen"`
	Episode     uint64    `json:"episode"`
	ResultIndex int       `json:"result_index"`
	Selected    []int     `json:"selected"`
	Won         bool      `json:"won"`
	PlayerName  string    `json:"player_name"`
	RecordedAt  time.Time `json:"recorded_at"`
}

type Store struct {
	db *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS spin_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	screen_number INTEGER NOT NULL,
	episode INTEGER NOT NULL,
	result_index INTEGER NOT NULL,
	selected TEXT NOT NULL,
	won BOOLEAN NOT NULL,
	player_name TEXT NOT NULL DEFAULT '',
	recorded_at INTEGER NOT NULL,
	UNIQUE (instance_id, episode)
)`

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	// sqlite allows one writer; WAL plus a busy timeout avoids lock errors under concurrent readers
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spin_history: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS spin_history_screen ON spin_history (screen_number, recorded_at DESC)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spin_history index: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores an outcome once per (instance, episode). It reports whether a new row was written.
func (s *Store) Record(ctx context.Context, instanceID string, o reconciler.Outcome, at time.Time) (bool, error) {
	selected, err := json.Marshal(o.Selected)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO spin_history (
			instance_id, screen_number, episode, result_index, selected, won, player_name, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		instanceID, o.Screen, int64(o.Episode), o.ResultIndex, string(selected), o.Won, o.PlayerName, at.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		log.Debug().Str("instance", instanceID).Uint64("episode", o.Episode).Msg("outcome already recorded")
	}
	return n == 1, nil
}

// Recent returns up to limit outcomes for screen, newest first.
func (s *Store) Recent(ctx context.Context, screen, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, screen_number, episode, result_index, selected, won, player_name, recorded_at
		FROM spin_history
		WHERE screen_number = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`, screen, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			episode  int64
			selected string
			at       int64
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Screen, &episode, &e.ResultIndex, &selected, &e.Won, &e.PlayerName, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(selected), &e.Selected); err != nil {
			return nil, fmt.Errorf("failed to decode selection: %w", err)
		}
		e.Episode = uint64(episode)
		e.RecordedAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
