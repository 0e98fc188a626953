package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxSelectedOptions is how many wheel options a player may wager on.
const MaxSelectedOptions = 3

// ErrTooManySelections is returned when a queue entry selects more than MaxSelectedOptions.
var ErrTooManySelections = errors.New("too many selected options")

// QueueStatus defines where a queue entry is in its lifecycle.
type QueueStatus string

const (
	QueueStatusSelecting QueueStatus = "selecting"
	QueueStatusWaiting   QueueStatus = "waiting"
	QueueStatusPlaying   QueueStatus = "playing"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusAbandoned QueueStatus = "abandoned"
)

// QueueEntry is one player's ticket to play on a screen.
type QueueEntry struct {
	ID              uuid.UUID   `json:"id"`
	ScreenNumber    int         `json:"screen_number"`
	PlayerName      string      `json:"player_name"`
	PlayerEmoji     string      `json:"player_emoji"`
	Status          QueueStatus `json:"status"`
	SelectedAnimals []int       `json:"selected_animals"`
	CreatedAt       time.Time   `json:"created_at"`
	PackageID       *uuid.UUID  `json:"package_id,omitempty"`
	SpinNumber      *int        `json:"spin_number,omitempty"`
}

// Validate checks the entry's selection against the wager rules.
func (q *QueueEntry) Validate() error {
	if len(q.SelectedAnimals) > MaxSelectedOptions {
		return fmt.Errorf("%w: %d > %d", ErrTooManySelections, len(q.SelectedAnimals), MaxSelectedOptions)
	}
	return nil
}

// Selected reports whether the option index is in the player's selection.
func (q *QueueEntry) Selected(index int) bool {
	for _, s := range q.SelectedAnimals {
		if s == index {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the entry can no longer be promoted.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusAbandoned
}
