package models

import (
	"time"

	"github.com/google/uuid"
)

// ScreenStatus defines the status of a physical screen.
type ScreenStatus string

const (
	ScreenStatusIdle           ScreenStatus = "idle"
	ScreenStatusSelecting      ScreenStatus = "selecting"
	ScreenStatusWaitingForSpin ScreenStatus = "waiting_for_spin"
	ScreenStatusSpinning       ScreenStatus = "spinning"
	ScreenStatusResult         ScreenStatus = "result"
	// ScreenStatusDuplicate is client-only and never stored by the backend.
	ScreenStatusDuplicate ScreenStatus = "duplicate"
)

// Screen represents a physical play station and its authoritative status.
type Screen struct {
	ScreenNumber   int          `json:"screen_number"`
	Status         ScreenStatus `json:"status"`
	CurrentWheelID *uuid.UUID   `json:"current_wheel_id,omitempty"`
	PlayerName     string       `json:"player_name"`
	PlayerEmoji    string       `json:"player_emoji"`
	LastSpinResult *int         `json:"last_spin_result,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Age returns how long the screen has been in its current status.
func (s *Screen) Age(now time.Time) time.Duration {
	if s.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(s.UpdatedAt)
}

// IsClean reports whether the screen has no player and no pending result.
func (s *Screen) IsClean() bool {
	return s.Status == ScreenStatusIdle && s.PlayerName == "" && s.LastSpinResult == nil
}
