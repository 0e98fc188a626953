package models

// PresenceType identifies what kind of client announced a presence record.
type PresenceType string

const (
	PresenceTypeDisplay PresenceType = "display"
	PresenceTypePlayer  PresenceType = "player"
)

// PresenceRecord is the ephemeral announcement of one connected instance.
type PresenceRecord struct {
	InstanceID   string       `json:"id"`
	ScreenNumber int          `json:"screen"`
	Type         PresenceType `json:"type"`
	// JoinedAt is unix milliseconds at the time the instance joined.
	JoinedAt int64 `json:"joined_at"`
}
