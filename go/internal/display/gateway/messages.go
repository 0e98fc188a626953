package gateway

import (
	"time"

	"github.com/mcdev12/spinwheel/go/internal/screen/reconciler"
	"github.com/mcdev12/spinwheel/go/internal/screen/session"
)

type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageOutcome  MessageType = "outcome"
)

// Message is the envelope pushed to renderers.
type Message struct {
	Type     MessageType         `json:"type"`
	Screen   int                 `json:"screen"`
	Snapshot *session.Snapshot   `json:"snapshot,omitempty"`
	Outcome  *reconciler.Outcome `json:"outcome,omitempty"`
	SentAt   time.Time           `json:"sent_at"`
}

func snapshotMessage(s session.Snapshot) *Message {
	return &Message{Type: MessageSnapshot, Screen: s.ScreenNumber, Snapshot: &s, SentAt: time.Now()}
}

func outcomeMessage(o reconciler.Outcome) *Message {
	return &Message{Type: MessageOutcome, Screen: o.Screen, Outcome: &o, SentAt: time.Now()}
}
