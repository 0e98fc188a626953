package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mcdev12/spinwheel/go/internal/models"
	"google.golang.org/protobuf/types/known/structpb"
)

// Channel and event names shared by publishers and subscribers.
const (
	ChannelPresence = "screen-presence"

	EventForceReload   = "force_reload"
	EventPreviewUpdate = "preview_update"

	TableScreens      = "screens"
	TableQueueEntries = "queue_entries"
	TableOffers       = "screen_switch_offers"
)

// ScreenChannel returns the broadcast channel name for a screen.
func ScreenChannel(screenNumber int) string {
	return "screen-" + strconv.Itoa(screenNumber)
}

// PresenceEventKind distinguishes presence notifications.
type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent carries presence records. A sync event carries the full current set,
// join and leave carry only the records that changed.
type PresenceEvent struct {
	Kind    PresenceEventKind       `json:"kind"`
	Records []models.PresenceRecord `json:"records"`
}

// BroadcastEvent is an arbitrary payload sent to every subscriber of a channel.
type BroadcastEvent struct {
	Channel string
	Event   string
	Payload *structpb.Struct
}

// RowEvent is the kind of row change.
type RowEvent string

const (
	RowInsert RowEvent = "insert"
	RowUpdate RowEvent = "update"
	RowDelete RowEvent = "delete"
)

// RowChange is one change notification for a table row.
type RowChange struct {
	Table string          `json:"table"`
	Event RowEvent        `json:"event"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Filter restricts row changes to rows whose Column equals Value. A zero Filter matches all rows.
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Value: fmt.Sprint(value)}
}

// Matches reports whether the change's new (or, for deletes, old) row satisfies the filter.
func (f Filter) Matches(change RowChange) bool {
	if f.Column == "" {
		return true
	}
	row := change.New
	if len(row) == 0 {
		row = change.Old
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	v, ok := fields[f.Column]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == f.Value
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64) == f.Value
	case bool:
		return strconv.FormatBool(t) == f.Value
	default:
		return fmt.Sprint(t) == f.Value
	}
}

// DecodeScreen decodes the new row of a screens change.
func DecodeScreen(change RowChange) (*models.Screen, error) {
	var s models.Screen
	if err := json.Unmarshal(change.New, &s); err != nil {
		return nil, fmt.Errorf("decode screen row: %w", err)
	}
	return &s, nil
}

// DecodeQueueEntry decodes the new row of a queue_entries change.
func DecodeQueueEntry(change RowChange) (*models.QueueEntry, error) {
	var q models.QueueEntry
	if err := json.Unmarshal(change.New, &q); err != nil {
		return nil, fmt.Errorf("decode queue entry row: %w", err)
	}
	return &q, nil
}

// DecodeOffer decodes the new row of a screen_switch_offers change.
func DecodeOffer(change RowChange) (*models.ScreenSwitchOffer, error) {
	var o models.ScreenSwitchOffer
	if err := json.Unmarshal(change.New, &o); err != nil {
		return nil, fmt.Errorf("decode offer row: %w", err)
	}
	return &o, nil
}

// NewRowChange marshals typed rows into a RowChange.
func NewRowChange(table string, event RowEvent, newRow, oldRow any) (RowChange, error) {
	change := RowChange{Table: table, Event: event}
	if newRow != nil {
		b, err := json.Marshal(newRow)
		if err != nil {
			return RowChange{}, fmt.Errorf("marshal new row: %w", err)
		}
		change.New = b
	}
	if oldRow != nil {
		b, err := json.Marshal(oldRow)
		if err != nil {
			return RowChange{}, fmt.Errorf("marshal old row: %w", err)
		}
		change.Old = b
	}
	return change, nil
}

// PreviewPayload is the body of a preview_update broadcast.
type PreviewPayload struct {
	PlayerName      string `json:"player_name"`
	PlayerEmoji     string `json:"player_emoji"`
	SelectedAnimals []int  `json:"selected_animals"`
}

// NewPreviewPayload encodes a preview into a broadcast payload.
func NewPreviewPayload(p PreviewPayload) (*structpb.Struct, error) {
	selected := make([]any, len(p.SelectedAnimals))
	for i, s := range p.SelectedAnimals {
		selected[i] = s
	}
	return structpb.NewStruct(map[string]any{
		"player_name":      p.PlayerName,
		"player_emoji":     p.PlayerEmoji,
		"selected_animals": selected,
	})
}

// ParsePreviewPayload decodes a preview_update payload. Missing fields are left empty.
func ParsePreviewPayload(s *structpb.Struct) PreviewPayload {
	var p PreviewPayload
	if s == nil {
		return p
	}
	fields := s.GetFields()
	p.PlayerName = fields["player_name"].GetStringValue()
	p.PlayerEmoji = fields["player_emoji"].GetStringValue()
	for _, v := range fields["selected_animals"].GetListValue().GetValues() {
		p.SelectedAnimals = append(p.SelectedAnimals, int(v.GetNumberValue()))
	}
	return p
}
