package realtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mcdev12/spinwheel/go/internal/models"
)

func TestFilterMatches(t *testing.T) {
	id := uuid.New()
	screen := models.Screen{ScreenNumber: 3, Status: models.ScreenStatusIdle}
	entry := models.QueueEntry{ID: id, ScreenNumber: 3, Status: models.QueueStatusWaiting}

	screenChange, err := NewRowChange(TableScreens, RowUpdate, screen, nil)
	if err != nil {
		t.Fatal(err)
	}
	entryChange, err := NewRowChange(TableQueueEntries, RowDelete, nil, entry)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		change RowChange
		want   bool
	}{
		{"zero filter", Filter{}, screenChange, true},
		{"number equal", Eq("screen_number", 3), screenChange, true},
		{"number differs", Eq("screen_number", 4), screenChange, false},
		{"string equal", Eq("status", "idle"), screenChange, true},
		{"uuid on delete uses old row", Eq("id", id), entryChange, true},
		{"missing column", Eq("nope", 1), screenChange, false},
		{"null column", Eq("last_spin_result", 0), screenChange, false},
	}
	for _, tt := range tests {
		if got := tt.filter.Matches(tt.change); got != tt.want {
			t.Errorf("%s: got=%v want=%v", tt.name, got, tt.want)
		}
	}
}

func TestDecodeScreen(t *testing.T) {
	result := 4
	change, _ := NewRowChange(TableScreens, RowUpdate, models.Screen{ScreenNumber: 2, Status: models.ScreenStatusResult, LastSpinResult: &result}, nil)
	s, err := DecodeScreen(change)
	if err != nil {
		t.Fatalf("DecodeScreen: %v", err)
	}
	if s.ScreenNumber != 2 || s.Status != models.ScreenStatusResult || *s.LastSpinResult != 4 {
		t.Fatalf("got=%+v", s)
	}
	if _, err := DecodeScreen(RowChange{New: []byte("{")}); err == nil {
		t.Fatalf("expected error for malformed row")
	}
}

func TestPreviewPayload(t *testing.T) {
	in := PreviewPayload{PlayerName: "Ana", PlayerEmoji: "🦊", SelectedAnimals: []int{0, 5, 11}}
	s, err := NewPreviewPayload(in)
	if err != nil {
		t.Fatalf("NewPreviewPayload: %v", err)
	}
	out := ParsePreviewPayload(s)
	if out.PlayerName != in.PlayerName || out.PlayerEmoji != in.PlayerEmoji || len(out.SelectedAnimals) != 3 || out.SelectedAnimals[2] != 11 {
		t.Fatalf("got=%+v", out)
	}
	if empty := ParsePreviewPayload(nil); empty.PlayerName != "" || empty.SelectedAnimals != nil {
		t.Fatalf("nil payload got=%+v", empty)
	}
}

func TestScreenChannel(t *testing.T) {
	if got := ScreenChannel(12); got != "screen-12" {
		t.Fatalf("got=%q", got)
	}
}
