package models

import "github.com/google/uuid"

// Segment is one option on a wheel.
type Segment struct {
	ID    uuid.UUID `json:"id"`
	Label string    `json:"label"`
	// WheelImageRef is drawn on the spinning wheel, SelectorImageRef on the result/selector icon.
	WheelImageRef    string `json:"wheel_image_ref"`
	SelectorImageRef string `json:"selector_image_ref"`
}

// Wheel is an ordered set of segments shown on a screen.
type Wheel struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Segments      []Segment `json:"segments"`
	BackgroundRef string    `json:"background_ref"`
	IsActive      bool      `json:"is_active"`
}

// SegmentAt returns the segment for a result index, if it exists.
func (w *Wheel) SegmentAt(index int) (Segment, bool) {
	if index < 0 || index >= len(w.Segments) {
		return Segment{}, false
	}
	return w.Segments[index], true
}
