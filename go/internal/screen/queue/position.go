package queue

import (
	"github.com/mcdev12/spinwheel/go/internal/models"
)

// Position returns self's 1-based place in its screen's waiting line: one plus the number of
// other waiting entries on the same screen created strictly earlier.
func Position(entries []models.QueueEntry, self models.QueueEntry) int {
	ahead := 0
	for _, e := range entries {
		if e.ID == self.ID || e.ScreenNumber != self.ScreenNumber {
			continue
		}
		if e.Status != models.QueueStatusWaiting {
			continue
		}
		if e.CreatedAt.Before(self.CreatedAt) {
			ahead++
		}
	}
	return ahead + 1
}
