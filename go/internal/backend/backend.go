package backend

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcdev12/spinwheel/go/internal/models"
)

// Backend is the external authority for screen, queue and offer state.
// Every mutating call must be safe to issue concurrently from several clients.
type Backend interface {
	ScreenReader
	QueueReader
	EntryReader
	QueueAdvancer
	Spinner
	OfferResolver
}

// ScreenReader fetches the authoritative screen row.
type ScreenReader interface {
	FetchScreenState(ctx context.Context, screenNumber int) (*models.Screen, error)
}

// QueueReader reads the waiting line of a screen.
type QueueReader interface {
	FetchWaitingCount(ctx context.Context, screenNumber int) (int, error)
	FetchWaitingEntries(ctx context.Context, screenNumber int) ([]models.QueueEntry, error)
}

// EntryReader pulls one player's entry and offer, for clients that may have missed pushed changes.
type EntryReader interface {
	FetchEntry(ctx context.Context, queueEntryID uuid.UUID) (*models.QueueEntry, error)
	// FetchPendingOffer returns the unexpired pending offer for the entry, or nil when there is none.
	FetchPendingOffer(ctx context.Context, queueEntryID uuid.UUID) (*models.ScreenSwitchOffer, error)
}

// QueueAdvancer moves players through a screen's queue.
type QueueAdvancer interface {
	PromoteNextPlayer(ctx context.Context, screenNumber int) (*PromoteResult, error)
	// ForceAdvanceQueue clears the screen and promotes the next waiter. It is a no-op on a clean screen.
	ForceAdvanceQueue(ctx context.Context, screenNumber int) (*AdvanceResult, error)
	SwitchPlayerScreen(ctx context.Context, queueEntryID uuid.UUID, newScreenNumber int) (*SwitchResult, error)
}

// Spinner asks the backend to resolve a spin.
type Spinner interface {
	RequestSpin(ctx context.Context, queueEntryID uuid.UUID, screenNumber int) (*SpinResult, error)
}

// OfferResolver records decisions on screen switch offers.
type OfferResolver interface {
	UpdateOfferStatus(ctx context.Context, offerID uuid.UUID, status models.OfferStatus) error
	ProcessExpiredOffers(ctx context.Context) error
}

// PromoteResult is the outcome of PromoteNextPlayer.
type PromoteResult struct {
	Success       bool               `json:"success"`
	PromotedEntry *models.QueueEntry `json:"promoted_entry,omitempty"`
}

// AdvanceResult is the outcome of ForceAdvanceQueue.
type AdvanceResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SwitchResult is the outcome of SwitchPlayerScreen.
type SwitchResult struct {
	Success bool `json:"success"`
}

// SpinResult is the outcome of RequestSpin. ResultIndex is set only on success.
type SpinResult struct {
	Success     bool   `json:"success"`
	ResultIndex *int   `json:"result_index,omitempty"`
	Message     string `json:"message,omitempty"`
}
