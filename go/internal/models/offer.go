package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferStatus defines the state of a screen switch offer.
type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusDeclined OfferStatus = "declined"
	OfferStatusExpired  OfferStatus = "expired"
)

// ScreenSwitchOffer offers a waiting player a move to a currently idle screen.
type ScreenSwitchOffer struct {
	ID                 uuid.UUID   `json:"id"`
	OfferedToQueueID   uuid.UUID   `json:"offered_to_queue_id"`
	TargetScreenNumber int         `json:"target_screen_number"`
	Status             OfferStatus `json:"status"`
	OfferExpiresAt     time.Time   `json:"offer_expires_at"`
}

// Expired reports whether the offer's deadline has passed at now.
func (o *ScreenSwitchOffer) Expired(now time.Time) bool {
	return !now.Before(o.OfferExpiresAt)
}

// Remaining returns the time left before expiry, never negative.
func (o *ScreenSwitchOffer) Remaining(now time.Time) time.Duration {
	d := o.OfferExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
