package backend

import "errors"

var (
	// ErrScreenNotFound is returned when no screen row exists for a number.
	ErrScreenNotFound = errors.New("screen not found")
	// ErrEntryNotFound is returned when a queue entry id is unknown.
	ErrEntryNotFound = errors.New("queue entry not found")
	// ErrOfferNotFound is returned when an offer id is unknown.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrOfferExpired is returned when an offer is resolved after its deadline.
	ErrOfferExpired = errors.New("offer expired")
	// ErrOfferResolved is returned when an offer was already accepted, declined or expired.
	ErrOfferResolved = errors.New("offer already resolved")
)
