package offer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoOffer       = errors.New("no offer to act on")
	ErrOfferExpired  = errors.New("offer expired")
	ErrOfferResolved = errors.New("offer already resolved")
	ErrSwitchFailed  = errors.New("switch player screen failed")
)

// TickInterval is how often Run checks the countdown.
const TickInterval = time.Second

// Switcher is the part of the backend an offer decision touches.
type Switcher interface {
	backend.OfferResolver
	SwitchPlayerScreen(ctx context.Context, queueEntryID uuid.UUID, newScreenNumber int) (*backend.SwitchResult, error)
}

// Negotiator holds at most one pending offer for a waiting player and resolves it.
type Negotiator struct {
	entryID uuid.UUID
	backend Switcher
	clock   clockwork.Clock

	mu       sync.Mutex
	offer    *models.ScreenSwitchOffer
	busy     bool
	switched []func(screen int)
	changed  []func(models.ScreenSwitchOffer)
}

// NewNegotiator returns a negotiator for the given queue entry.
func NewNegotiator(entryID uuid.UUID, b Switcher, clock clockwork.Clock) (*Negotiator, error) {
	if b == nil {
		return nil, errors.New("offer backend is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Negotiator{entryID: entryID, backend: b, clock: clock}, nil
}

// OnSwitch registers fn to receive the new screen number after an accepted switch.
func (n *Negotiator) OnSwitch(fn func(screen int)) {
	n.mu.Lock()
	n.switched = append(n.switched, fn)
	n.mu.Unlock()
}

// OnChange registers fn to receive the offer whenever its local status changes.
func (n *Negotiator) OnChange(fn func(models.ScreenSwitchOffer)) {
	n.mu.Lock()
	n.changed = append(n.changed, fn)
	n.mu.Unlock()
}

// Receive takes an offer pushed by the backend. Offers for other entries, non-pending offers and
// offers already past their deadline are dropped.
func (n *Negotiator) Receive(o models.ScreenSwitchOffer) bool {
	if o.OfferedToQueueID != n.entryID {
		return false
	}
	now := n.clock.Now()

	n.mu.Lock()
	if n.offer != nil && n.offer.ID == o.ID {
		// Server confirmations of our own decision, or a late duplicate
		if n.offer.Status != models.OfferStatusPending || o.Status == models.OfferStatusPending {
			n.mu.Unlock()
			return false
		}
		// The server resolved it independently
		n.offer.Status = o.Status
		snapshot := *n.offer
		n.mu.Unlock()
		n.notifyChange(snapshot)
		return true
	}
	if o.Status != models.OfferStatusPending || o.Expired(now) {
		n.mu.Unlock()
		log.Debug().Str("offer", o.ID.String()).Str("status", string(o.Status)).Msg("dropping stale offer")
		return false
	}
	if n.busy {
		n.mu.Unlock()
		return false
	}
	cp := o
	n.offer = &cp
	n.mu.Unlock()

	log.Info().Str("offer", o.ID.String()).Int("target_screen", o.TargetScreenNumber).
		Time("expires_at", o.OfferExpiresAt).Msg("received screen switch offer")
	n.notifyChange(cp)
	return true
}

// Current returns a copy of the held offer, if any.
func (n *Negotiator) Current() (models.ScreenSwitchOffer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offer == nil {
		return models.ScreenSwitchOffer{}, false
	}
	return *n.offer, true
}

// Visible reports whether the countdown should be shown.
func (n *Negotiator) Visible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offer != nil && n.offer.Status == models.OfferStatusPending && !n.offer.Expired(n.clock.Now())
}

// Remaining returns the countdown for a visible offer and zero otherwise.
func (n *Negotiator) Remaining() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offer == nil || n.offer.Status != models.OfferStatusPending {
		return 0
	}
	return n.offer.Remaining(n.clock.Now())
}

// Accept marks the offer accepted and moves the player to the target screen.
// It returns the new screen number.
func (n *Negotiator) Accept(ctx context.Context) (int, error) {
	o, err := n.begin()
	if err != nil {
		return 0, err
	}
	defer n.end()

	if err := n.backend.UpdateOfferStatus(ctx, o.ID, models.OfferStatusAccepted); err != nil {
		if errors.Is(err, backend.ErrOfferExpired) {
			n.setStatus(models.OfferStatusExpired)
			return 0, ErrOfferExpired
		}
		if errors.Is(err, backend.ErrOfferResolved) {
			n.setStatus(models.OfferStatusExpired)
			return 0, ErrOfferResolved
		}
		return 0, fmt.Errorf("failed to accept offer: %w", err)
	}
	n.setStatus(models.OfferStatusAccepted)

	// The offer stays accepted on the server even when the move fails; the player keeps their old place.
	res, err := n.backend.SwitchPlayerScreen(ctx, n.entryID, o.TargetScreenNumber)
	if err != nil {
		log.Warn().Err(err).Str("offer", o.ID.String()).Int("screen", o.TargetScreenNumber).
			Msg("offer accepted but switch failed")
		return 0, fmt.Errorf("%w: %w", ErrSwitchFailed, err)
	}
	if res == nil || !res.Success {
		log.Warn().Str("offer", o.ID.String()).Int("screen", o.TargetScreenNumber).
			Msg("offer accepted but switch was rejected")
		return 0, ErrSwitchFailed
	}

	log.Info().Str("offer", o.ID.String()).Int("screen", o.TargetScreenNumber).Msg("switched screen")
	n.mu.Lock()
	listeners := append([]func(int){}, n.switched...)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn(o.TargetScreenNumber)
	}
	return o.TargetScreenNumber, nil
}

// Decline marks the offer declined and asks the backend to offer the screen to the next candidate.
func (n *Negotiator) Decline(ctx context.Context) error {
	o, err := n.begin()
	if err != nil {
		return err
	}
	defer n.end()

	if err := n.backend.UpdateOfferStatus(ctx, o.ID, models.OfferStatusDeclined); err != nil {
		if errors.Is(err, backend.ErrOfferExpired) || errors.Is(err, backend.ErrOfferResolved) {
			n.setStatus(models.OfferStatusExpired)
			return nil
		}
		return fmt.Errorf("failed to decline offer: %w", err)
	}
	n.setStatus(models.OfferStatusDeclined)

	if err := n.backend.ProcessExpiredOffers(ctx); err != nil {
		// The decision is recorded; the next offer will still be picked up by the backend's own sweep.
		log.Warn().Err(err).Str("offer", o.ID.String()).Msg("failed to process expired offers")
	}
	return nil
}

// Expire hides a pending offer whose deadline has passed. The server is not notified.
func (n *Negotiator) Expire() bool {
	n.mu.Lock()
	if n.offer == nil || n.busy || n.offer.Status != models.OfferStatusPending || !n.offer.Expired(n.clock.Now()) {
		n.mu.Unlock()
		return false
	}
	n.offer.Status = models.OfferStatusExpired
	snapshot := *n.offer
	n.mu.Unlock()

	log.Info().Str("offer", snapshot.ID.String()).Msg("offer expired locally")
	n.notifyChange(snapshot)
	return true
}

// Run drives the countdown until ctx is done.
func (n *Negotiator) Run(ctx context.Context) {
	ticker := n.clock.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n.Expire()
		}
	}
}

func (n *Negotiator) begin() (models.ScreenSwitchOffer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.offer == nil {
		return models.ScreenSwitchOffer{}, ErrNoOffer
	}
	if n.busy || n.offer.Status != models.OfferStatusPending {
		return models.ScreenSwitchOffer{}, ErrOfferResolved
	}
	if n.offer.Expired(n.clock.Now()) {
		n.offer.Status = models.OfferStatusExpired
		return models.ScreenSwitchOffer{}, ErrOfferExpired
	}
	n.busy = true
	return *n.offer, nil
}

func (n *Negotiator) end() {
	n.mu.Lock()
	n.busy = false
	n.mu.Unlock()
}

func (n *Negotiator) setStatus(status models.OfferStatus) {
	n.mu.Lock()
	if n.offer == nil {
		n.mu.Unlock()
		return
	}
	n.offer.Status = status
	snapshot := *n.offer
	n.mu.Unlock()
	n.notifyChange(snapshot)
}

func (n *Negotiator) notifyChange(o models.ScreenSwitchOffer) {
	n.mu.Lock()
	listeners := append([]func(models.ScreenSwitchOffer){}, n.changed...)
	n.mu.Unlock()
	for _, fn := range listeners {
		fn(o)
	}
}
