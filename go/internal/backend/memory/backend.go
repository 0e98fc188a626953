// Package memory is an in-process Backend for tests and the dev backend binary.
// It enforces the same rules the production stored procedures do: one playing entry per screen,
// FIFO promotion and idempotent force-advance.
package memory

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/rs/zerolog/log"
)

const (
	defaultSegments = 12
	defaultOfferTTL = 15 * time.Second
)

// Publisher receives every row change the backend makes.
type Publisher interface {
	PublishRowChange(change realtime.RowChange)
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock sets the clock used for timestamps and offer expiry.
func WithClock(c clockwork.Clock) Option { return func(b *Backend) { b.clock = c } }

// WithPublisher publishes row changes, typically to a realtime hub.
func WithPublisher(p Publisher) Option { return func(b *Backend) { b.pub = p } }

// WithPicker overrides how spin results are chosen.
func WithPicker(fn func(segments int) int) Option { return func(b *Backend) { b.pick = fn } }

// WithSegments sets the wheel size used when no wheel is assigned.
func WithSegments(n int) Option { return func(b *Backend) { b.segments = n } }

// WithOfferTTL sets how long generated switch offers stay open.
func WithOfferTTL(d time.Duration) Option { return func(b *Backend) { b.offerTTL = d } }

// Backend keeps screens, queue entries, wheels and offers in memory.
type Backend struct {
	clock    clockwork.Clock
	pub      Publisher
	pick     func(segments int) int
	segments int
	offerTTL time.Duration

	mu       sync.Mutex
	screens  map[int]*models.Screen
	entries  map[uuid.UUID]*models.QueueEntry
	offers   map[uuid.UUID]*models.ScreenSwitchOffer
	wheels   map[uuid.UUID]*models.Wheel
	declined map[uuid.UUID]map[int]bool // entry -> screens it declined
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		clock:    clockwork.NewRealClock(),
		pick:     func(n int) int { return rand.IntN(n) },
		segments: defaultSegments,
		offerTTL: defaultOfferTTL,
		screens:  make(map[int]*models.Screen),
		entries:  make(map[uuid.UUID]*models.QueueEntry),
		offers:   make(map[uuid.UUID]*models.ScreenSwitchOffer),
		wheels:   make(map[uuid.UUID]*models.Wheel),
		declined: make(map[uuid.UUID]map[int]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// changes collects row changes made under the lock so they can be published after it is released.
type changes []realtime.RowChange

func (c *changes) add(table string, event realtime.RowEvent, newRow, oldRow any) {
	change, err := realtime.NewRowChange(table, event, newRow, oldRow)
	if err != nil {
		log.Error().Err(err).Str("table", table).Msg("failed to encode row change")
		return
	}
	*c = append(*c, change)
}

func (b *Backend) publish(cs changes) {
	if b.pub == nil {
		return
	}
	for _, c := range cs {
		b.pub.PublishRowChange(c)
	}
}

// AddScreen seeds an idle screen.
func (b *Backend) AddScreen(n int) models.Screen {
	var cs changes
	b.mu.Lock()
	s := &models.Screen{ScreenNumber: n, Status: models.ScreenStatusIdle, UpdatedAt: b.clock.Now()}
	b.screens[n] = s
	out := *s
	cs.add(realtime.TableScreens, realtime.RowInsert, out, nil)
	b.mu.Unlock()
	b.publish(cs)
	return out
}

// AddWheel stores a wheel and assigns it to the given screens.
func (b *Backend) AddWheel(w models.Wheel, screens ...int) error {
	var cs changes
	b.mu.Lock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	wc := w
	b.wheels[w.ID] = &wc
	for _, n := range screens {
		s, ok := b.screens[n]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
		}
		id := w.ID
		s.CurrentWheelID = &id
		cs.add(realtime.TableScreens, realtime.RowUpdate, *s, nil)
	}
	b.mu.Unlock()
	b.publish(cs)
	return nil
}

// Enqueue adds a waiting entry for a player who finished selecting options.
func (b *Backend) Enqueue(screen int, name, emoji string, selected []int) (models.QueueEntry, error) {
	e := models.QueueEntry{
		ID:              uuid.New(),
		ScreenNumber:    screen,
		PlayerName:      name,
		PlayerEmoji:     emoji,
		Status:          models.QueueStatusWaiting,
		SelectedAnimals: append([]int(nil), selected...),
	}
	if err := e.Validate(); err != nil {
		return models.QueueEntry{}, err
	}

	var cs changes
	b.mu.Lock()
	if _, ok := b.screens[screen]; !ok {
		b.mu.Unlock()
		return models.QueueEntry{}, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, screen)
	}
	e.CreatedAt = b.clock.Now()
	ec := e
	b.entries[e.ID] = &ec
	cs.add(realtime.TableQueueEntries, realtime.RowInsert, e, nil)
	b.mu.Unlock()
	b.publish(cs)
	return e, nil
}

// SetScreen overwrites a screen row, for seeding and admin tools.
func (b *Backend) SetScreen(s models.Screen) {
	var cs changes
	b.mu.Lock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = b.clock.Now()
	}
	sc := s
	b.screens[s.ScreenNumber] = &sc
	cs.add(realtime.TableScreens, realtime.RowUpdate, s, nil)
	b.mu.Unlock()
	b.publish(cs)
}

// Entry returns a copy of a queue entry.
func (b *Backend) Entry(id uuid.UUID) (models.QueueEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return models.QueueEntry{}, false
	}
	return copyEntry(e), true
}

// Offer returns a copy of an offer.
func (b *Backend) Offer(id uuid.UUID) (models.ScreenSwitchOffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.offers[id]
	if !ok {
		return models.ScreenSwitchOffer{}, false
	}
	return *o, true
}

// OfferSwitch creates a pending offer moving entry to target.
func (b *Backend) OfferSwitch(entryID uuid.UUID, target int) (models.ScreenSwitchOffer, error) {
	var cs changes
	b.mu.Lock()
	if _, ok := b.entries[entryID]; !ok {
		b.mu.Unlock()
		return models.ScreenSwitchOffer{}, backend.ErrEntryNotFound
	}
	if _, ok := b.screens[target]; !ok {
		b.mu.Unlock()
		return models.ScreenSwitchOffer{}, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, target)
	}
	o := b.newOfferLocked(entryID, target, &cs)
	b.mu.Unlock()
	b.publish(cs)
	return o, nil
}

func (b *Backend) newOfferLocked(entryID uuid.UUID, target int, cs *changes) models.ScreenSwitchOffer {
	o := &models.ScreenSwitchOffer{
		ID:                 uuid.New(),
		OfferedToQueueID:   entryID,
		TargetScreenNumber: target,
		Status:             models.OfferStatusPending,
		OfferExpiresAt:     b.clock.Now().Add(b.offerTTL),
	}
	b.offers[o.ID] = o
	cs.add(realtime.TableOffers, realtime.RowInsert, *o, nil)
	return *o
}

// FetchScreenState implements backend.ScreenReader.
func (b *Backend) FetchScreenState(ctx context.Context, n int) (*models.Screen, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.screens[n]
	if !ok {
		return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}
	out := copyScreen(s)
	return &out, nil
}

// FetchWaitingCount implements backend.QueueReader.
func (b *Backend) FetchWaitingCount(ctx context.Context, n int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.screens[n]; !ok {
		return 0, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}
	return len(b.waitingLocked(n)), nil
}

// FetchWaitingEntries implements backend.QueueReader. Entries are ordered by created_at.
func (b *Backend) FetchWaitingEntries(ctx context.Context, n int) ([]models.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.screens[n]; !ok {
		return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}
	waiting := b.waitingLocked(n)
	out := make([]models.QueueEntry, len(waiting))
	for i, e := range waiting {
		out[i] = copyEntry(e)
	}
	return out, nil
}

// FetchEntry implements backend.EntryReader.
func (b *Backend) FetchEntry(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok {
		return nil, backend.ErrEntryNotFound
	}
	out := copyEntry(e)
	return &out, nil
}

// FetchPendingOffer implements backend.EntryReader. When several offers are open the one expiring first wins.
func (b *Backend) FetchPendingOffer(ctx context.Context, id uuid.UUID) (*models.ScreenSwitchOffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return nil, backend.ErrEntryNotFound
	}
	now := b.clock.Now()
	var found *models.ScreenSwitchOffer
	for _, o := range b.offers {
		if o.OfferedToQueueID != id || o.Status != models.OfferStatusPending || o.Expired(now) {
			continue
		}
		if found == nil || o.OfferExpiresAt.Before(found.OfferExpiresAt) {
			found = o
		}
	}
	if found == nil {
		return nil, nil
	}
	out := *found
	return &out, nil
}

// PromoteNextPlayer implements backend.QueueAdvancer. It only promotes onto an idle screen with no
// playing entry, so concurrent callers promote at most one player.
func (b *Backend) PromoteNextPlayer(ctx context.Context, n int) (*backend.PromoteResult, error) {
	var cs changes
	b.mu.Lock()
	s, ok := b.screens[n]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}
	if s.Status != models.ScreenStatusIdle || b.playingLocked(n) != nil {
		b.mu.Unlock()
		return &backend.PromoteResult{Success: false}, nil
	}
	promoted := b.promoteLocked(s, &cs)
	b.mu.Unlock()
	b.publish(cs)

	if promoted == nil {
		return &backend.PromoteResult{Success: false}, nil
	}
	return &backend.PromoteResult{Success: true, PromotedEntry: promoted}, nil
}

// ForceAdvanceQueue implements backend.QueueAdvancer. A clean screen with nobody waiting is left untouched.
func (b *Backend) ForceAdvanceQueue(ctx context.Context, n int) (*backend.AdvanceResult, error) {
	var cs changes
	b.mu.Lock()
	s, ok := b.screens[n]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}

	cleared := false
	if playing := b.playingLocked(n); playing != nil {
		playing.Status = models.QueueStatusAbandoned
		cs.add(realtime.TableQueueEntries, realtime.RowUpdate, copyEntry(playing), nil)
		cleared = true
	}
	if !s.IsClean() {
		old := copyScreen(s)
		s.Status = models.ScreenStatusIdle
		s.PlayerName = ""
		s.PlayerEmoji = ""
		s.LastSpinResult = nil
		s.UpdatedAt = b.clock.Now()
		cs.add(realtime.TableScreens, realtime.RowUpdate, copyScreen(s), old)
		cleared = true
	}
	promoted := b.promoteLocked(s, &cs)
	b.mu.Unlock()
	b.publish(cs)

	switch {
	case promoted != nil:
		return &backend.AdvanceResult{Success: true, Message: "promoted " + promoted.PlayerName}, nil
	case cleared:
		return &backend.AdvanceResult{Success: true, Message: "screen cleared"}, nil
	default:
		return &backend.AdvanceResult{Success: true, Message: "nothing to advance"}, nil
	}
}

// SwitchPlayerScreen implements backend.QueueAdvancer. The entry moves to the target screen and plays there.
func (b *Backend) SwitchPlayerScreen(ctx context.Context, id uuid.UUID, n int) (*backend.SwitchResult, error) {
	var cs changes
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return nil, backend.ErrEntryNotFound
	}
	s, ok := b.screens[n]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}
	if e.Status != models.QueueStatusWaiting || s.Status != models.ScreenStatusIdle || b.playingLocked(n) != nil {
		b.mu.Unlock()
		return &backend.SwitchResult{Success: false}, nil
	}

	e.ScreenNumber = n
	b.playLocked(s, e, &cs)
	b.mu.Unlock()
	b.publish(cs)
	return &backend.SwitchResult{Success: true}, nil
}

// RequestSpin implements backend.Spinner. The screen passes through spinning to result.
func (b *Backend) RequestSpin(ctx context.Context, id uuid.UUID, n int) (*backend.SpinResult, error) {
	var cs changes
	b.mu.Lock()
	e, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return nil, backend.ErrEntryNotFound
	}
	s, ok := b.screens[n]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, n)
	}
	if e.Status != models.QueueStatusPlaying || e.ScreenNumber != n {
		b.mu.Unlock()
		return &backend.SpinResult{Success: false, Message: "entry is not playing on this screen"}, nil
	}
	if s.Status != models.ScreenStatusWaitingForSpin && s.Status != models.ScreenStatusSelecting {
		b.mu.Unlock()
		return &backend.SpinResult{Success: false, Message: "screen is not ready to spin"}, nil
	}

	segments := b.segments
	if s.CurrentWheelID != nil {
		if w, ok := b.wheels[*s.CurrentWheelID]; ok && len(w.Segments) > 0 {
			segments = len(w.Segments)
		}
	}
	now := b.clock.Now()
	s.Status = models.ScreenStatusSpinning
	s.UpdatedAt = now
	cs.add(realtime.TableScreens, realtime.RowUpdate, copyScreen(s), nil)

	result := b.pick(segments)
	s.Status = models.ScreenStatusResult
	s.LastSpinResult = &result
	cs.add(realtime.TableScreens, realtime.RowUpdate, copyScreen(s), nil)

	e.Status = models.QueueStatusCompleted
	cs.add(realtime.TableQueueEntries, realtime.RowUpdate, copyEntry(e), nil)
	b.mu.Unlock()
	b.publish(cs)

	log.Debug().Int("screen", n).Int("result", result).Msg("spin resolved")
	return &backend.SpinResult{Success: true, ResultIndex: &result}, nil
}

// UpdateOfferStatus implements backend.OfferResolver. Accepting re-validates expiry against the server clock.
func (b *Backend) UpdateOfferStatus(ctx context.Context, id uuid.UUID, status models.OfferStatus) error {
	var cs changes
	b.mu.Lock()
	o, ok := b.offers[id]
	if !ok {
		b.mu.Unlock()
		return backend.ErrOfferNotFound
	}
	if o.Status != models.OfferStatusPending {
		b.mu.Unlock()
		return backend.ErrOfferResolved
	}
	if o.Expired(b.clock.Now()) {
		o.Status = models.OfferStatusExpired
		cs.add(realtime.TableOffers, realtime.RowUpdate, *o, nil)
		b.mu.Unlock()
		b.publish(cs)
		return backend.ErrOfferExpired
	}
	o.Status = status
	if status == models.OfferStatusDeclined {
		if b.declined[o.OfferedToQueueID] == nil {
			b.declined[o.OfferedToQueueID] = make(map[int]bool)
		}
		b.declined[o.OfferedToQueueID][o.TargetScreenNumber] = true
	}
	cs.add(realtime.TableOffers, realtime.RowUpdate, *o, nil)
	b.mu.Unlock()
	b.publish(cs)
	return nil
}

// ProcessExpiredOffers implements backend.OfferResolver. Pending offers past their deadline expire,
// then every idle, empty screen without an open offer is offered to the longest-waiting player elsewhere
// who has not declined it.
func (b *Backend) ProcessExpiredOffers(ctx context.Context) error {
	var cs changes
	b.mu.Lock()
	now := b.clock.Now()
	open := make(map[int]bool)
	offered := make(map[uuid.UUID]bool)
	for _, o := range b.offers {
		if o.Status != models.OfferStatusPending {
			continue
		}
		if o.Expired(now) {
			o.Status = models.OfferStatusExpired
			cs.add(realtime.TableOffers, realtime.RowUpdate, *o, nil)
			continue
		}
		open[o.TargetScreenNumber] = true
		offered[o.OfferedToQueueID] = true
	}

	for _, n := range b.screenNumbersLocked() {
		s := b.screens[n]
		if open[n] || !s.IsClean() || b.playingLocked(n) != nil || len(b.waitingLocked(n)) > 0 {
			continue
		}
		if candidate := b.candidateLocked(n, offered); candidate != nil {
			b.newOfferLocked(candidate.ID, n, &cs)
			offered[candidate.ID] = true
		}
	}
	b.mu.Unlock()
	b.publish(cs)
	return nil
}

func (b *Backend) candidateLocked(target int, offered map[uuid.UUID]bool) *models.QueueEntry {
	var best *models.QueueEntry
	for _, e := range b.entries {
		if e.Status != models.QueueStatusWaiting || e.ScreenNumber == target || offered[e.ID] {
			continue
		}
		if b.declined[e.ID][target] {
			continue
		}
		if best == nil || e.CreatedAt.Before(best.CreatedAt) {
			best = e
		}
	}
	return best
}

func (b *Backend) promoteLocked(s *models.Screen, cs *changes) *models.QueueEntry {
	waiting := b.waitingLocked(s.ScreenNumber)
	if len(waiting) == 0 {
		return nil
	}
	next := waiting[0]
	b.playLocked(s, next, cs)
	out := copyEntry(next)
	return &out
}

func (b *Backend) playLocked(s *models.Screen, e *models.QueueEntry, cs *changes) {
	e.Status = models.QueueStatusPlaying
	cs.add(realtime.TableQueueEntries, realtime.RowUpdate, copyEntry(e), nil)

	old := copyScreen(s)
	s.Status = models.ScreenStatusWaitingForSpin
	s.PlayerName = e.PlayerName
	s.PlayerEmoji = e.PlayerEmoji
	s.LastSpinResult = nil
	s.UpdatedAt = b.clock.Now()
	cs.add(realtime.TableScreens, realtime.RowUpdate, copyScreen(s), old)
}

func (b *Backend) waitingLocked(n int) []*models.QueueEntry {
	var out []*models.QueueEntry
	for _, e := range b.entries {
		if e.ScreenNumber == n && e.Status == models.QueueStatusWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (b *Backend) playingLocked(n int) *models.QueueEntry {
	for _, e := range b.entries {
		if e.ScreenNumber == n && e.Status == models.QueueStatusPlaying {
			return e
		}
	}
	return nil
}

func (b *Backend) screenNumbersLocked() []int {
	out := make([]int, 0, len(b.screens))
	for n := range b.screens {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func copyScreen(s *models.Screen) models.Screen {
	out := *s
	if s.LastSpinResult != nil {
		v := *s.LastSpinResult
		out.LastSpinResult = &v
	}
	if s.CurrentWheelID != nil {
		id := *s.CurrentWheelID
		out.CurrentWheelID = &id
	}
	return out
}

func copyEntry(e *models.QueueEntry) models.QueueEntry {
	out := *e
	out.SelectedAnimals = append([]int(nil), e.SelectedAnimals...)
	return out
}
