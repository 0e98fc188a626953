package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
)

type recorder struct {
	mu      sync.Mutex
	changes []realtime.RowChange
}

func (r *recorder) PublishRowChange(c realtime.RowChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func newBackend(t *testing.T) (*Backend, *recorder, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rec := &recorder{}
	b := New(WithClock(clock), WithPublisher(rec), WithPicker(func(int) int { return 7 }))
	b.AddScreen(1)
	b.AddScreen(2)
	return b, rec, clock
}

func TestFetchUnknownScreen(t *testing.T) {
	b, _, _ := newBackend(t)
	if _, err := b.FetchScreenState(context.Background(), 99); !errors.Is(err, backend.ErrScreenNotFound) {
		t.Fatalf("got=%v want ErrScreenNotFound", err)
	}
}

func TestPromoteFIFO(t *testing.T) {
	b, _, clock := newBackend(t)
	ctx := context.Background()
	first, _ := b.Enqueue(1, "Ana", "🦊", []int{1})
	clock.Advance(time.Second)
	_, _ = b.Enqueue(1, "Ben", "🐼", []int{2})

	if n, _ := b.FetchWaitingCount(ctx, 1); n != 2 {
		t.Fatalf("waiting got=%d want=2", n)
	}
	res, err := b.PromoteNextPlayer(ctx, 1)
	if err != nil || !res.Success || res.PromotedEntry.ID != first.ID {
		t.Fatalf("promote got=%+v err=%v", res, err)
	}
	s, _ := b.FetchScreenState(ctx, 1)
	if s.Status != models.ScreenStatusWaitingForSpin || s.PlayerName != "Ana" {
		t.Fatalf("screen got=%+v", s)
	}

	// Someone is already playing: a second promotion must not happen.
	res, _ = b.PromoteNextPlayer(ctx, 1)
	if res.Success {
		t.Fatalf("second promotion should fail while a player is active")
	}
	if n, _ := b.FetchWaitingCount(ctx, 1); n != 1 {
		t.Fatalf("waiting got=%d want=1", n)
	}
}

func TestConcurrentPromotionPromotesOne(t *testing.T) {
	b, _, _ := newBackend(t)
	for i := 0; i < 5; i++ {
		_, _ = b.Enqueue(1, "p", "", nil)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.PromoteNextPlayer(context.Background(), 1)
			if err == nil && res.Success {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("successful promotions got=%d want=1", wins)
	}
}

func TestForceAdvanceOnCleanScreenIsNoop(t *testing.T) {
	b, rec, _ := newBackend(t)
	before, _ := b.FetchScreenState(context.Background(), 1)
	published := rec.count()

	for i := 0; i < 3; i++ {
		res, err := b.ForceAdvanceQueue(context.Background(), 1)
		if err != nil || !res.Success {
			t.Fatalf("ForceAdvanceQueue got=%+v err=%v", res, err)
		}
	}
	after, _ := b.FetchScreenState(context.Background(), 1)
	if *before != *after {
		t.Fatalf("screen changed: before=%+v after=%+v", before, after)
	}
	if rec.count() != published {
		t.Fatalf("no-op published %d changes", rec.count()-published)
	}
}

func TestForceAdvanceClearsAndPromotes(t *testing.T) {
	b, _, clock := newBackend(t)
	ctx := context.Background()
	stuck, _ := b.Enqueue(1, "Ana", "", nil)
	clock.Advance(time.Second)
	next, _ := b.Enqueue(1, "Ben", "", nil)
	_, _ = b.PromoteNextPlayer(ctx, 1)

	res, err := b.ForceAdvanceQueue(ctx, 1)
	if err != nil || !res.Success {
		t.Fatalf("got=%+v err=%v", res, err)
	}
	if e, _ := b.Entry(stuck.ID); e.Status != models.QueueStatusAbandoned {
		t.Fatalf("stuck entry got=%s want=abandoned", e.Status)
	}
	if e, _ := b.Entry(next.ID); e.Status != models.QueueStatusPlaying {
		t.Fatalf("next entry got=%s want=playing", e.Status)
	}
	s, _ := b.FetchScreenState(ctx, 1)
	if s.PlayerName != "Ben" {
		t.Fatalf("screen player got=%q want=Ben", s.PlayerName)
	}
}

func TestRequestSpin(t *testing.T) {
	b, rec, _ := newBackend(t)
	ctx := context.Background()
	e, _ := b.Enqueue(1, "Ana", "", []int{7})

	res, _ := b.RequestSpin(ctx, e.ID, 1)
	if res.Success {
		t.Fatalf("spin before promotion should be rejected")
	}

	_, _ = b.PromoteNextPlayer(ctx, 1)
	before := rec.count()
	res, err := b.RequestSpin(ctx, e.ID, 1)
	if err != nil || !res.Success || res.ResultIndex == nil || *res.ResultIndex != 7 {
		t.Fatalf("got=%+v err=%v", res, err)
	}
	s, _ := b.FetchScreenState(ctx, 1)
	if s.Status != models.ScreenStatusResult || *s.LastSpinResult != 7 {
		t.Fatalf("screen got=%+v", s)
	}
	if got := rec.count() - before; got != 3 {
		t.Fatalf("published got=%d want=3 (spinning, result, entry)", got)
	}
	if _, err := b.RequestSpin(ctx, uuid.New(), 1); !errors.Is(err, backend.ErrEntryNotFound) {
		t.Fatalf("unknown entry got=%v", err)
	}
}

func TestRequestSpinUsesWheelSize(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var asked int
	b := New(WithClock(clock), WithPicker(func(n int) int { asked = n; return 0 }))
	b.AddScreen(1)
	w := models.Wheel{Name: "farm", Segments: make([]models.Segment, 5), IsActive: true}
	if err := b.AddWheel(w, 1); err != nil {
		t.Fatalf("AddWheel: %v", err)
	}
	e, _ := b.Enqueue(1, "Ana", "", nil)
	_, _ = b.PromoteNextPlayer(context.Background(), 1)
	_, _ = b.RequestSpin(context.Background(), e.ID, 1)
	if asked != 5 {
		t.Fatalf("picker segments got=%d want=5", asked)
	}
}

func TestOfferLifecycle(t *testing.T) {
	b, _, clock := newBackend(t)
	ctx := context.Background()
	blocker, _ := b.Enqueue(1, "Ana", "", nil)
	_, _ = b.PromoteNextPlayer(ctx, 1)
	waiter, _ := b.Enqueue(1, "Ben", "", nil)
	_ = blocker

	if err := b.ProcessExpiredOffers(ctx); err != nil {
		t.Fatal(err)
	}
	var offer models.ScreenSwitchOffer
	b.mu.Lock()
	for _, o := range b.offers {
		offer = *o
	}
	b.mu.Unlock()
	if offer.OfferedToQueueID != waiter.ID || offer.TargetScreenNumber != 2 {
		t.Fatalf("generated offer got=%+v", offer)
	}

	if err := b.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusDeclined); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := b.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusAccepted); !errors.Is(err, backend.ErrOfferResolved) {
		t.Fatalf("accept after decline got=%v", err)
	}

	// A declined screen is not offered again to the same player.
	_ = b.ProcessExpiredOffers(ctx)
	b.mu.Lock()
	n := len(b.offers)
	b.mu.Unlock()
	if n != 1 {
		t.Fatalf("offers got=%d want=1", n)
	}

	o2, _ := b.OfferSwitch(waiter.ID, 2)
	clock.Advance(defaultOfferTTL)
	if err := b.UpdateOfferStatus(ctx, o2.ID, models.OfferStatusAccepted); !errors.Is(err, backend.ErrOfferExpired) {
		t.Fatalf("late accept got=%v want ErrOfferExpired", err)
	}
	if o, _ := b.Offer(o2.ID); o.Status != models.OfferStatusExpired {
		t.Fatalf("status got=%s want=expired", o.Status)
	}
}

func TestSwitchPlayerScreen(t *testing.T) {
	b, _, _ := newBackend(t)
	ctx := context.Background()
	_, _ = b.Enqueue(1, "Ana", "", nil)
	_, _ = b.PromoteNextPlayer(ctx, 1)
	waiter, _ := b.Enqueue(1, "Ben", "", nil)

	res, err := b.SwitchPlayerScreen(ctx, waiter.ID, 2)
	if err != nil || !res.Success {
		t.Fatalf("got=%+v err=%v", res, err)
	}
	e, _ := b.Entry(waiter.ID)
	if e.ScreenNumber != 2 || e.Status != models.QueueStatusPlaying {
		t.Fatalf("entry got=%+v", e)
	}
	res, _ = b.SwitchPlayerScreen(ctx, waiter.ID, 1)
	if res.Success {
		t.Fatalf("switching a playing entry should fail")
	}
}

func TestEnqueueValidates(t *testing.T) {
	b, _, _ := newBackend(t)
	if _, err := b.Enqueue(1, "Ana", "", []int{1, 2, 3, 4}); !errors.Is(err, models.ErrTooManySelections) {
		t.Fatalf("got=%v want ErrTooManySelections", err)
	}
	if _, err := b.Enqueue(9, "Ana", "", nil); !errors.Is(err, backend.ErrScreenNotFound) {
		t.Fatalf("got=%v want ErrScreenNotFound", err)
	}
}

func TestFetchEntryAndPendingOffer(t *testing.T) {
	b, _, clock := newBackend(t)
	ctx := context.Background()
	entry, _ := b.Enqueue(1, "Ana", "", []int{3})

	got, err := b.FetchEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("FetchEntry: %v", err)
	}
	if got.ID != entry.ID || got.Status != models.QueueStatusWaiting {
		t.Fatalf("entry got=%+v", got)
	}
	if _, err := b.FetchEntry(ctx, uuid.New()); !errors.Is(err, backend.ErrEntryNotFound) {
		t.Fatalf("unknown entry got=%v want ErrEntryNotFound", err)
	}

	if o, err := b.FetchPendingOffer(ctx, entry.ID); err != nil || o != nil {
		t.Fatalf("no offer yet got=%+v,%v", o, err)
	}
	first, _ := b.OfferSwitch(entry.ID, 2)
	o, err := b.FetchPendingOffer(ctx, entry.ID)
	if err != nil || o == nil || o.ID != first.ID {
		t.Fatalf("pending offer got=%+v,%v want id %s", o, err, first.ID)
	}

	if err := b.UpdateOfferStatus(ctx, first.ID, models.OfferStatusDeclined); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if o, _ := b.FetchPendingOffer(ctx, entry.ID); o != nil {
		t.Fatalf("declined offer still pending: %+v", o)
	}

	_, _ = b.OfferSwitch(entry.ID, 2)
	clock.Advance(defaultOfferTTL)
	if o, _ := b.FetchPendingOffer(ctx, entry.ID); o != nil {
		t.Fatalf("expired offer still pending: %+v", o)
	}
	if _, err := b.FetchPendingOffer(ctx, uuid.New()); !errors.Is(err, backend.ErrEntryNotFound) {
		t.Fatalf("unknown entry got=%v want ErrEntryNotFound", err)
	}
}
