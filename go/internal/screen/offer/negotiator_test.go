package offer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type fakeSwitcher struct {
	mu        sync.Mutex
	updates   []models.OfferStatus
	processed int
	switches  []int
	updateErr error
	switchErr error
	rejected  bool
}

func (f *fakeSwitcher) UpdateOfferStatus(ctx context.Context, id uuid.UUID, status models.OfferStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, status)
	return nil
}

func (f *fakeSwitcher) ProcessExpiredOffers(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
	return nil
}

func (f *fakeSwitcher) SwitchPlayerScreen(ctx context.Context, id uuid.UUID, n int) (*backend.SwitchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.switchErr != nil {
		return nil, f.switchErr
	}
	if f.rejected {
		return &backend.SwitchResult{Success: false}, nil
	}
	f.switches = append(f.switches, n)
	return &backend.SwitchResult{Success: true}, nil
}

func newOffer(entry uuid.UUID, target int, expires time.Time) models.ScreenSwitchOffer {
	return models.ScreenSwitchOffer{
		ID:                 uuid.New(),
		OfferedToQueueID:   entry,
		TargetScreenNumber: target,
		Status:             models.OfferStatusPending,
		OfferExpiresAt:     expires,
	}
}

func setup(t *testing.T) (*Negotiator, *fakeSwitcher, *clockwork.FakeClock, uuid.UUID) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sw := &fakeSwitcher{}
	entry := uuid.New()
	n, err := NewNegotiator(entry, sw, clock)
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}
	return n, sw, clock, entry
}

func TestReceiveFilters(t *testing.T) {
	n, _, clock, entry := setup(t)

	if n.Receive(newOffer(uuid.New(), 2, clock.Now().Add(10*time.Second))) {
		t.Fatalf("accepted an offer for another entry")
	}
	expired := newOffer(entry, 2, clock.Now())
	if n.Receive(expired) {
		t.Fatalf("accepted an offer at its deadline")
	}
	declined := newOffer(entry, 2, clock.Now().Add(10*time.Second))
	declined.Status = models.OfferStatusDeclined
	if n.Receive(declined) {
		t.Fatalf("accepted a non-pending offer")
	}
	if n.Visible() {
		t.Fatalf("nothing should be visible")
	}

	if !n.Receive(newOffer(entry, 2, clock.Now().Add(10*time.Second))) {
		t.Fatalf("rejected a valid offer")
	}
	if !n.Visible() || n.Remaining() != 10*time.Second {
		t.Fatalf("visible=%v remaining=%v", n.Visible(), n.Remaining())
	}
}

// An offer expiring in 10s declined at t=3s is declined, triggers the next offer and hides the countdown.
func TestDeclineBeforeExpiry(t *testing.T) {
	n, sw, clock, entry := setup(t)
	n.Receive(newOffer(entry, 5, clock.Now().Add(10*time.Second)))

	clock.Advance(3 * time.Second)
	if got := n.Remaining(); got != 7*time.Second {
		t.Fatalf("remaining got=%v want=7s", got)
	}
	if err := n.Decline(context.Background()); err != nil {
		t.Fatalf("Decline: %v", err)
	}

	o, _ := n.Current()
	if o.Status != models.OfferStatusDeclined {
		t.Fatalf("status got=%s want=declined", o.Status)
	}
	if len(sw.updates) != 1 || sw.updates[0] != models.OfferStatusDeclined {
		t.Fatalf("updates got=%v", sw.updates)
	}
	if sw.processed != 1 {
		t.Fatalf("processExpiredOffers got=%d want=1", sw.processed)
	}
	if n.Visible() || n.Remaining() != 0 {
		t.Fatalf("countdown still shown")
	}
	if len(sw.switches) != 0 {
		t.Fatalf("decline must not switch screens")
	}
}

func TestAcceptSwitches(t *testing.T) {
	n, sw, clock, entry := setup(t)
	var switched []int
	n.OnSwitch(func(s int) { switched = append(switched, s) })
	n.Receive(newOffer(entry, 4, clock.Now().Add(10*time.Second)))

	screen, err := n.Accept(context.Background())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if screen != 4 || len(switched) != 1 || switched[0] != 4 {
		t.Fatalf("screen=%d switched=%v", screen, switched)
	}
	if len(sw.updates) != 1 || sw.updates[0] != models.OfferStatusAccepted {
		t.Fatalf("updates got=%v", sw.updates)
	}

	if _, err := n.Accept(context.Background()); !errors.Is(err, ErrOfferResolved) {
		t.Fatalf("second accept got=%v want ErrOfferResolved", err)
	}
	if err := n.Decline(context.Background()); !errors.Is(err, ErrOfferResolved) {
		t.Fatalf("decline after accept got=%v want ErrOfferResolved", err)
	}
}

func TestAcceptAfterExpiryRefused(t *testing.T) {
	n, sw, clock, entry := setup(t)
	n.Receive(newOffer(entry, 4, clock.Now().Add(10*time.Second)))
	clock.Advance(10 * time.Second)

	if _, err := n.Accept(context.Background()); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("got=%v want ErrOfferExpired", err)
	}
	if len(sw.updates) != 0 {
		t.Fatalf("no server call expected, got=%v", sw.updates)
	}
}

func TestServerRejectsLateAccept(t *testing.T) {
	n, sw, clock, entry := setup(t)
	sw.updateErr = backend.ErrOfferExpired
	n.Receive(newOffer(entry, 4, clock.Now().Add(10*time.Second)))

	if _, err := n.Accept(context.Background()); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("got=%v want ErrOfferExpired", err)
	}
	if n.Visible() {
		t.Fatalf("offer should be hidden after the server refused it")
	}
	if len(sw.switches) != 0 {
		t.Fatalf("must not switch after a refused accept")
	}
}

func TestAcceptSwitchFailure(t *testing.T) {
	tests := []struct {
		name string
		set  func(*fakeSwitcher)
	}{
		{"error", func(f *fakeSwitcher) { f.switchErr = errors.New("screen busy") }},
		{"rejected", func(f *fakeSwitcher) { f.rejected = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			prev := log.Logger
			log.Logger = zerolog.New(&buf)
			t.Cleanup(func() { log.Logger = prev })

			n, sw, clock, entry := setup(t)
			tt.set(sw)
			o := newOffer(entry, 4, clock.Now().Add(10*time.Second))
			n.Receive(o)

			if _, err := n.Accept(context.Background()); !errors.Is(err, ErrSwitchFailed) {
				t.Fatalf("got=%v want ErrSwitchFailed", err)
			}
			if cur, _ := n.Current(); cur.Status != models.OfferStatusAccepted {
				t.Fatalf("local status got=%s want=accepted", cur.Status)
			}
			if len(sw.switches) != 0 {
				t.Fatalf("switches got=%v want none", sw.switches)
			}
			out := buf.String()
			if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, o.ID.String()) {
				t.Fatalf("missing switch failure warning, log=%s", out)
			}
		})
	}
}

func TestExpireLocally(t *testing.T) {
	n, sw, clock, entry := setup(t)
	var changes []models.OfferStatus
	n.OnChange(func(o models.ScreenSwitchOffer) { changes = append(changes, o.Status) })
	n.Receive(newOffer(entry, 4, clock.Now().Add(10*time.Second)))

	clock.Advance(9 * time.Second)
	if n.Expire() {
		t.Fatalf("expired early")
	}
	clock.Advance(time.Second)
	if !n.Expire() {
		t.Fatalf("did not expire at deadline")
	}
	if n.Expire() {
		t.Fatalf("expired twice")
	}
	if n.Visible() {
		t.Fatalf("expired offer still visible")
	}
	if len(sw.updates) != 0 || sw.processed != 0 {
		t.Fatalf("local expiry must not call the server")
	}
	want := []models.OfferStatus{models.OfferStatusPending, models.OfferStatusExpired}
	if len(changes) != 2 || changes[0] != want[0] || changes[1] != want[1] {
		t.Fatalf("changes got=%v want=%v", changes, want)
	}
}

func TestRunCountsDown(t *testing.T) {
	n, _, clock, entry := setup(t)
	n.Receive(newOffer(entry, 4, clock.Now().Add(3*time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(TickInterval)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o, _ := n.Current(); o.Status == models.OfferStatusExpired {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("offer never expired")
}

func TestServerResolutionUpdatesLocal(t *testing.T) {
	n, _, clock, entry := setup(t)
	o := newOffer(entry, 4, clock.Now().Add(10*time.Second))
	n.Receive(o)

	o.Status = models.OfferStatusExpired
	if !n.Receive(o) {
		t.Fatalf("server resolution should be applied")
	}
	if n.Visible() {
		t.Fatalf("server-expired offer still visible")
	}
}
