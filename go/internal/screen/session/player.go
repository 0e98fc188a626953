package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/mcdev12/spinwheel/go/internal/screen/offer"
	"github.com/mcdev12/spinwheel/go/internal/screen/queue"
	"github.com/mcdev12/spinwheel/go/internal/screen/reconciler"
	"github.com/mcdev12/spinwheel/go/internal/screen/watchdog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotPlaying   = errors.New("player has not been promoted")
	ErrSpinRejected = errors.New("spin rejected")
)

// Phase is where a player is in their visit.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhasePlaying Phase = "playing"
	PhaseDone    Phase = "done"
)

// PlayerConfig configures a PlayerSession.
type PlayerConfig struct {
	Entry     models.QueueEntry
	Backend   backend.Backend
	Bus       realtime.Bus
	Clock     clockwork.Clock
	Watchdogs watchdog.Table
}

// PlayerView is what a waiting player's phone renders.
type PlayerView struct {
	ScreenNumber   int                       `json:"screen_number"`
	Phase          Phase                     `json:"phase"`
	Position       int                       `json:"position,omitempty"`
	PositionKnown  bool                      `json:"position_known"`
	OfferVisible   bool                      `json:"offer_visible"`
	OfferRemaining int64                     `json:"offer_remaining_ms"`
	Status         reconciler.Status         `json:"status"`
	Result         *int                      `json:"result,omitempty"`
	Offer          *models.ScreenSwitchOffer `json:"offer,omitempty"`
}

// PlayerSession follows one queue entry from waiting to its spin, across screen switches.
type PlayerSession struct {
	backend   backend.Backend
	bus       realtime.Bus
	clock     clockwork.Clock
	watchdogs watchdog.Table

	estimator  *queue.Estimator
	negotiator *offer.Negotiator
	switchCh   chan int

	mu       sync.Mutex
	entry    models.QueueEntry
	phase    Phase
	rec      *reconciler.Reconciler
	outcomes []func(reconciler.Outcome)
}

// NewPlayerSession builds a session for entry.
func NewPlayerSession(cfg PlayerConfig) (*PlayerSession, error) {
	if cfg.Backend == nil || cfg.Bus == nil {
		return nil, errors.New("backend and bus are required")
	}
	if err := cfg.Entry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Watchdogs == nil {
		cfg.Watchdogs = watchdog.DefaultTable()
	}

	est, err := queue.NewEstimator(queue.Config{
		Entry:    cfg.Entry,
		Reader:   cfg.Backend,
		Clock:    cfg.Clock,
		Interval: queue.DefaultInterval,
	})
	if err != nil {
		return nil, err
	}
	neg, err := offer.NewNegotiator(cfg.Entry.ID, cfg.Backend, cfg.Clock)
	if err != nil {
		return nil, err
	}

	p := &PlayerSession{
		backend:    cfg.Backend,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		watchdogs:  cfg.Watchdogs,
		estimator:  est,
		negotiator: neg,
		switchCh:   make(chan int, 1),
		entry:      cfg.Entry,
		phase:      phaseFor(cfg.Entry.Status),
	}
	if err := p.retarget(cfg.Entry.ScreenNumber); err != nil {
		return nil, err
	}
	neg.OnSwitch(func(screen int) {
		select {
		case p.switchCh <- screen:
		default:
		}
	})
	return p, nil
}

// phaseOrder ranks phases; a player never moves back to an earlier one.
var phaseOrder = map[Phase]int{PhaseWaiting: 0, PhasePlaying: 1, PhaseDone: 2}

func phaseFor(s models.QueueStatus) Phase {
	switch {
	case s == models.QueueStatusPlaying:
		return PhasePlaying
	case s.IsTerminal():
		return PhaseDone
	default:
		return PhaseWaiting
	}
}

// retarget points the session at screenNumber with a fresh reconciler.
func (p *PlayerSession) retarget(screenNumber int) error {
	rec, err := reconciler.New(reconciler.Config{
		ScreenNumber: screenNumber,
		Screens:      p.backend,
		Clock:        p.clock,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.entry.ScreenNumber = screenNumber
	rec.SetPlayer(p.entry.PlayerName, p.entry.SelectedAnimals)
	for _, fn := range p.outcomes {
		rec.OnOutcome(fn)
	}
	p.rec = rec
	p.mu.Unlock()

	p.estimator.Retarget(screenNumber)
	return nil
}

// Estimator returns the queue position estimator.
func (p *PlayerSession) Estimator() *queue.Estimator { return p.estimator }

// Negotiator returns the offer negotiator.
func (p *PlayerSession) Negotiator() *offer.Negotiator { return p.negotiator }

// Reconciler returns the reconciler for the current screen.
func (p *PlayerSession) Reconciler() *reconciler.Reconciler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec
}

// ScreenNumber returns the screen the player is currently queued on.
func (p *PlayerSession) ScreenNumber() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry.ScreenNumber
}

// Phase returns the player's phase.
func (p *PlayerSession) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// OnOutcome registers fn for this player's resolved spins on any screen.
func (p *PlayerSession) OnOutcome(fn func(reconciler.Outcome)) {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, fn)
	rec := p.rec
	p.mu.Unlock()
	rec.OnOutcome(fn)
}

// View returns the current view.
func (p *PlayerSession) View() PlayerView {
	rec := p.Reconciler()
	st := rec.State()
	pos, known := p.estimator.Position()

	p.mu.Lock()
	v := PlayerView{
		ScreenNumber:  p.entry.ScreenNumber,
		Phase:         p.phase,
		Position:      pos,
		PositionKnown: known,
		Status:        st.Status,
		Result:        st.Result,
	}
	p.mu.Unlock()

	if p.negotiator.Visible() {
		v.OfferVisible = true
		v.OfferRemaining = p.negotiator.Remaining().Milliseconds()
		if o, ok := p.negotiator.Current(); ok {
			v.Offer = &o
		}
	}
	return v
}

// Spin asks the backend to resolve this player's spin. Failures are returned once and never retried.
func (p *PlayerSession) Spin(ctx context.Context) (*int, error) {
	p.mu.Lock()
	phase := p.phase
	entry := p.entry
	rec := p.rec
	p.mu.Unlock()

	if phase != PhasePlaying {
		return nil, ErrNotPlaying
	}
	if err := rec.BeginSpin(); err != nil {
		return nil, fmt.Errorf("failed to start spin: %w", err)
	}

	res, err := p.backend.RequestSpin(ctx, entry.ID, entry.ScreenNumber)
	if err != nil {
		rec.ForceIdle("spin request failed")
		return nil, fmt.Errorf("failed to request spin: %w", err)
	}
	if !res.Success {
		rec.ForceIdle("spin rejected")
		return nil, fmt.Errorf("%w: %s", ErrSpinRejected, res.Message)
	}
	if res.ResultIndex != nil {
		rec.SetLocalResult(*res.ResultIndex)
	}
	return res.ResultIndex, nil
}

// Accept accepts the pending offer. The session follows the player to the new screen.
func (p *PlayerSession) Accept(ctx context.Context) (int, error) {
	return p.negotiator.Accept(ctx)
}

// Decline declines the pending offer.
func (p *PlayerSession) Decline(ctx context.Context) error {
	return p.negotiator.Decline(ctx)
}

// Run follows the entry until ctx is done, re-targeting after accepted switches.
func (p *PlayerSession) Run(ctx context.Context) error {
	offers, err := p.bus.SubscribeRowChange(ctx, realtime.TableOffers, realtime.Eq("offered_to_queue_id", p.entry.ID))
	if err != nil {
		return fmt.Errorf("subscribe offers: %w", err)
	}
	entries, err := p.bus.SubscribeRowChange(ctx, realtime.TableQueueEntries, realtime.Eq("id", p.entry.ID))
	if err != nil {
		return fmt.Errorf("subscribe queue entry: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.negotiator.Run(ctx)
	}()

	for {
		screenCtx, cancel := context.WithCancel(ctx)
		screenDone, err := p.runScreen(screenCtx)
		if err != nil {
			cancel()
			return err
		}

	loop:
		for {
			select {
			case <-ctx.Done():
				cancel()
				<-screenDone
				return nil
			case change, ok := <-offers:
				if !ok {
					offers = nil
					continue
				}
				if change.Event == realtime.RowDelete {
					continue
				}
				o, err := realtime.DecodeOffer(change)
				if err != nil {
					log.Warn().Err(err).Msg("skipping malformed offer row")
					continue
				}
				p.negotiator.Receive(*o)
			case change, ok := <-entries:
				if !ok {
					entries = nil
					continue
				}
				p.applyEntry(change)
			case screen := <-p.switchCh:
				cancel()
				<-screenDone
				if err := p.retarget(screen); err != nil {
					return fmt.Errorf("failed to retarget to screen %d: %w", screen, err)
				}
				log.Info().Str("entry", p.entry.ID.String()).Int("screen", screen).Msg("player moved to new screen")
				break loop
			}
		}
	}
}

// runScreen starts the per-screen workers and returns a channel closed once they have all stopped.
func (p *PlayerSession) runScreen(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	screen := p.entry.ScreenNumber
	rec := p.rec
	p.mu.Unlock()

	rows, err := p.bus.SubscribeRowChange(ctx, realtime.TableScreens, realtime.Eq("screen_number", screen))
	if err != nil {
		return nil, fmt.Errorf("subscribe screens: %w", err)
	}

	rule := watchdog.StuckInSpin(screen, p.backend, p.clock, p.watchdogs.Timing(watchdog.RuleStuckInSpin))
	cond := rule.Condition
	rule.Condition = func(ctx context.Context) (watchdog.Trigger, error) {
		// Only a promoted player watches for a spin that never arrives
		if p.Phase() != PhasePlaying {
			return watchdog.Trigger{}, nil
		}
		return cond(ctx)
	}
	sched, err := watchdog.NewScheduler(p.clock,
		rule,
		watchdog.SpinResultTimeout(rec, p.clock, p.watchdogs.Timing(watchdog.RuleSpinResultTimeout)),
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); p.estimator.Run(ctx) }()
	go func() { defer wg.Done(); rec.Run(ctx) }()
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); p.runPull(ctx) }()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-rows:
				if !ok {
					return
				}
				if change.Event == realtime.RowDelete {
					continue
				}
				s, err := realtime.DecodeScreen(change)
				if err != nil {
					log.Warn().Err(err).Int("screen", screen).Msg("skipping malformed screen row")
					continue
				}
				rec.ApplyScreen(s)
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return done, nil
}

func (p *PlayerSession) applyEntry(change realtime.RowChange) {
	if change.Event == realtime.RowDelete {
		return
	}
	e, err := realtime.DecodeQueueEntry(change)
	if err != nil {
		log.Warn().Err(err).Msg("skipping malformed queue entry row")
		return
	}
	p.setEntry(e)
}

// setEntry merges an authoritative entry snapshot, whether pushed or pulled.
func (p *PlayerSession) setEntry(e *models.QueueEntry) {
	p.mu.Lock()
	if e == nil || e.ID != p.entry.ID {
		p.mu.Unlock()
		return
	}
	prev := p.phase
	next := phaseFor(e.Status)
	if phaseOrder[next] < phaseOrder[prev] {
		// A snapshot read before the last change we applied
		p.mu.Unlock()
		return
	}
	p.phase = next
	p.entry.Status = e.Status
	p.mu.Unlock()

	if prev != next {
		log.Info().Str("entry", e.ID.String()).Str("phase", string(next)).Msg("player phase changed")
	}
}

// pull reads the entry and its pending offer directly, covering pushes lost before or between subscriptions.
func (p *PlayerSession) pull(ctx context.Context) {
	p.mu.Lock()
	id := p.entry.ID
	p.mu.Unlock()

	e, err := p.backend.FetchEntry(ctx, id)
	if err != nil {
		log.Debug().Err(err).Str("entry", id.String()).Msg("failed to fetch queue entry")
	} else {
		p.setEntry(e)
	}

	o, err := p.backend.FetchPendingOffer(ctx, id)
	if err != nil {
		log.Debug().Err(err).Str("entry", id.String()).Msg("failed to fetch pending offer")
		return
	}
	if o != nil {
		p.negotiator.Receive(*o)
	}
}

// runPull pulls once right away and then on every estimator interval until ctx is done.
func (p *PlayerSession) runPull(ctx context.Context) {
	p.pull(ctx)
	ticker := p.clock.NewTicker(queue.DefaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.pull(ctx)
		}
	}
}
