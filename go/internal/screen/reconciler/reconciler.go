package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultRetryDelay is how long Resolve waits before its single retry fetch.
const DefaultRetryDelay = time.Second

// Outcome describes a resolved spin. Handlers receive exactly one per episode.
type Outcome struct {
	Screen      int    `json:"screen"`
	Episode     uint64 `json:"episode"`
	ResultIndex int    `json:"result_index"`
	Selected    []int  `json:"selected"`
	Won         bool   `json:"won"`
	PlayerName  string `json:"player_name"`
}

// Config configures a Reconciler.
type Config struct {
	ScreenNumber int
	Screens      backend.ScreenReader
	Clock        clockwork.Clock
	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay time.Duration
}

// Reconciler merges push events, polled screen rows and the optimistic spin result into one Store.
type Reconciler struct {
	screen     int
	screens    backend.ScreenReader
	clock      clockwork.Clock
	retryDelay time.Duration
	store      *Store

	mu           sync.Mutex
	local        *int
	localEpisode uint64
	resolving    map[uint64]bool
	playerName   string
	selected     []int
	lastOutcome  uint64
	handlers     []func(Outcome)
}

// New builds a Reconciler starting in idle.
func New(cfg Config) (*Reconciler, error) {
	if cfg.ScreenNumber <= 0 {
		return nil, fmt.Errorf("invalid screen number %d", cfg.ScreenNumber)
	}
	if cfg.Screens == nil {
		return nil, errors.New("screen reader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	r := &Reconciler{
		screen:     cfg.ScreenNumber,
		screens:    cfg.Screens,
		clock:      cfg.Clock,
		retryDelay: cfg.RetryDelay,
		store:      NewStore(cfg.Clock),
		resolving:  make(map[uint64]bool),
	}
	r.store.Subscribe(r.onStateChange)
	return r, nil
}

// Store exposes the underlying state holder.
func (r *Reconciler) Store() *Store {
	return r.store
}

// State returns the current state.
func (r *Reconciler) State() State {
	return r.store.Get()
}

// OnOutcome registers a handler that runs once for every spinning → result transition.
func (r *Reconciler) OnOutcome(fn func(Outcome)) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

// SetPlayer records who is playing and which options they selected, used to decide wins.
func (r *Reconciler) SetPlayer(name string, selected []int) {
	r.mu.Lock()
	r.playerName = name
	r.selected = append([]int(nil), selected...)
	r.mu.Unlock()
}

// BeginSpin signals that the player's action started. It clears any previous result.
func (r *Reconciler) BeginSpin() error {
	changed, err := r.store.Transition(StatusSpinning, nil)
	if err != nil {
		return err
	}
	if changed {
		log.Debug().Int("screen", r.screen).Uint64("episode", r.store.Get().Episode).Msg("spin started")
	}
	return nil
}

// SetLocalResult records the optimistic outcome returned by RequestSpin and applies it if a spin is underway.
func (r *Reconciler) SetLocalResult(index int) {
	st := r.store.Get()
	if st.Status != StatusSpinning {
		log.Debug().Int("screen", r.screen).Str("status", string(st.Status)).Msg("ignoring local result outside a spin")
		return
	}
	r.mu.Lock()
	v := index
	r.local = &v
	r.localEpisode = st.Episode
	r.mu.Unlock()

	r.ApplyResult(index)
}

// ApplyResult moves spinning → result. Repeated or late deliveries are ignored.
func (r *Reconciler) ApplyResult(index int) bool {
	st := r.store.Get()
	switch st.Status {
	case StatusSpinning:
		changed, err := r.store.Transition(StatusResult, &index)
		if err != nil {
			log.Warn().Err(err).Int("screen", r.screen).Msg("failed to apply result")
			return false
		}
		return changed
	case StatusResult:
		if st.Result != nil && *st.Result != index {
			log.Warn().Int("screen", r.screen).Int("current", *st.Result).Int("incoming", index).
				Msg("conflicting result ignored until reset")
		}
	}
	return false
}

// ApplyScreen merges an authoritative screen row, whether pushed or polled.
func (r *Reconciler) ApplyScreen(screen *models.Screen) {
	if screen == nil || screen.ScreenNumber != r.screen {
		return
	}
	if screen.PlayerName != "" {
		r.mu.Lock()
		r.playerName = screen.PlayerName
		r.mu.Unlock()
	}

	st := r.store.Get()
	if st.Status == StatusDuplicate {
		return
	}

	switch screen.Status {
	case models.ScreenStatusIdle:
		if st.Status == StatusResult {
			r.Reset()
		}
	case models.ScreenStatusSpinning:
		// A spinning row seen while showing a result is stale until the server resets to idle.
		if st.Status == StatusIdle {
			_ = r.BeginSpin()
		}
	case models.ScreenStatusResult:
		if screen.LastSpinResult == nil {
			return
		}
		if st.Status == StatusIdle {
			// The spinning event was missed; catch up in order.
			if err := r.BeginSpin(); err != nil {
				return
			}
		}
		r.ApplyResult(*screen.LastSpinResult)
	}
}

// Reset is the explicit external "done" signal. It moves result or spinning back to idle.
func (r *Reconciler) Reset() bool {
	st := r.store.Get()
	if st.Status != StatusResult && st.Status != StatusSpinning {
		return false
	}
	changed, err := r.store.Transition(StatusIdle, nil)
	if err != nil {
		log.Warn().Err(err).Int("screen", r.screen).Msg("failed to reset")
		return false
	}
	return changed
}

// ForceIdle abandons a spin whose outcome never arrived.
func (r *Reconciler) ForceIdle(reason string) bool {
	if r.store.Status() != StatusSpinning {
		return false
	}
	changed, err := r.store.Transition(StatusIdle, nil)
	if err != nil {
		return false
	}
	if changed {
		log.Warn().Int("screen", r.screen).Str("reason", reason).Msg("forced idle without a result")
	}
	return changed
}

// MarkDuplicate blocks the flow while another display owns the screen.
func (r *Reconciler) MarkDuplicate() {
	if _, err := r.store.Transition(StatusDuplicate, nil); err != nil {
		log.Warn().Err(err).Int("screen", r.screen).Msg("failed to mark duplicate")
	}
}

// ClearDuplicate returns a duplicate display to idle.
func (r *Reconciler) ClearDuplicate() {
	if r.store.Status() != StatusDuplicate {
		return
	}
	if _, err := r.store.Transition(StatusIdle, nil); err != nil {
		log.Warn().Err(err).Int("screen", r.screen).Msg("failed to clear duplicate")
	}
}

// SpinningSince reports when the current spin started.
func (r *Reconciler) SpinningSince() (time.Time, uint64, bool) {
	st := r.store.Get()
	if st.Status != StatusSpinning {
		return time.Time{}, 0, false
	}
	return st.Since, st.Episode, true
}

// Resolve tries to obtain the outcome of the current spin: local value, one fetch, one delayed retry.
// Only one Resolve runs per episode. It reports whether a result was applied.
func (r *Reconciler) Resolve(ctx context.Context) bool {
	st := r.store.Get()
	if st.Status != StatusSpinning {
		return false
	}
	episode := st.Episode

	r.mu.Lock()
	if r.resolving[episode] {
		r.mu.Unlock()
		return false
	}
	r.resolving[episode] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.resolving, episode)
		r.mu.Unlock()
	}()

	if r.applyLocal(episode) {
		return true
	}

	if r.fetchOnce(ctx, episode) {
		return true
	}
	if !r.stillSpinning(episode) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(r.retryDelay):
	}

	if !r.stillSpinning(episode) {
		return false
	}
	if r.applyLocal(episode) {
		return true
	}
	if r.fetchOnce(ctx, episode) {
		return true
	}

	log.Warn().Int("screen", r.screen).Uint64("episode", episode).Msg("no result after retry, waiting for watchdog")
	return false
}

// Run resolves every spin as it starts until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	started := make(chan struct{}, 1)
	unsubscribe := r.store.Subscribe(func(st State) {
		if st.Status != StatusSpinning {
			return
		}
		select {
		case started <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-started:
			go r.Resolve(ctx)
		}
	}
}

func (r *Reconciler) applyLocal(episode uint64) bool {
	r.mu.Lock()
	var v *int
	if r.local != nil && r.localEpisode == episode {
		v = r.local
	}
	r.mu.Unlock()
	if v == nil {
		return false
	}
	return r.ApplyResult(*v)
}

func (r *Reconciler) fetchOnce(ctx context.Context, episode uint64) bool {
	screen, err := r.screens.FetchScreenState(ctx, r.screen)
	if err != nil {
		log.Warn().Err(err).Int("screen", r.screen).Msg("failed to fetch screen state")
		return false
	}
	if screen == nil || screen.Status != models.ScreenStatusResult || screen.LastSpinResult == nil {
		return false
	}
	if !r.stillSpinning(episode) {
		return false
	}
	return r.ApplyResult(*screen.LastSpinResult)
}

func (r *Reconciler) stillSpinning(episode uint64) bool {
	st := r.store.Get()
	return st.Status == StatusSpinning && st.Episode == episode
}

func (r *Reconciler) onStateChange(st State) {
	if st.Status != StatusResult || st.Result == nil {
		return
	}

	r.mu.Lock()
	if st.Episode == r.lastOutcome {
		r.mu.Unlock()
		return
	}
	r.lastOutcome = st.Episode
	selected := append([]int(nil), r.selected...)
	outcome := Outcome{
		Screen:      r.screen,
		Episode:     st.Episode,
		ResultIndex: *st.Result,
		Selected:    selected,
		PlayerName:  r.playerName,
	}
	for _, s := range selected {
		if s == *st.Result {
			outcome.Won = true
			break
		}
	}
	handlers := append([]func(Outcome){}, r.handlers...)
	r.mu.Unlock()

	log.Info().Int("screen", r.screen).Uint64("episode", st.Episode).Int("result", outcome.ResultIndex).
		Bool("won", outcome.Won).Msg("spin resolved")
	for _, fn := range handlers {
		fn(outcome)
	}
}
