package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/mcdev12/spinwheel/go/internal/screen/presence"
	"github.com/mcdev12/spinwheel/go/internal/screen/reconciler"
	"github.com/mcdev12/spinwheel/go/internal/screen/watchdog"
	"github.com/rs/zerolog/log"
)

// DefaultPreviewTTL is how long a preview stays on the display without a superseding update.
const DefaultPreviewTTL = 30 * time.Second

// DisplayConfig configures a DisplaySession.
type DisplayConfig struct {
	ScreenNumber int
	Backend      backend.Backend
	Bus          realtime.Bus
	Clock        clockwork.Clock
	Watchdogs    watchdog.Table
	PreviewTTL   time.Duration
}

// Snapshot is what a display renders.
type Snapshot struct {
	ScreenNumber int                      `json:"screen_number"`
	InstanceID   string                   `json:"instance_id"`
	Role         presence.Role            `json:"role"`
	Status       reconciler.Status        `json:"status"`
	Result       *int                     `json:"result,omitempty"`
	Episode      uint64                   `json:"episode"`
	PlayerName   string                   `json:"player_name,omitempty"`
	PlayerEmoji  string                   `json:"player_emoji,omitempty"`
	Preview      *realtime.PreviewPayload `json:"preview,omitempty"`
	// ShowGame is false while this instance is a duplicate; game content must not be rendered.
	ShowGame bool `json:"show_game"`
}

// DisplaySession runs the shared display for one screen.
type DisplaySession struct {
	screen     int
	backend    backend.Backend
	bus        realtime.Bus
	clock      clockwork.Clock
	previewTTL time.Duration

	arbitrator *presence.Arbitrator
	reconciler *reconciler.Reconciler
	scheduler  *watchdog.Scheduler
	refreshCh  chan struct{}

	mu           sync.Mutex
	playerName   string
	playerEmoji  string
	preview      *realtime.PreviewPayload
	previewTimer clockwork.Timer
	previewGen   uint64
	listeners    []func(Snapshot)
}

// NewDisplaySession wires the arbitrator, reconciler and watchdogs for a display.
func NewDisplaySession(cfg DisplayConfig) (*DisplaySession, error) {
	if cfg.Backend == nil || cfg.Bus == nil {
		return nil, errors.New("backend and bus are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Watchdogs == nil {
		cfg.Watchdogs = watchdog.DefaultTable()
	}
	if cfg.PreviewTTL <= 0 {
		cfg.PreviewTTL = DefaultPreviewTTL
	}

	arb, err := presence.NewArbitrator(cfg.ScreenNumber, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create arbitrator: %w", err)
	}
	rec, err := reconciler.New(reconciler.Config{
		ScreenNumber: cfg.ScreenNumber,
		Screens:      cfg.Backend,
		Clock:        cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	d := &DisplaySession{
		screen:     cfg.ScreenNumber,
		backend:    cfg.Backend,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		previewTTL: cfg.PreviewTTL,
		arbitrator: arb,
		reconciler: rec,
		refreshCh:  make(chan struct{}, 1),
	}

	t := cfg.Watchdogs
	sched, err := watchdog.NewScheduler(cfg.Clock,
		masterOnly(arb, watchdog.IdleWithWaiters(cfg.ScreenNumber, cfg.Backend, t.Timing(watchdog.RuleIdleWithWaiters))),
		masterOnly(arb, watchdog.StuckInResult(cfg.ScreenNumber, cfg.Backend, cfg.Clock, t.Timing(watchdog.RuleStuckInResult))),
		watchdog.SpinResultTimeout(rec, cfg.Clock, t.Timing(watchdog.RuleSpinResultTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdogs: %w", err)
	}
	d.scheduler = sched

	arb.OnRoleChange(d.onRoleChange)
	rec.Store().Subscribe(func(reconciler.State) { d.publish() })
	return d, nil
}

// masterOnly keeps duplicate displays from issuing recovery requests.
func masterOnly(arb *presence.Arbitrator, rule watchdog.Rule) watchdog.Rule {
	cond := rule.Condition
	rule.Condition = func(ctx context.Context) (watchdog.Trigger, error) {
		if !arb.IsMaster() {
			return watchdog.Trigger{}, nil
		}
		return cond(ctx)
	}
	return rule
}

// Arbitrator returns the presence arbitrator.
func (d *DisplaySession) Arbitrator() *presence.Arbitrator { return d.arbitrator }

// Reconciler returns the status reconciler.
func (d *DisplaySession) Reconciler() *reconciler.Reconciler { return d.reconciler }

// Scheduler returns the watchdog scheduler.
func (d *DisplaySession) Scheduler() *watchdog.Scheduler { return d.scheduler }

// OnOutcome registers fn for resolved spins.
func (d *DisplaySession) OnOutcome(fn func(reconciler.Outcome)) {
	d.reconciler.OnOutcome(fn)
}

// OnSnapshot registers fn for every visible change.
func (d *DisplaySession) OnSnapshot(fn func(Snapshot)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

// Snapshot returns the current view.
func (d *DisplaySession) Snapshot() Snapshot {
	st := d.reconciler.State()
	role := d.arbitrator.Role()

	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{
		ScreenNumber: d.screen,
		InstanceID:   d.arbitrator.Self().InstanceID,
		Role:         role,
		Status:       st.Status,
		Result:       st.Result,
		Episode:      st.Episode,
		ShowGame:     role == presence.RoleMaster && st.Status != reconciler.StatusDuplicate,
	}
	if snap.ShowGame {
		snap.PlayerName = d.playerName
		snap.PlayerEmoji = d.playerEmoji
		if d.preview != nil {
			p := *d.preview
			snap.Preview = &p
		}
	}
	return snap
}

// Run joins presence, subscribes to the screen's realtime feeds and runs the watchdogs until ctx is done.
func (d *DisplaySession) Run(ctx context.Context) error {
	screenCh := realtime.ScreenChannel(d.screen)

	rows, err := d.bus.SubscribeRowChange(ctx, realtime.TableScreens, realtime.Eq("screen_number", d.screen))
	if err != nil {
		return fmt.Errorf("subscribe screens: %w", err)
	}
	reloads, err := d.bus.SubscribeBroadcast(ctx, screenCh, realtime.EventForceReload)
	if err != nil {
		return fmt.Errorf("subscribe force reload: %w", err)
	}
	previews, err := d.bus.SubscribeBroadcast(ctx, screenCh, realtime.EventPreviewUpdate)
	if err != nil {
		return fmt.Errorf("subscribe preview: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer d.stopPreviewTimer()

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := d.arbitrator.Run(ctx, d.bus, realtime.ChannelPresence); err != nil {
			log.Error().Err(err).Int("screen", d.screen).Msg("presence arbitration stopped")
		}
	}()
	go func() {
		defer wg.Done()
		d.reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.scheduler.Run(ctx)
	}()

	d.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.refreshCh:
			d.refresh(ctx)
		case change, ok := <-rows:
			if !ok {
				rows = nil
				continue
			}
			d.applyRow(change)
		case _, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			log.Info().Int("screen", d.screen).Msg("force reload requested")
			if err := d.arbitrator.Rejoin(ctx, d.bus, realtime.ChannelPresence); err != nil {
				log.Error().Err(err).Int("screen", d.screen).Msg("failed to rejoin presence")
			}
			d.refresh(ctx)
		case ev, ok := <-previews:
			if !ok {
				previews = nil
				continue
			}
			d.showPreview(realtime.ParsePreviewPayload(ev.Payload))
		}
	}
}

func (d *DisplaySession) refresh(ctx context.Context) {
	s, err := d.backend.FetchScreenState(ctx, d.screen)
	if err != nil {
		log.Warn().Err(err).Int("screen", d.screen).Msg("failed to fetch screen state")
		return
	}
	d.mu.Lock()
	d.playerName = s.PlayerName
	d.playerEmoji = s.PlayerEmoji
	d.mu.Unlock()
	d.reconciler.ApplyScreen(s)
	d.publish()
}

func (d *DisplaySession) applyRow(change realtime.RowChange) {
	if change.Event == realtime.RowDelete {
		return
	}
	s, err := realtime.DecodeScreen(change)
	if err != nil {
		log.Warn().Err(err).Int("screen", d.screen).Msg("skipping malformed screen row")
		return
	}
	d.mu.Lock()
	d.playerName = s.PlayerName
	d.playerEmoji = s.PlayerEmoji
	d.mu.Unlock()
	d.reconciler.ApplyScreen(s)
	d.publish()
}

func (d *DisplaySession) showPreview(p realtime.PreviewPayload) {
	d.reconciler.SetPlayer(p.PlayerName, p.SelectedAnimals)

	d.mu.Lock()
	d.preview = &p
	d.previewGen++
	gen := d.previewGen
	if d.previewTimer != nil {
		d.previewTimer.Stop()
	}
	d.previewTimer = d.clock.AfterFunc(d.previewTTL, func() { d.clearPreview(gen) })
	d.mu.Unlock()

	d.publish()
}

func (d *DisplaySession) clearPreview(gen uint64) {
	d.mu.Lock()
	if gen != d.previewGen || d.preview == nil {
		// Superseded by a newer preview
		d.mu.Unlock()
		return
	}
	d.preview = nil
	d.previewTimer = nil
	d.mu.Unlock()
	d.publish()
}

func (d *DisplaySession) stopPreviewTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.previewTimer != nil {
		d.previewTimer.Stop()
		d.previewTimer = nil
	}
	d.previewGen++
}

func (d *DisplaySession) onRoleChange(role presence.Role) {
	switch role {
	case presence.RoleDuplicate:
		d.reconciler.MarkDuplicate()
	case presence.RoleMaster:
		d.reconciler.ClearDuplicate()
		select {
		case d.refreshCh <- struct{}{}:
		default:
		}
	}
	d.publish()
}

func (d *DisplaySession) publish() {
	snap := d.Snapshot()
	d.mu.Lock()
	listeners := append([]func(Snapshot){}, d.listeners...)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}
