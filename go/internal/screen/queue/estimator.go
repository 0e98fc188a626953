package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often Run recomputes the position.
const DefaultInterval = 5 * time.Second

// Config configures an Estimator.
type Config struct {
	Entry    models.QueueEntry
	Reader   backend.QueueReader
	Clock    clockwork.Clock
	Interval time.Duration
}

// Estimator keeps a waiting player's approximate queue position fresh.
type Estimator struct {
	reader   backend.QueueReader
	clock    clockwork.Clock
	interval time.Duration

	mu         sync.Mutex
	self       models.QueueEntry
	position   int
	known      bool
	refreshing bool
	listeners  []func(int)
}

// NewEstimator returns an estimator whose position is unknown until the first refresh.
func NewEstimator(cfg Config) (*Estimator, error) {
	if cfg.Reader == nil {
		return nil, errors.New("queue reader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Estimator{
		reader:   cfg.Reader,
		clock:    cfg.Clock,
		interval: cfg.Interval,
		self:     cfg.Entry,
	}, nil
}

// Position returns the last computed position. ok is false until one has been computed.
func (e *Estimator) Position() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position, e.known
}

// OnChange registers fn to be called whenever the computed position changes.
func (e *Estimator) OnChange(fn func(int)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Retarget moves the estimator to another screen. The position becomes unknown until the next refresh.
func (e *Estimator) Retarget(screenNumber int) {
	e.mu.Lock()
	e.self.ScreenNumber = screenNumber
	e.known = false
	e.position = 0
	e.mu.Unlock()
}

// Refresh fetches the waiting line and recomputes the position. A refresh already in flight makes it a no-op.
// On fetch failure the previous value is kept.
func (e *Estimator) Refresh(ctx context.Context) {
	e.mu.Lock()
	if e.refreshing {
		e.mu.Unlock()
		return
	}
	e.refreshing = true
	self := e.self
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
	}()

	entries, err := e.reader.FetchWaitingEntries(ctx, self.ScreenNumber)
	if err != nil {
		log.Debug().Err(err).Int("screen", self.ScreenNumber).Msg("failed to fetch waiting entries")
		return
	}
	pos := Position(entries, self)

	e.mu.Lock()
	if e.self.ScreenNumber != self.ScreenNumber {
		// Retargeted while fetching
		e.mu.Unlock()
		return
	}
	changed := !e.known || e.position != pos
	e.position = pos
	e.known = true
	listeners := append([]func(int){}, e.listeners...)
	e.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(pos)
		}
	}
}

// Run computes the position immediately and then on every interval until ctx is done.
func (e *Estimator) Run(ctx context.Context) {
	e.Refresh(ctx)

	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.Refresh(ctx)
		}
	}
}
