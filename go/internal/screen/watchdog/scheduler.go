package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrUnknownRule is returned by RunOnce for a name the scheduler does not hold.
var ErrUnknownRule = errors.New("unknown watchdog rule")

// Trigger is the verdict of a rule's condition.
type Trigger struct {
	Fire bool
	// Key identifies the stuck episode. A non-empty key that was already recovered is not recovered again.
	Key    string
	Reason string
}

// Rule is one row of the watchdog table.
type Rule struct {
	Name      string
	Interval  time.Duration
	Condition func(ctx context.Context) (Trigger, error)
	Action    func(ctx context.Context) error
}

// Scheduler runs every rule on its own ticker.
type Scheduler struct {
	clock clockwork.Clock
	rules map[string]Rule
	order []string

	// Track in-flight checks so a slow check is never overlapped by the next tick
	inFlight   map[string]bool
	inFlightMu sync.Mutex

	// Last recovered episode key per rule
	lastKey   map[string]string
	lastKeyMu sync.Mutex
}

// NewScheduler validates rules and returns a scheduler for them.
func NewScheduler(clock clockwork.Clock, rules ...Rule) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		clock:    clock,
		rules:    make(map[string]Rule, len(rules)),
		inFlight: make(map[string]bool),
		lastKey:  make(map[string]string),
	}
	for _, r := range rules {
		if r.Name == "" {
			return nil, errors.New("watchdog rule requires a name")
		}
		if r.Interval <= 0 {
			return nil, fmt.Errorf("watchdog rule %q: interval must be positive", r.Name)
		}
		if r.Condition == nil || r.Action == nil {
			return nil, fmt.Errorf("watchdog rule %q: condition and action are required", r.Name)
		}
		if _, dup := s.rules[r.Name]; dup {
			return nil, fmt.Errorf("watchdog rule %q registered twice", r.Name)
		}
		s.rules[r.Name] = r
		s.order = append(s.order, r.Name)
	}
	return s, nil
}

// Rules returns the rule names in registration order.
func (s *Scheduler) Rules() []string {
	return append([]string(nil), s.order...)
}

// Run ticks every rule until ctx is done. All tickers are stopped and in-flight checks awaited before it returns.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range s.order {
		rule := s.rules[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, rule, &wg)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	log.Debug().Int("rules", len(s.order)).Msg("watchdog scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, rule Rule, wg *sync.WaitGroup) {
	ticker := s.clock.NewTicker(rule.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !s.claim(rule.Name) {
				log.Debug().Str("rule", rule.Name).Msg("skipping tick, previous check still in flight")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.release(rule.Name)
				if _, err := s.check(ctx, rule); err != nil {
					log.Warn().Err(err).Str("rule", rule.Name).Msg("watchdog recovery failed")
				}
			}()
		}
	}
}

// RunOnce performs one check of the named rule synchronously. It reports whether the recovery action ran.
// A check already in flight makes RunOnce a no-op.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (bool, error) {
	rule, ok := s.rules[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	if !s.claim(name) {
		return false, nil
	}
	defer s.release(name)
	return s.check(ctx, rule)
}

func (s *Scheduler) check(ctx context.Context, rule Rule) (bool, error) {
	trig, err := rule.Condition(ctx)
	if err != nil {
		// Transient read failures mean "no data yet"
		log.Debug().Err(err).Str("rule", rule.Name).Msg("watchdog condition failed")
		return false, nil
	}

	if !trig.Fire {
		s.lastKeyMu.Lock()
		delete(s.lastKey, rule.Name)
		s.lastKeyMu.Unlock()
		return false, nil
	}

	if trig.Key != "" {
		s.lastKeyMu.Lock()
		last, seen := s.lastKey[rule.Name]
		s.lastKeyMu.Unlock()
		if seen && last == trig.Key {
			log.Debug().Str("rule", rule.Name).Str("key", trig.Key).Msg("episode already recovered")
			return false, nil
		}
	}

	log.Info().Str("rule", rule.Name).Str("reason", trig.Reason).Str("key", trig.Key).Msg("watchdog firing")
	if err := rule.Action(ctx); err != nil {
		return true, fmt.Errorf("%s action: %w", rule.Name, err)
	}

	if trig.Key != "" {
		s.lastKeyMu.Lock()
		s.lastKey[rule.Name] = trig.Key
		s.lastKeyMu.Unlock()
	}
	return true, nil
}

func (s *Scheduler) claim(name string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[name] {
		return false
	}
	s.inFlight[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.inFlightMu.Lock()
	delete(s.inFlight, name)
	s.inFlightMu.Unlock()
}
