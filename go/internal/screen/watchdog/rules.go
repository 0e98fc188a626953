package watchdog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	RuleIdleWithWaiters   = "idle_with_waiters"
	RuleStuckInResult     = "stuck_in_result"
	RuleStuckInSpin       = "stuck_in_spin"
	RuleSpinResultTimeout = "spin_result_timeout"
)

// ScreenQueue is the part of the backend the screen-level rules read and repair.
type ScreenQueue interface {
	backend.ScreenReader
	backend.QueueReader
	backend.QueueAdvancer
}

// SpinTracker is the local reconciler view used by the spin result timeout.
type SpinTracker interface {
	SpinningSince() (time.Time, uint64, bool)
	ForceIdle(reason string) bool
}

// IdleWithWaiters promotes the next player when the screen is idle and someone is waiting.
func IdleWithWaiters(screen int, b ScreenQueue, t Timing) Rule {
	return Rule{
		Name:     RuleIdleWithWaiters,
		Interval: t.Interval,
		Condition: func(ctx context.Context) (Trigger, error) {
			s, err := b.FetchScreenState(ctx, screen)
			if err != nil {
				return Trigger{}, fmt.Errorf("fetch screen: %w", err)
			}
			if s.Status != models.ScreenStatusIdle {
				return Trigger{}, nil
			}
			waiting, err := b.FetchWaitingCount(ctx, screen)
			if err != nil {
				return Trigger{}, fmt.Errorf("fetch waiting count: %w", err)
			}
			if waiting == 0 {
				return Trigger{}, nil
			}
			return Trigger{Fire: true, Reason: fmt.Sprintf("idle with %d waiting", waiting)}, nil
		},
		Action: func(ctx context.Context) error {
			res, err := b.PromoteNextPlayer(ctx, screen)
			if err != nil {
				return fmt.Errorf("promote next player: %w", err)
			}
			ev := log.Info().Int("screen", screen).Bool("success", res.Success)
			if res.PromotedEntry != nil {
				ev = ev.Str("entry", res.PromotedEntry.ID.String())
			}
			ev.Msg("promoted next player")
			return nil
		},
	}
}

// StuckInResult forces the queue forward when a result has been shown longer than the grace period.
func StuckInResult(screen int, b ScreenQueue, clock clockwork.Clock, t Timing) Rule {
	return stuckRule(RuleStuckInResult, screen, b, clock, t, models.ScreenStatusResult)
}

// StuckInSpin forces the queue forward when an awaited spin never arrives.
func StuckInSpin(screen int, b ScreenQueue, clock clockwork.Clock, t Timing) Rule {
	return stuckRule(RuleStuckInSpin, screen, b, clock, t,
		models.ScreenStatusWaitingForSpin, models.ScreenStatusSpinning)
}

func stuckRule(name string, screen int, b ScreenQueue, clock clockwork.Clock, t Timing, statuses ...models.ScreenStatus) Rule {
	return Rule{
		Name:     name,
		Interval: t.Interval,
		Condition: func(ctx context.Context) (Trigger, error) {
			s, err := b.FetchScreenState(ctx, screen)
			if err != nil {
				return Trigger{}, fmt.Errorf("fetch screen: %w", err)
			}
			matched := false
			for _, st := range statuses {
				if s.Status == st {
					matched = true
					break
				}
			}
			if !matched {
				return Trigger{}, nil
			}
			age := s.Age(clock.Now())
			if age <= t.Grace {
				return Trigger{}, nil
			}
			return Trigger{
				Fire:   true,
				Key:    string(s.Status) + "@" + strconv.FormatInt(s.UpdatedAt.UnixNano(), 10),
				Reason: fmt.Sprintf("%s for %s", s.Status, age.Truncate(time.Second)),
			}, nil
		},
		Action: func(ctx context.Context) error {
			return forceAdvance(ctx, screen, b)
		},
	}
}

// SpinResultTimeout returns the local view to idle when no result arrived within the grace period.
func SpinResultTimeout(tracker SpinTracker, clock clockwork.Clock, t Timing) Rule {
	return Rule{
		Name:     RuleSpinResultTimeout,
		Interval: t.Interval,
		Condition: func(ctx context.Context) (Trigger, error) {
			since, episode, spinning := tracker.SpinningSince()
			if !spinning {
				return Trigger{}, nil
			}
			waited := clock.Since(since)
			if waited <= t.Grace {
				return Trigger{}, nil
			}
			return Trigger{
				Fire:   true,
				Key:    strconv.FormatUint(episode, 10),
				Reason: fmt.Sprintf("no result after %s", waited.Truncate(time.Second)),
			}, nil
		},
		Action: func(ctx context.Context) error {
			tracker.ForceIdle(RuleSpinResultTimeout)
			return nil
		},
	}
}

func forceAdvance(ctx context.Context, screen int, b backend.QueueAdvancer) error {
	res, err := b.ForceAdvanceQueue(ctx, screen)
	if err != nil {
		return fmt.Errorf("force advance queue: %w", err)
	}
	log.Info().Int("screen", screen).Bool("success", res.Success).Str("message", res.Message).Msg("forced queue advance")
	return nil
}
