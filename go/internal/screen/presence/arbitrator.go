package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/rs/zerolog/log"
)

// Role is this instance's standing among displays claiming the same screen.
type Role string

const (
	RoleMaster    Role = "master"
	RoleDuplicate Role = "duplicate"
)

// ElectMaster returns the earliest-joined display record for screenNumber.
// Ties on JoinedAt are broken by InstanceID so every peer computes the same master.
func ElectMaster(records []models.PresenceRecord, screenNumber int) (models.PresenceRecord, bool) {
	displays := Displays(records, screenNumber)
	if len(displays) == 0 {
		return models.PresenceRecord{}, false
	}
	return displays[0], true
}

// Displays returns the display records for screenNumber in arbitration order.
func Displays(records []models.PresenceRecord, screenNumber int) []models.PresenceRecord {
	var displays []models.PresenceRecord
	for _, r := range records {
		if r.Type == models.PresenceTypeDisplay && r.ScreenNumber == screenNumber {
			displays = append(displays, r)
		}
	}
	sort.SliceStable(displays, func(i, j int) bool {
		if displays[i].JoinedAt != displays[j].JoinedAt {
			return displays[i].JoinedAt < displays[j].JoinedAt
		}
		return displays[i].InstanceID < displays[j].InstanceID
	})
	return displays
}

// Arbitrator decides whether this display instance is the master for its screen.
// Until the first sync event arrives it acts as master.
type Arbitrator struct {
	screenNumber int
	clock        clockwork.Clock

	mu        sync.RWMutex
	self      models.PresenceRecord
	role      Role
	synced    bool
	listeners []func(Role)
	cancel    context.CancelFunc // stops the current TrackPresence
	retired   map[string]bool    // ids this instance used before a rejoin
}

// NewArbitrator creates an arbitrator with a fresh instance id and join time.
func NewArbitrator(screenNumber int, clock clockwork.Clock) (*Arbitrator, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Arbitrator{screenNumber: screenNumber, clock: clock, role: RoleMaster, retired: make(map[string]bool)}
	self, err := a.newRecord()
	if err != nil {
		return nil, err
	}
	a.self = self
	return a, nil
}

func (a *Arbitrator) newRecord() (models.PresenceRecord, error) {
	id, err := gonanoid.New()
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("generate instance id: %w", err)
	}
	return models.PresenceRecord{
		InstanceID:   id,
		ScreenNumber: a.screenNumber,
		Type:         models.PresenceTypeDisplay,
		JoinedAt:     a.clock.Now().UnixMilli(),
	}, nil
}

// Self returns this instance's presence record.
func (a *Arbitrator) Self() models.PresenceRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

// Role returns the current role.
func (a *Arbitrator) Role() Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.role
}

// IsMaster reports whether this instance may drive visible game state.
func (a *Arbitrator) IsMaster() bool {
	return a.Role() == RoleMaster
}

// Synced reports whether any sync event has been applied since the last join.
func (a *Arbitrator) Synced() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.synced
}

// OnRoleChange registers fn to run whenever the role changes.
func (a *Arbitrator) OnRoleChange(fn func(Role)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Apply arbitrates on a presence event. Only sync events carry enough data to decide.
// It reports whether the role changed.
func (a *Arbitrator) Apply(ev realtime.PresenceEvent) bool {
	if ev.Kind != realtime.PresenceSync {
		log.Debug().
			Int("screen", a.screenNumber).
			Str("kind", string(ev.Kind)).
			Int("records", len(ev.Records)).
			Msg("presence event")
		return false
	}

	a.mu.Lock()
	a.synced = true
	displays := Displays(ev.Records, a.screenNumber)
	if len(a.retired) > 0 {
		live := displays[:0]
		for _, r := range displays {
			if !a.retired[r.InstanceID] {
				live = append(live, r)
			}
		}
		displays = live
	}
	next := RoleMaster
	if len(displays) >= 2 && displays[0].InstanceID != a.self.InstanceID {
		next = RoleDuplicate
	}
	if next == a.role {
		a.mu.Unlock()
		return false
	}
	a.role = next
	listeners := append([]func(Role){}, a.listeners...)
	self := a.self
	a.mu.Unlock()

	entry := log.Info()
	if next == RoleDuplicate {
		entry = log.Warn().Str("master", displays[0].InstanceID)
	}
	entry.Int("screen", a.screenNumber).
		Str("instance", self.InstanceID).
		Int("displays", len(displays)).
		Str("role", string(next)).
		Msg("display role changed")

	for _, fn := range listeners {
		fn(next)
	}
	return true
}

// Run tracks this instance on channel and arbitrates on every sync until ctx ends.
func (a *Arbitrator) Run(ctx context.Context, pc realtime.PresenceChannel, channel string) error {
	events, err := pc.SubscribePresence(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	if err := a.track(ctx, pc, channel); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.Apply(ev)
		}
	}
}

func (a *Arbitrator) track(ctx context.Context, pc realtime.PresenceChannel, channel string) error {
	trackCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.cancel = cancel
	self := a.self
	a.mu.Unlock()

	if err := pc.TrackPresence(trackCtx, channel, self); err != nil {
		cancel()
		return fmt.Errorf("track presence: %w", err)
	}
	log.Info().
		Int("screen", a.screenNumber).
		Str("instance", self.InstanceID).
		Int64("joined_at", self.JoinedAt).
		Msg("display presence tracked")
	return nil
}

// Rejoin re-registers with a new instance id and join time, like a page reload.
// The instance acts as master again until the next sync event.
func (a *Arbitrator) Rejoin(ctx context.Context, pc realtime.PresenceChannel, channel string) error {
	self, err := a.newRecord()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.retired[a.self.InstanceID] = true
	a.self = self
	a.synced = false
	changed := a.role != RoleMaster
	a.role = RoleMaster
	listeners := append([]func(Role){}, a.listeners...)
	a.mu.Unlock()

	if changed {
		for _, fn := range listeners {
			fn(RoleMaster)
		}
	}
	return a.track(ctx, pc, channel)
}
