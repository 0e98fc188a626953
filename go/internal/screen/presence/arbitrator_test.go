package presence

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/mcdev12/spinwheel/go/internal/realtime/memory"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func display(id string, screen int, joined int64) models.PresenceRecord {
	return models.PresenceRecord{InstanceID: id, ScreenNumber: screen, Type: models.PresenceTypeDisplay, JoinedAt: joined}
}

func TestElectMasterPicksSmallestJoinedAt(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.Intn(6)
		var records []models.PresenceRecord
		minJoined := int64(1 << 62)
		minID := ""
		for i := 0; i < n; i++ {
			joined := rng.Int63n(1_000_000)
			id := "inst-" + strconv.Itoa(iter) + "-" + strconv.Itoa(i)
			records = append(records, display(id, 3, joined))
			if joined < minJoined {
				minJoined, minID = joined, id
			}
		}
		// noise that must be ignored
		records = append(records,
			display("other-screen", 4, -1),
			models.PresenceRecord{InstanceID: "phone", ScreenNumber: 3, Type: models.PresenceTypePlayer, JoinedAt: -1},
		)
		rng.Shuffle(len(records), func(i, j int) { records[i], records[j] = records[j], records[i] })

		master, ok := ElectMaster(records, 3)
		if !ok {
			t.Fatalf("iter %d: no master elected", iter)
		}
		if master.JoinedAt != minJoined {
			t.Fatalf("iter %d: master joined_at got=%d want=%d", iter, master.JoinedAt, minJoined)
		}
		if master.InstanceID != minID {
			// only possible on a joined_at tie, which must resolve by instance id
			for _, r := range records {
				if r.JoinedAt == minJoined && r.Type == models.PresenceTypeDisplay && r.ScreenNumber == 3 && r.InstanceID < master.InstanceID {
					t.Fatalf("iter %d: tie not broken by instance id", iter)
				}
			}
		}
	}
}

func TestElectMasterTieBreaksByInstanceID(t *testing.T) {
	records := []models.PresenceRecord{display("bbb", 1, 500), display("aaa", 1, 500), display("ccc", 1, 500)}
	for i := 0; i < 3; i++ {
		master, _ := ElectMaster(records, 1)
		if master.InstanceID != "aaa" {
			t.Fatalf("got=%s want=aaa", master.InstanceID)
		}
		records = append(records[1:], records[0])
	}
}

func TestApplySyncRoles(t *testing.T) {
	a, err := NewArbitrator(3, clockwork.NewFakeClockAt(time.UnixMilli(200)))
	if err != nil {
		t.Fatalf("NewArbitrator: %v", err)
	}
	self := a.Self()

	if !a.IsMaster() || a.Synced() {
		t.Fatalf("expected fail-open master before sync")
	}

	var roles []Role
	a.OnRoleChange(func(r Role) { roles = append(roles, r) })

	// join/leave events never arbitrate
	if a.Apply(realtime.PresenceEvent{Kind: realtime.PresenceJoin, Records: []models.PresenceRecord{display("early", 3, 100)}}) {
		t.Fatalf("join event changed role")
	}

	alone := realtime.PresenceEvent{Kind: realtime.PresenceSync, Records: []models.PresenceRecord{self}}
	if a.Apply(alone) {
		t.Fatalf("alone sync should not change master role")
	}

	crowded := realtime.PresenceEvent{Kind: realtime.PresenceSync, Records: []models.PresenceRecord{self, display("early", 3, 100)}}
	if !a.Apply(crowded) || a.Role() != RoleDuplicate {
		t.Fatalf("expected duplicate, got %s", a.Role())
	}
	// idempotent
	if a.Apply(crowded) {
		t.Fatalf("repeated sync reported a change")
	}

	if !a.Apply(alone) || !a.IsMaster() {
		t.Fatalf("expected master after peer left")
	}
	if len(roles) != 2 || roles[0] != RoleDuplicate || roles[1] != RoleMaster {
		t.Fatalf("unexpected role notifications: %v", roles)
	}
}

// Two displays on screen 3 join at 100 and 200: the later one is the duplicate
// until the master goes away.
func TestTwoDisplaysArbitrateOverHub(t *testing.T) {
	hub := memory.NewHub()
	first, err := NewArbitrator(3, clockwork.NewFakeClockAt(time.UnixMilli(100)))
	if err != nil {
		t.Fatalf("NewArbitrator: %v", err)
	}
	second, err := NewArbitrator(3, clockwork.NewFakeClockAt(time.UnixMilli(200)))
	if err != nil {
		t.Fatalf("NewArbitrator: %v", err)
	}

	firstCtx, closeFirst := context.WithCancel(context.Background())
	defer closeFirst()
	secondCtx, closeSecond := context.WithCancel(context.Background())
	defer closeSecond()

	go first.Run(firstCtx, hub, realtime.ChannelPresence)
	waitFor(t, first.Synced, "first display sync")
	go second.Run(secondCtx, hub, realtime.ChannelPresence)

	waitFor(t, func() bool { return second.Role() == RoleDuplicate }, "second display to become duplicate")
	if !first.IsMaster() {
		t.Fatalf("first display lost master")
	}

	closeFirst()
	waitFor(t, second.IsMaster, "second display to become master after first closed")
}

func TestRunFailsOpenWithoutSync(t *testing.T) {
	a, err := NewArbitrator(5, clockwork.NewFakeClock())
	if err != nil {
		t.Fatalf("NewArbitrator: %v", err)
	}
	pc := &silentChannel{events: make(chan realtime.PresenceEvent)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, pc, realtime.ChannelPresence) }()

	waitFor(t, func() bool { return pc.tracked() }, "presence tracked")
	if !a.IsMaster() {
		t.Fatalf("instance must act as master while presence never syncs")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestRejoinUsesFreshIdentity(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1000))
	a, err := NewArbitrator(2, clock)
	if err != nil {
		t.Fatalf("NewArbitrator: %v", err)
	}
	before := a.Self()
	a.Apply(realtime.PresenceEvent{Kind: realtime.PresenceSync, Records: []models.PresenceRecord{before, display("early", 2, 1)}})
	if a.IsMaster() {
		t.Fatalf("expected duplicate before rejoin")
	}

	clock.Advance(time.Second)
	hub := memory.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Rejoin(ctx, hub, realtime.ChannelPresence); err != nil {
		t.Fatalf("Rejoin: %v", err)
	}
	after := a.Self()
	if after.InstanceID == before.InstanceID {
		t.Fatalf("rejoin kept instance id")
	}
	if after.JoinedAt != before.JoinedAt+1000 {
		t.Fatalf("joined_at got=%d want=%d", after.JoinedAt, before.JoinedAt+1000)
	}
	if !a.IsMaster() || a.Synced() {
		t.Fatalf("rejoin must reset to unsynced master")
	}
}

func TestRejoinIgnoresOwnPreviousRecord(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.UnixMilli(5000))
	a, err := NewArbitrator(1, clock)
	if err != nil {
		t.Fatalf("NewArbitrator: %v", err)
	}
	old := a.Self()
	pc := &silentChannel{events: make(chan realtime.PresenceEvent)}
	if err := a.Rejoin(context.Background(), pc, realtime.ChannelPresence); err != nil {
		t.Fatalf("Rejoin: %v", err)
	}
	fresh := a.Self()

	// The old record can linger with an earlier or equal join time until its leave lands.
	old.JoinedAt = fresh.JoinedAt - 1
	a.Apply(realtime.PresenceEvent{Kind: realtime.PresenceSync, Records: []models.PresenceRecord{old, fresh}})
	if !a.IsMaster() {
		t.Fatalf("stale record of this instance made it a duplicate")
	}
}

type silentChannel struct {
	events chan realtime.PresenceEvent
	tracks atomic.Int32
}

func (s *silentChannel) TrackPresence(ctx context.Context, channel string, record models.PresenceRecord) error {
	s.tracks.Add(1)
	return nil
}

func (s *silentChannel) SubscribePresence(ctx context.Context, channel string) (<-chan realtime.PresenceEvent, error) {
	return s.events, nil
}

func (s *silentChannel) tracked() bool {
	return s.tracks.Load() > 0
}
