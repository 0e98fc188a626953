package natsbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
)

func record(id string, joined int64) models.PresenceRecord {
	return models.PresenceRecord{InstanceID: id, ScreenNumber: 1, Type: models.PresenceTypeDisplay, JoinedAt: joined}
}

func TestRosterJoinLeave(t *testing.T) {
	r := newRoster(6 * time.Second)
	now := time.Unix(100, 0)

	evs := r.apply(presenceMsg{Op: opHeartbeat, Record: record("b", 2)}, now)
	if len(evs) != 2 || evs[0].Kind != realtime.PresenceJoin || evs[1].Kind != realtime.PresenceSync {
		t.Fatalf("first heartbeat got=%+v", evs)
	}
	if evs := r.apply(presenceMsg{Op: opHeartbeat, Record: record("b", 2)}, now.Add(time.Second)); evs != nil {
		t.Fatalf("repeat heartbeat should be silent, got=%+v", evs)
	}
	r.apply(presenceMsg{Op: opHeartbeat, Record: record("a", 1)}, now)

	sync := r.sync()
	if len(sync.Records) != 2 || sync.Records[0].InstanceID != "a" {
		t.Fatalf("sync got=%+v", sync)
	}

	evs = r.apply(presenceMsg{Op: opLeave, Record: record("a", 1)}, now)
	if len(evs) != 2 || evs[0].Kind != realtime.PresenceLeave || len(evs[1].Records) != 1 {
		t.Fatalf("leave got=%+v", evs)
	}
	if evs := r.apply(presenceMsg{Op: opLeave, Record: record("zz", 1)}, now); evs != nil {
		t.Fatalf("leave of unknown member got=%+v", evs)
	}
}

func TestRosterSweep(t *testing.T) {
	r := newRoster(6 * time.Second)
	now := time.Unix(100, 0)
	r.apply(presenceMsg{Op: opHeartbeat, Record: record("a", 1)}, now)
	r.apply(presenceMsg{Op: opHeartbeat, Record: record("b", 2)}, now.Add(5*time.Second))

	if evs := r.sweep(now.Add(6 * time.Second)); evs != nil {
		t.Fatalf("sweep within ttl got=%+v", evs)
	}
	evs := r.sweep(now.Add(7 * time.Second))
	if len(evs) != 2 || evs[0].Records[0].InstanceID != "a" {
		t.Fatalf("sweep got=%+v", evs)
	}
	if got := evs[1].Records; len(got) != 1 || got[0].InstanceID != "b" {
		t.Fatalf("sync after sweep got=%+v", got)
	}
}

func TestSubjects(t *testing.T) {
	if got := broadcastSubject("screen-3", realtime.EventForceReload); got != "broadcast.screen-3.force_reload" {
		t.Fatalf("got=%q", got)
	}
	if got := presenceSubject(realtime.ChannelPresence); got != "presence.screen-presence" {
		t.Fatalf("got=%q", got)
	}
	if got := rowSubject(realtime.TableScreens); got != "rows.screens" {
		t.Fatalf("got=%q", got)
	}
}

// Requires a running NATS server, e.g. NATS_TEST_URL=nats://localhost:4222.
func TestBusRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Heartbeat = 200 * time.Millisecond
	bus, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	previews, err := bus.SubscribeBroadcast(ctx, "screen-9", realtime.EventPreviewUpdate)
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := realtime.NewPreviewPayload(realtime.PreviewPayload{PlayerName: "Ana"})
	if err := bus.Broadcast(ctx, "screen-9", realtime.EventPreviewUpdate, payload); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-previews:
		if got := realtime.ParsePreviewPayload(ev.Payload).PlayerName; got != "Ana" {
			t.Fatalf("got=%q", got)
		}
	case <-ctx.Done():
		t.Fatal("no broadcast received")
	}

	events, err := bus.SubscribePresence(ctx, "test-presence")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.TrackPresence(ctx, "test-presence", record("x", 1)); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case ev := <-events:
			if ev.Kind == realtime.PresenceSync && len(ev.Records) == 1 {
				return
			}
		case <-ctx.Done():
			t.Fatal("no presence sync received")
		}
	}
}
