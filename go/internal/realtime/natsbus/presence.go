package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
)

type presenceOp string

const (
	opHeartbeat presenceOp = "heartbeat"
	opLeave     presenceOp = "leave"
)

type presenceMsg struct {
	Op     presenceOp            `json:"op"`
	Record models.PresenceRecord `json:"record"`
}

func presenceSubject(channel string) string { return "presence." + channel }
func probeSubject(channel string) string { return "presence." + channel + ".probe" }

// TrackPresence announces record on channel every heartbeat until ctx ends, then announces a leave.
// A probe from a new subscriber triggers an immediate announcement.
func (b *Bus) TrackPresence(ctx context.Context, channel string, record models.PresenceRecord) error {
	hb, err := json.Marshal(presenceMsg{Op: opHeartbeat, Record: record})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	leave, err := json.Marshal(presenceMsg{Op: opLeave, Record: record})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	subject := presenceSubject(channel)
	probes, err := b.nc.Subscribe(probeSubject(channel), func(*nats.Msg) {
		if err := b.nc.Publish(subject, hb); err != nil {
			log.Debug().Err(err).Str("channel", channel).Msg("failed to answer presence probe")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe presence probe: %w", err)
	}
	if err := b.nc.Publish(subject, hb); err != nil {
		_ = probes.Unsubscribe()
		return fmt.Errorf("publish presence: %w", err)
	}

	go func() {
		ticker := b.clock.NewTicker(b.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = probes.Unsubscribe()
				if err := b.nc.Publish(subject, leave); err != nil {
					log.Debug().Err(err).Str("channel", channel).Msg("failed to announce presence leave")
				}
				return
			case <-ticker.Chan():
				if err := b.nc.Publish(subject, hb); err != nil {
					log.Warn().Err(err).Str("channel", channel).Msg("failed to publish presence heartbeat")
				}
			}
		}
	}()
	return nil
}

// SubscribePresence implements realtime.PresenceChannel. It emits a sync after the first heartbeat
// window and after every membership change.
func (b *Bus) SubscribePresence(ctx context.Context, channel string) (<-chan realtime.PresenceEvent, error) {
	raw := make(chan *nats.Msg, subscriberBuffer)
	sub, err := b.nc.ChanSubscribe(presenceSubject(channel), raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	if err := b.nc.Publish(probeSubject(channel), nil); err != nil {
		log.Debug().Err(err).Str("channel", channel).Msg("failed to probe presence")
	}

	out := make(chan realtime.PresenceEvent, subscriberBuffer)
	roster := newRoster(3 * b.heartbeat)
	emit := func(evs []realtime.PresenceEvent) {
		for _, ev := range evs {
			select {
			case out <- ev:
			default:
				log.Warn().Str("channel", channel).Str("kind", string(ev.Kind)).Msg("presence subscriber full, dropping event")
			}
		}
	}

	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		settle := b.clock.NewTimer(b.heartbeat)
		defer settle.Stop()
		sweep := b.clock.NewTicker(b.heartbeat)
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-settle.Chan():
				emit([]realtime.PresenceEvent{roster.sync()})
			case <-sweep.Chan():
				emit(roster.sweep(b.clock.Now()))
			case msg := <-raw:
				var pm presenceMsg
				if err := json.Unmarshal(msg.Data, &pm); err != nil {
					log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed presence message")
					continue
				}
				emit(roster.apply(pm, b.clock.Now()))
			}
		}
	}()
	return out, nil
}

// roster is the subscriber-side view of who is present.
type roster struct {
	ttl time.Duration

	mu      sync.Mutex
	members map[string]member
}

type member struct {
	record   models.PresenceRecord
	lastSeen time.Time
}

func newRoster(ttl time.Duration) *roster {
	return &roster{ttl: ttl, members: make(map[string]member)}
}

// apply folds one message in and returns the events it causes.
func (r *roster) apply(msg presenceMsg, now time.Time) []realtime.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := msg.Record.InstanceID
	_, known := r.members[id]
	switch msg.Op {
	case opHeartbeat:
		r.members[id] = member{record: msg.Record, lastSeen: now}
		if known {
			return nil
		}
		return []realtime.PresenceEvent{
			{Kind: realtime.PresenceJoin, Records: []models.PresenceRecord{msg.Record}},
			r.syncLocked(),
		}
	case opLeave:
		if !known {
			return nil
		}
		delete(r.members, id)
		return []realtime.PresenceEvent{
			{Kind: realtime.PresenceLeave, Records: []models.PresenceRecord{msg.Record}},
			r.syncLocked(),
		}
	}
	return nil
}

// sweep drops members whose heartbeats stopped.
func (r *roster) sweep(now time.Time) []realtime.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var gone []models.PresenceRecord
	for id, m := range r.members {
		if now.Sub(m.lastSeen) > r.ttl {
			gone = append(gone, m.record)
			delete(r.members, id)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].InstanceID < gone[j].InstanceID })
	return []realtime.PresenceEvent{
		{Kind: realtime.PresenceLeave, Records: gone},
		r.syncLocked(),
	}
}

func (r *roster) sync() realtime.PresenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncLocked()
}

func (r *roster) syncLocked() realtime.PresenceEvent {
	records := make([]models.PresenceRecord, 0, len(r.members))
	for _, m := range r.members {
		records = append(records, m.record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].InstanceID < records[j].InstanceID })
	return realtime.PresenceEvent{Kind: realtime.PresenceSync, Records: records}
}
