// Package memory is an in-process realtime bus for tests and the dev backend.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/mcdev12/spinwheel/go/internal/realtime"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"
)

const subscriberBuffer = 64

type presenceSub struct{ ch chan realtime.PresenceEvent }

type broadcastSub struct {
	channel string
	event   string
	ch      chan realtime.BroadcastEvent
}

type rowSub struct {
	table  string
	filter realtime.Filter
	ch     chan realtime.RowChange
}

// Hub implements realtime.Bus in memory.
type Hub struct {
	mu         sync.Mutex
	presence   map[string]map[string]models.PresenceRecord // channel -> instance -> record
	presSubs   map[string]map[*presenceSub]bool
	broadcasts map[*broadcastSub]bool
	rows       map[*rowSub]bool
}

var _ realtime.Bus = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		presence:   make(map[string]map[string]models.PresenceRecord),
		presSubs:   make(map[string]map[*presenceSub]bool),
		broadcasts: make(map[*broadcastSub]bool),
		rows:       make(map[*rowSub]bool),
	}
}

// TrackPresence adds record to channel and removes it when ctx is cancelled.
func (h *Hub) TrackPresence(ctx context.Context, channel string, record models.PresenceRecord) error {
	h.mu.Lock()
	if h.presence[channel] == nil {
		h.presence[channel] = make(map[string]models.PresenceRecord)
	}
	h.presence[channel][record.InstanceID] = record
	h.emitPresenceLocked(channel, realtime.PresenceEvent{Kind: realtime.PresenceJoin, Records: []models.PresenceRecord{record}})
	h.emitPresenceLocked(channel, h.syncLocked(channel))
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Untrack(channel, record.InstanceID)
	}()
	return nil
}

// Untrack removes an instance from channel, as if its connection had dropped.
func (h *Hub) Untrack(channel, instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	record, ok := h.presence[channel][instanceID]
	if !ok {
		return
	}
	delete(h.presence[channel], instanceID)
	h.emitPresenceLocked(channel, realtime.PresenceEvent{Kind: realtime.PresenceLeave, Records: []models.PresenceRecord{record}})
	h.emitPresenceLocked(channel, h.syncLocked(channel))
}

// SubscribePresence returns presence events for channel, starting with a sync of the current set.
func (h *Hub) SubscribePresence(ctx context.Context, channel string) (<-chan realtime.PresenceEvent, error) {
	sub := &presenceSub{ch: make(chan realtime.PresenceEvent, subscriberBuffer)}

	h.mu.Lock()
	if h.presSubs[channel] == nil {
		h.presSubs[channel] = make(map[*presenceSub]bool)
	}
	h.presSubs[channel][sub] = true
	sub.ch <- h.syncLocked(channel)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.presSubs[channel], sub)
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch, nil
}

// SubscribeBroadcast returns broadcast events named event on channel.
func (h *Hub) SubscribeBroadcast(ctx context.Context, channel, event string) (<-chan realtime.BroadcastEvent, error) {
	sub := &broadcastSub{channel: channel, event: event, ch: make(chan realtime.BroadcastEvent, subscriberBuffer)}

	h.mu.Lock()
	h.broadcasts[sub] = true
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.broadcasts, sub)
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch, nil
}

// SubscribeRowChange returns changes to table that match filter.
func (h *Hub) SubscribeRowChange(ctx context.Context, table string, filter realtime.Filter) (<-chan realtime.RowChange, error) {
	sub := &rowSub{table: table, filter: filter, ch: make(chan realtime.RowChange, subscriberBuffer)}

	h.mu.Lock()
	h.rows[sub] = true
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.rows, sub)
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch, nil
}

// Broadcast sends payload to every subscriber of channel/event.
func (h *Hub) Broadcast(channel, event string, payload *structpb.Struct) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msg := realtime.BroadcastEvent{Channel: channel, Event: event, Payload: payload}
	for sub := range h.broadcasts {
		if sub.channel != channel || sub.event != event {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			log.Warn().Str("channel", channel).Str("event", event).Msg("broadcast subscriber full, dropping event")
		}
	}
}

// PublishRowChange delivers change to matching row subscribers.
func (h *Hub) PublishRowChange(change realtime.RowChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rows {
		if sub.table != change.Table || !sub.filter.Matches(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			log.Warn().Str("table", change.Table).Msg("row change subscriber full, dropping change")
		}
	}
}

func (h *Hub) syncLocked(channel string) realtime.PresenceEvent {
	records := make([]models.PresenceRecord, 0, len(h.presence[channel]))
	for _, r := range h.presence[channel] {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].InstanceID < records[j].InstanceID })
	return realtime.PresenceEvent{Kind: realtime.PresenceSync, Records: records}
}

func (h *Hub) emitPresenceLocked(channel string, ev realtime.PresenceEvent) {
	for sub := range h.presSubs[channel] {
		select {
		case sub.ch <- ev:
		default:
			log.Warn().Str("channel", channel).Str("kind", string(ev.Kind)).Msg("presence subscriber full, dropping event")
		}
	}
}
