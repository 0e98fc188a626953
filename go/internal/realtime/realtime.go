package realtime

import (
	"context"

	"github.com/mcdev12/spinwheel/go/internal/models"
)

// PresenceChannel announces and observes presence records on a shared channel.
type PresenceChannel interface {
	// TrackPresence announces record until ctx is cancelled.
	TrackPresence(ctx context.Context, channel string, record models.PresenceRecord) error
	SubscribePresence(ctx context.Context, channel string) (<-chan PresenceEvent, error)
}

// BroadcastSubscriber delivers broadcast events for one event name on a channel.
type BroadcastSubscriber interface {
	SubscribeBroadcast(ctx context.Context, channel, event string) (<-chan BroadcastEvent, error)
}

// RowChangeSubscriber delivers insert/update/delete notifications for a table.
type RowChangeSubscriber interface {
	SubscribeRowChange(ctx context.Context, table string, filter Filter) (<-chan RowChange, error)
}

// Bus is the full realtime surface used by sessions.
type Bus interface {
	PresenceChannel
	BroadcastSubscriber
	RowChangeSubscriber
}

// Combine joins separate presence/broadcast and row-change transports into one Bus.
func Combine(pb interface {
	PresenceChannel
	BroadcastSubscriber
}, rc RowChangeSubscriber) Bus {
	return combined{pb: pb, rc: rc}
}

type combined struct {
	pb interface {
		PresenceChannel
		BroadcastSubscriber
	}
	rc RowChangeSubscriber
}

func (c combined) TrackPresence(ctx context.Context, channel string, record models.PresenceRecord) error {
	return c.pb.TrackPresence(ctx, channel, record)
}

func (c combined) SubscribePresence(ctx context.Context, channel string) (<-chan PresenceEvent, error) {
	return c.pb.SubscribePresence(ctx, channel)
}

func (c combined) SubscribeBroadcast(ctx context.Context, channel, event string) (<-chan BroadcastEvent, error) {
	return c.pb.SubscribeBroadcast(ctx, channel, event)
}

func (c combined) SubscribeRowChange(ctx context.Context, table string, filter Filter) (<-chan RowChange, error) {
	return c.rc.SubscribeRowChange(ctx, table, filter)
}
