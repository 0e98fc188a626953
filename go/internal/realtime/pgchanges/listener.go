// Package pgchanges streams row changes from Postgres LISTEN/NOTIFY.
//
// A trigger (see schema.sql) writes every screens, queue_entries and screen_switch_offers change into
// realtime_changes and notifies its id. The listener fetches the row by id and fans it out to subscribers.
package pgchanges

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/spinwheel/go/internal/realtime"
)

const (
	subscriberBuffer = 64
	seenWindow       = 4096
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed changes
	PingInterval     time.Duration
	BatchSize        int
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "realtime_changes",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

type rowSub struct {
	table  string
	filter realtime.Filter
	ch     chan realtime.RowChange
}

// Listener implements realtime.RowChangeSubscriber.
type Listener struct {
	db       *sql.DB
	listener *pq.Listener
	cfg      ListenerConfig

	mu     sync.Mutex
	subs   map[*rowSub]bool
	lastID int64
	seen   map[int64]bool
}

var _ realtime.RowChangeSubscriber = (*Listener)(nil)

func NewListener(db *sql.DB, cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for row changes")

	return &Listener{
		db:       db,
		listener: l,
		cfg:      cfg,
		subs:     make(map[*rowSub]bool),
		seen:     make(map[int64]bool),
	}, nil
}

// SubscribeRowChange implements realtime.RowChangeSubscriber.
func (l *Listener) SubscribeRowChange(ctx context.Context, table string, filter realtime.Filter) (<-chan realtime.RowChange, error) {
	sub := &rowSub{table: table, filter: filter, ch: make(chan realtime.RowChange, subscriberBuffer)}
	l.mu.Lock()
	l.subs[sub] = true
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, sub)
		close(sub.ch)
		l.mu.Unlock()
	}()
	return sub.ch, nil
}

// Start dispatches notifications until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("row change listener started")

	if err := l.catchUp(ctx); err != nil {
		log.Error().Err(err).Msg("failed initial catch up")
	}

	pingTicker := time.NewTicker(l.cfg.PingInterval)
	fallbackTicker := time.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("row change listener shutting down")
			return l.Stop()
		case note := <-l.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established; changes may have been missed
				if err := l.catchUp(ctx); err != nil {
					log.Error().Err(err).Msg("failed to catch up after reconnect")
				}
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := l.catchUp(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process missed changes")
			}
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// changeRow is one realtime_changes row.
type changeRow struct {
	ID        int64
	TableName string
	Event     string
	NewRecord pqtype.NullRawMessage
	OldRecord pqtype.NullRawMessage
}

func (r changeRow) toRowChange() realtime.RowChange {
	change := realtime.RowChange{Table: r.TableName, Event: realtime.RowEvent(r.Event)}
	if r.NewRecord.Valid {
		change.New = r.NewRecord.RawMessage
	}
	if r.OldRecord.Valid {
		change.Old = r.OldRecord.RawMessage
	}
	return change
}

func parseChangeID(extra string) (int64, error) {
	id, err := strconv.ParseInt(extra, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid change id in notification: %w", err)
	}
	return id, nil
}

const fetchByIDQuery = `
SELECT id, table_name, event, new_record, old_record
FROM realtime_changes
WHERE id = $1`

const fetchSinceQuery = `
SELECT id, table_name, event, new_record, old_record
FROM realtime_changes
WHERE id > $1
ORDER BY id
LIMIT $2`

func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := parseChangeID(extra)
	if err != nil {
		return err
	}
	var row changeRow
	err = l.db.QueryRowContext(ctx, fetchByIDQuery, id).
		Scan(&row.ID, &row.TableName, &row.Event, &row.NewRecord, &row.OldRecord)
	if err != nil {
		return fmt.Errorf("failed to fetch change %d: %w", id, err)
	}
	l.dispatch(row)
	return nil
}

// catchUp delivers every change newer than the last one seen.
func (l *Listener) catchUp(ctx context.Context) error {
	for {
		l.mu.Lock()
		since := l.lastID
		l.mu.Unlock()

		rows, err := l.db.QueryContext(ctx, fetchSinceQuery, since, l.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch changes since %d: %w", since, err)
		}
		var batch []changeRow
		for rows.Next() {
			var row changeRow
			if err := rows.Scan(&row.ID, &row.TableName, &row.Event, &row.NewRecord, &row.OldRecord); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan change: %w", err)
			}
			batch = append(batch, row)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, row := range batch {
			l.dispatch(row)
		}
		if len(batch) < l.cfg.BatchSize {
			return nil
		}
	}
}

// dispatch fans a change out once. Notifications and catch-up can both deliver the same id.
func (l *Listener) dispatch(row changeRow) {
	change := row.toRowChange()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.markSeenLocked(row.ID) {
		return
	}
	for sub := range l.subs {
		if sub.table != change.Table || !sub.filter.Matches(change) {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			log.Warn().Str("table", change.Table).Int64("change_id", row.ID).Msg("row change subscriber full, dropping change")
		}
	}
}

func (l *Listener) markSeenLocked(id int64) bool {
	if l.seen[id] || (l.lastID-id) >= seenWindow {
		return false
	}
	l.seen[id] = true
	if id > l.lastID {
		l.lastID = id
	}
	if len(l.seen) > 2*seenWindow {
		for old := range l.seen {
			if l.lastID-old >= seenWindow {
				delete(l.seen, old)
			}
		}
	}
	return true
}
