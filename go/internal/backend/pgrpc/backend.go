// Package pgrpc implements backend.Backend over Postgres stored functions.
//
// Every mutating call is a single SELECT of a function returning json, so concurrent identical calls from
// several clients are collapsed server-side by the function's own locking.
package pgrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/spinwheel/go/internal/backend"
	"github.com/mcdev12/spinwheel/go/internal/models"
)

// DB is the query surface used by Backend. *pgxpool.Pool satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Backend calls the screen/queue functions of the game database.
type Backend struct {
	db DB
}

var _ backend.Backend = (*Backend)(nil)

func New(db DB) *Backend {
	return &Backend{db: db}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

const (
	fetchScreenQuery = `SELECT row_to_json(s) FROM screens s WHERE s.screen_number = $1`

	waitingCountQuery = `SELECT count(*) FROM queue_entries WHERE screen_number = $1 AND status = 'waiting'`

	waitingEntriesQuery = `
SELECT coalesce(json_agg(q ORDER BY q.created_at), '[]'::json)
FROM queue_entries q
WHERE q.screen_number = $1 AND q.status = 'waiting'`

	fetchEntryQuery = `SELECT row_to_json(q) FROM queue_entries q WHERE q.id = $1`

	pendingOfferQuery = `
SELECT row_to_json(o)
FROM screen_switch_offers o
WHERE o.offered_to_queue_id = $1 AND o.status = 'pending' AND o.offer_expires_at > now()
ORDER BY o.offer_expires_at
LIMIT 1`

	promoteQuery        = `SELECT promote_next_player($1)`
	forceAdvanceQuery   = `SELECT force_advance_queue($1)`
	switchScreenQuery   = `SELECT switch_player_screen($1, $2)`
	requestSpinQuery    = `SELECT request_spin($1, $2)`
	updateOfferQuery    = `SELECT update_offer_status($1, $2)`
	expireOffersQuery   = `SELECT process_expired_offers()`
	sqlStateNoDataFound = "P0002"
)

// offerStatusResult is returned by update_offer_status.
type offerStatusResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Offer rejection reasons reported by update_offer_status.
const (
	reasonExpired  = "expired"
	reasonResolved = "already_resolved"
	reasonNotFound = "not_found"
)

func (b *Backend) FetchScreenState(ctx context.Context, screenNumber int) (*models.Screen, error) {
	var s models.Screen
	if err := b.queryJSON(ctx, &s, fetchScreenQuery, screenNumber); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", backend.ErrScreenNotFound, screenNumber)
		}
		return nil, fmt.Errorf("failed to fetch screen %d: %w", screenNumber, err)
	}
	return &s, nil
}

func (b *Backend) FetchWaitingCount(ctx context.Context, screenNumber int) (int, error) {
	var n int
	if err := b.db.QueryRow(ctx, waitingCountQuery, screenNumber).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count waiting entries on screen %d: %w", screenNumber, err)
	}
	return n, nil
}

func (b *Backend) FetchWaitingEntries(ctx context.Context, screenNumber int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	if err := b.queryJSON(ctx, &entries, waitingEntriesQuery, screenNumber); err != nil {
		return nil, fmt.Errorf("failed to fetch waiting entries on screen %d: %w", screenNumber, err)
	}
	return entries, nil
}

func (b *Backend) FetchEntry(ctx context.Context, queueEntryID uuid.UUID) (*models.QueueEntry, error) {
	var e models.QueueEntry
	if err := b.queryJSON(ctx, &e, fetchEntryQuery, queueEntryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", backend.ErrEntryNotFound, queueEntryID)
		}
		return nil, fmt.Errorf("failed to fetch queue entry %s: %w", queueEntryID, err)
	}
	return &e, nil
}

// FetchPendingOffer returns nil without an error when the entry has no open offer.
func (b *Backend) FetchPendingOffer(ctx context.Context, queueEntryID uuid.UUID) (*models.ScreenSwitchOffer, error) {
	var o models.ScreenSwitchOffer
	if err := b.queryJSON(ctx, &o, pendingOfferQuery, queueEntryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch pending offer for %s: %w", queueEntryID, err)
	}
	return &o, nil
}

func (b *Backend) PromoteNextPlayer(ctx context.Context, screenNumber int) (*backend.PromoteResult, error) {
	var res backend.PromoteResult
	if err := b.call(ctx, &res, promoteQuery, screenNumber); err != nil {
		return nil, fmt.Errorf("promote_next_player(%d): %w", screenNumber, err)
	}
	return &res, nil
}

func (b *Backend) ForceAdvanceQueue(ctx context.Context, screenNumber int) (*backend.AdvanceResult, error) {
	var res backend.AdvanceResult
	if err := b.call(ctx, &res, forceAdvanceQuery, screenNumber); err != nil {
		return nil, fmt.Errorf("force_advance_queue(%d): %w", screenNumber, err)
	}
	return &res, nil
}

func (b *Backend) SwitchPlayerScreen(ctx context.Context, queueEntryID uuid.UUID, newScreenNumber int) (*backend.SwitchResult, error) {
	var res backend.SwitchResult
	if err := b.call(ctx, &res, switchScreenQuery, queueEntryID, newScreenNumber); err != nil {
		return nil, fmt.Errorf("switch_player_screen(%s, %d): %w", queueEntryID, newScreenNumber, err)
	}
	return &res, nil
}

func (b *Backend) RequestSpin(ctx context.Context, queueEntryID uuid.UUID, screenNumber int) (*backend.SpinResult, error) {
	var res backend.SpinResult
	if err := b.call(ctx, &res, requestSpinQuery, queueEntryID, screenNumber); err != nil {
		return nil, fmt.Errorf("request_spin(%s, %d): %w", queueEntryID, screenNumber, err)
	}
	return &res, nil
}

func (b *Backend) UpdateOfferStatus(ctx context.Context, offerID uuid.UUID, status models.OfferStatus) error {
	var res offerStatusResult
	if err := b.call(ctx, &res, updateOfferQuery, offerID, string(status)); err != nil {
		return fmt.Errorf("update_offer_status(%s, %s): %w", offerID, status, err)
	}
	if res.Success {
		return nil
	}
	switch res.Reason {
	case reasonExpired:
		return fmt.Errorf("%w: %s", backend.ErrOfferExpired, offerID)
	case reasonResolved:
		return fmt.Errorf("%w: %s", backend.ErrOfferResolved, offerID)
	case reasonNotFound:
		return fmt.Errorf("%w: %s", backend.ErrOfferNotFound, offerID)
	default:
		return fmt.Errorf("update_offer_status(%s, %s) rejected: %s", offerID, status, res.Reason)
	}
}

func (b *Backend) ProcessExpiredOffers(ctx context.Context) error {
	var discard json.RawMessage
	if err := b.call(ctx, &discard, expireOffersQuery); err != nil {
		return fmt.Errorf("process_expired_offers: %w", err)
	}
	return nil
}

// call runs a json-returning function and maps the not-found raise to the backend sentinels.
func (b *Backend) call(ctx context.Context, dest any, query string, args ...any) error {
	err := b.queryJSON(ctx, dest, query, args...)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateNoDataFound {
		log.Debug().Str("query", query).Str("detail", pgErr.Message).Msg("function reported no data")
		return fmt.Errorf("%w: %s", notFoundFor(query), pgErr.Message)
	}
	return err
}

func notFoundFor(query string) error {
	switch query {
	case updateOfferQuery:
		return backend.ErrOfferNotFound
	case switchScreenQuery, requestSpinQuery:
		return backend.ErrEntryNotFound
	default:
		return backend.ErrScreenNotFound
	}
}

func (b *Backend) queryJSON(ctx context.Context, dest any, query string, args ...any) error {
	var raw []byte
	if err := b.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return pgx.ErrNoRows
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
