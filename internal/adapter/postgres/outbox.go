package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel carries the id of each newly committed outbox row.
const NotifyChannel = "lilbirdie_events"

const modePostgres = "postgres"

// ErrEventNotFound is returned when an outbox row is gone, usually pruned.
var ErrEventNotFound = errors.New("outbox event not found")

// StoredEvent is one outbox row.
type StoredEvent struct {
	ID        int64
	Host      string
	Event     domain.Event
	CreatedAt time.Time
}

// Outbox writes envelopes to realtime_events and notifies listeners in the
// same transaction, so nothing is announced before the write commits.
type Outbox struct {
	pool    *pgxpool.Pool
	host    string
	metrics *metrics.GatewayMetrics
}

func NewOutbox(pool *pgxpool.Pool, host string, m *metrics.GatewayMetrics) *Outbox {
	if m == nil {
		m = metrics.NewNopGatewayMetrics()
	}
	return &Outbox{pool: pool, host: host, metrics: m}
}

// Send implements gateway.Sender in its own transaction.
func (o *Outbox) Send(ctx context.Context, host string, event domain.Event) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := insertEvent(ctx, tx, host, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return nil
}

// EmitToListTx records a list event inside the caller's transaction. Viewers
// hear about it only if that transaction commits. Failures are logged and
// rolled back to a savepoint, leaving tx usable.
func (o *Outbox) EmitToListTx(ctx context.Context, tx pgx.Tx, listID string, payload domain.ListPayload) {
	o.emitTx(ctx, tx, domain.NewListEvent(listID, payload))
}

// EmitToUserTx is EmitToListTx for user-scoped events.
func (o *Outbox) EmitToUserTx(ctx context.Context, tx pgx.Tx, userID string, payload domain.UserPayload) {
	o.emitTx(ctx, tx, domain.NewUserEvent(userID, payload))
}

func (o *Outbox) emitTx(ctx context.Context, tx pgx.Tx, event domain.Event) {
	if err := event.Validate(); err != nil {
		slog.WarnContext(ctx, "Dropping invalid event", "mode", modePostgres, "event_type", event.Type, "error", err)
		o.metrics.Emits.WithLabelValues(modePostgres, "invalid").Inc()
		return
	}

	savepoint, err := tx.Begin(ctx)
	if err != nil {
		o.logFailure(ctx, event, fmt.Errorf("failed to create savepoint: %w", err))
		return
	}

	if _, err := insertEvent(ctx, savepoint, o.host, event); err != nil {
		_ = savepoint.Rollback(ctx)
		o.logFailure(ctx, event, err)
		return
	}
	if err := savepoint.Commit(ctx); err != nil {
		o.logFailure(ctx, event, fmt.Errorf("failed to release savepoint: %w", err))
		return
	}
	o.metrics.Emits.WithLabelValues(modePostgres, "ok").Inc()
}

func (o *Outbox) logFailure(ctx context.Context, event domain.Event, err error) {
	slog.WarnContext(ctx, "Failed to emit event", "mode", modePostgres, "host", o.host, "event_type", event.Type, "error", err)
	o.metrics.Emits.WithLabelValues(modePostgres, "error").Inc()
}

func insertEvent(ctx context.Context, tx pgx.Tx, host string, event domain.Event) (int64, error) {
	envelope, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	room := ""
	if r, ok := event.Room(); ok {
		room = r.String()
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO realtime_events (host, event_type, room, envelope) VALUES ($1, $2, $3, $4) RETURNING id`,
		host, string(event.Type), room, envelope,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox event: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, strconv.FormatInt(id, 10)); err != nil {
		return 0, fmt.Errorf("failed to notify outbox event: %w", err)
	}
	return id, nil
}

// Load returns the outbox row with the given id.
func (o *Outbox) Load(ctx context.Context, id int64) (StoredEvent, error) {
	row := o.pool.QueryRow(ctx,
		`SELECT id, host, envelope, created_at FROM realtime_events WHERE id = $1`, id)

	stored, err := scanStoredEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredEvent{}, ErrEventNotFound
	}
	if err != nil {
		return StoredEvent{}, fmt.Errorf("failed to load outbox event %d: %w", id, err)
	}
	return stored, nil
}

// LoadAfter returns rows with id greater than afterID in id order.
func (o *Outbox) LoadAfter(ctx context.Context, afterID int64, limit int) ([]StoredEvent, error) {
	rows, err := o.pool.Query(ctx,
		`SELECT id, host, envelope, created_at FROM realtime_events WHERE id > $1 ORDER BY id LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		stored, err := scanStoredEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	return events, nil
}

// IDsAfter returns the ids of committed rows above afterID.
func (o *Outbox) IDsAfter(ctx context.Context, afterID int64) ([]int64, error) {
	rows, err := o.pool.Query(ctx, `SELECT id FROM realtime_events WHERE id > $1`, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox ids: %w", err)
	}
	return ids, nil
}

// LatestID returns the highest outbox id, or 0 for an empty table.
func (o *Outbox) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := o.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM realtime_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read latest outbox id: %w", err)
	}
	return id, nil
}

// Prune deletes rows created before cutoff and reports how many went.
func (o *Outbox) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := o.pool.Exec(ctx, `DELETE FROM realtime_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanStoredEvent(row pgx.Row) (StoredEvent, error) {
	var (
		stored   StoredEvent
		envelope []byte
	)
	if err := row.Scan(&stored.ID, &stored.Host, &envelope, &stored.CreatedAt); err != nil {
		return StoredEvent{}, err
	}

	event, err := domain.DecodeEvent(envelope)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("outbox event %d: %w", stored.ID, err)
	}
	stored.Event = event
	return stored, nil
}
