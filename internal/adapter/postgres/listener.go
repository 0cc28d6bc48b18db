package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/adapter/metrics"
	"github.com/fauxparse/lilbirdie-sub001/internal/broadcast"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/retry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// DefaultRetention is how long relayed outbox rows are kept.
const DefaultRetention = 24 * time.Hour

const (
	relaySource   = "postgres"
	catchUpBatch  = 500
	pruneInterval = time.Minute
	reconnectMin  = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second

	// Ids are allocated at insert but become visible at commit, so a row can
	// show up after higher ids were relayed. Catch-up rescans this many ids
	// below the highest one seen.
	catchUpLookback = 1000
	seenCapacity    = 4 * catchUpLookback
)

// Listener relays committed outbox rows into the local host registry. After
// a dropped LISTEN connection it replays the rows it missed.
type Listener struct {
	pool      *pgxpool.Pool
	outbox    *Outbox
	registry  *broadcast.Registry
	metrics   *metrics.GatewayMetrics
	storage   *metrics.StorageMetrics
	retention time.Duration
	clock     clockwork.Clock

	// lastID and seen are owned by the listen goroutine.
	lastID int64
	seen   *idSet
}

func NewListener(pool *pgxpool.Pool, outbox *Outbox, registry *broadcast.Registry, gm *metrics.GatewayMetrics, sm *metrics.StorageMetrics) *Listener {
	if gm == nil {
		gm = metrics.NewNopGatewayMetrics()
	}
	if sm == nil {
		sm = metrics.NewNopStorageMetrics()
	}
	return &Listener{
		pool:      pool,
		outbox:    outbox,
		registry:  registry,
		metrics:   gm,
		storage:   sm,
		retention: DefaultRetention,
		clock:     clockwork.NewRealClock(),
		seen:      newIDSet(seenCapacity),
	}
}

// WithRetention sets how long delivered rows are kept before pruning.
func (l *Listener) WithRetention(d time.Duration) *Listener {
	l.retention = d
	return l
}

// Start blocks until ctx is cancelled, reconnecting with backoff.
func (l *Listener) Start(ctx context.Context) {
	if err := l.skipExisting(ctx); err != nil {
		slog.Warn("Could not read outbox position, starting from zero", "error", err)
	}

	go l.pruneLoop(ctx)

	backoff := retry.Backoff{Initial: reconnectMin, Max: reconnectMax, Jitter: 0.2}
	for {
		err := l.listen(ctx, &backoff)
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		slog.Warn("Postgres listener disconnected, reconnecting", "error", err, "backoff", delay)
		select {
		case <-l.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) listen(ctx context.Context, backoff *retry.Backoff) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	slog.Info("Postgres relay listening", "channel", NotifyChannel, "after_id", l.lastID)
	backoff.Reset()

	// rows committed while we were not listening
	if err := l.catchUp(ctx); err != nil {
		slog.Warn("Outbox catch-up failed", "error", err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.storage.DBNotifications.Inc()
		l.handleNotification(ctx, notification.Payload)
	}
}

// skipExisting marks rows already committed at startup as relayed. Rows
// still uncommitted are not visible yet and get relayed when they land.
func (l *Listener) skipExisting(ctx context.Context) error {
	latest, err := l.outbox.LatestID(ctx)
	if err != nil {
		return err
	}
	ids, err := l.outbox.IDsAfter(ctx, latest-catchUpLookback)
	if err != nil {
		return err
	}
	for _, id := range ids {
		l.seen.add(id)
	}
	l.lastID = latest
	return nil
}

func (l *Listener) catchUp(ctx context.Context) error {
	after := max(l.lastID-catchUpLookback, 0)
	for {
		events, err := l.outbox.LoadAfter(ctx, after, catchUpBatch)
		if err != nil {
			return err
		}
		for _, stored := range events {
			l.deliver(stored)
			after = stored.ID
		}
		if len(events) < catchUpBatch {
			return nil
		}
	}
}

func (l *Listener) handleNotification(ctx context.Context, payload string) {
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		slog.Warn("Ignoring malformed outbox notification", "payload", payload)
		l.metrics.RelayMessages.WithLabelValues(relaySource, "invalid").Inc()
		return
	}
	if l.seen.contains(id) {
		return
	}

	stored, err := l.outbox.Load(ctx, id)
	if errors.Is(err, ErrEventNotFound) {
		l.metrics.RelayMessages.WithLabelValues(relaySource, "missing").Inc()
		return
	}
	if err != nil {
		slog.Warn("Failed to load outbox event", "id", id, "error", err)
		l.metrics.RelayMessages.WithLabelValues(relaySource, "error").Inc()
		return
	}
	l.deliver(stored)
}

// deliver publishes stored unless it was already relayed.
func (l *Listener) deliver(stored StoredEvent) {
	if !l.seen.add(stored.ID) {
		return
	}
	l.lastID = max(l.lastID, stored.ID)

	h := l.registry.Host(stored.Host)
	if h == nil {
		l.metrics.RelayMessages.WithLabelValues(relaySource, "stopped").Inc()
		return
	}
	h.PublishEvent(stored.Event)
	l.metrics.RelayMessages.WithLabelValues(relaySource, "ok").Inc()
	slog.Debug("Relayed event", "source", relaySource, "host", stored.Host, "id", stored.ID, "event_type", stored.Event.Type)
}

func (l *Listener) pruneLoop(ctx context.Context) {
	ticker := l.clock.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			n, err := l.outbox.Prune(ctx, l.clock.Now().Add(-l.retention))
			if err != nil {
				slog.Warn("Failed to prune outbox", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Pruned outbox events", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// idSet remembers the most recent ids added to it, forgetting the oldest once
// it holds capacity of them.
type idSet struct {
	ids  map[int64]struct{}
	ring []int64
	next int
}

func newIDSet(capacity int) *idSet {
	return &idSet{
		ids:  make(map[int64]struct{}, capacity),
		ring: make([]int64, 0, capacity),
	}
}

func (s *idSet) contains(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

// add reports false if id was already present.
func (s *idSet) add(id int64) bool {
	if s.contains(id) {
		return false
	}
	if len(s.ring) < cap(s.ring) {
		s.ring = append(s.ring, id)
	} else {
		delete(s.ids, s.ring[s.next])
		s.ring[s.next] = id
		s.next = (s.next + 1) % len(s.ring)
	}
	s.ids[id] = struct{}{}
	return true
}
