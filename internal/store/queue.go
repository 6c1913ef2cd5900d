package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/wire"
)

const (
	// DefaultCapacity bounds the number of stored hits.
	DefaultCapacity = 1000

	// DefaultDispatchBatch is how many hits one Dispatch call peeks.
	DefaultDispatchBatch = 40

	// MaxHitStringLength is the largest encoded hit Peek will load.
	// Larger rows are returned with empty Params so the transport
	// discards them and Dispatch deletes them.
	MaxHitStringLength = 8192 * 4

	// RecoveryCooldown gates reopen attempts after a storage fault.
	RecoveryCooldown = 15 * time.Second

	// StaleCheckInterval is the minimum spacing between stale purges.
	StaleCheckInterval = 24 * time.Hour

	// Retention is how long an undelivered hit is kept.
	Retention = 30 * 24 * time.Hour

	deleteChunk = 500
)

// StateListener is told whether the queue is empty after every
// operation that can change it.
type StateListener interface {
	ReportStoreIsEmpty(empty bool)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(empty bool)

// ReportStoreIsEmpty calls f(empty).
func (f StateListenerFunc) ReportStoreIsEmpty(empty bool) { f(empty) }

// Dispatcher sends a batch of queued hits and reports how many, counted
// from the front of the batch, were handled and may be deleted.
type Dispatcher interface {
	OkToDispatch() bool
	Dispatch(ctx context.Context, hits []wire.Hit) int
}

// Queue is the durable hit queue.
type Queue struct {
	path       string
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	listener   StateListener
	dispatcher Dispatcher
	redispatch func()

	capacity int
	batch    int

	db             *sql.DB
	bad            bool
	lastOpenTry    int64 // ms; start of the recovery cooldown
	lastStaleCheck int64 // ms
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source (default clock.Real()).
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics records store activity into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithDispatchBatch overrides DefaultDispatchBatch.
func WithDispatchBatch(n int) Option {
	return func(q *Queue) { q.batch = n }
}

// WithListener sets the emptiness listener.
func WithListener(l StateListener) Option {
	return func(q *Queue) { q.listener = l }
}

// WithDispatcher sets the transport used by Dispatch.
func WithDispatcher(d Dispatcher) Option {
	return func(q *Queue) { q.dispatcher = d }
}

// WithRedispatch sets the callback Dispatch uses to request another
// cycle when a full batch went out and hits remain. The callback must
// not call back into the Queue synchronously; it should post a message.
func WithRedispatch(f func()) Option {
	return func(q *Queue) { q.redispatch = f }
}

// Open creates the queue backed by the SQLite file at path.
//
// Only an unusable path is an error. A database that fails to open is
// logged and recovered lazily, so the returned Queue is always usable.
func Open(path string, opts ...Option) (*Queue, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create database dir: %w", err)
		}
	}

	q := &Queue{
		path:     path,
		clock:    clock.Real(),
		logger:   slog.Default(),
		capacity: DefaultCapacity,
		batch:    DefaultDispatchBatch,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.database()
	return q, nil
}

// SetDispatcher replaces the transport, e.g. when dry-run is toggled.
func (q *Queue) SetDispatcher(d Dispatcher) {
	q.dispatcher = d
}

// Close closes the database. The queue must not be used afterwards.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

// database returns an open handle, recovering from a previous fault if the
// cooldown has elapsed. It returns nil while the store is unusable.
func (q *Queue) database() *sql.DB {
	if q.db != nil {
		return q.db
	}

	now := clock.Millis(q.clock)
	if q.bad && q.lastOpenTry+RecoveryCooldown.Milliseconds() > now {
		return nil
	}
	q.bad = true
	q.lastOpenTry = now

	db, err := openDatabase(q.path)
	if err != nil {
		q.logger.Warn("error opening hit database, recreating it", "path", q.path, "error", err)
		if rmErr := removeDatabaseFiles(q.path); rmErr != nil {
			q.logger.Warn("error deleting hit database", "path", q.path, "error", rmErr)
		}
		db, err = openDatabase(q.path)
		if err != nil {
			q.logger.Error("hit database unavailable", "path", q.path, "error", err)
			return nil
		}
	}

	q.bad = false
	q.db = db
	return db
}

// fault records a storage failure and drops the handle so the next access
// after the cooldown reopens (or recreates) the database.
func (q *Queue) fault(op string, err error) {
	q.logger.Warn("hit database error", "op", op, "error", err)
	if q.db != nil {
		q.db.Close()
		q.db = nil
	}
	q.bad = true
	q.lastOpenTry = clock.Millis(q.clock)
}

func (q *Queue) report(ctx context.Context) {
	n := q.Count(ctx)
	q.metrics.SetQueueDepth(n)
	if q.listener != nil {
		q.listener.ReportStoreIsEmpty(n == 0)
	}
}

// Put stores one hit. It purges stale hits when due, drops a hit with no
// path, bakes the version command into params, evicts the oldest hits if
// the queue is full, and inserts. Failures drop the hit.
func (q *Queue) Put(ctx context.Context, params map[string]string, hitTime int64, path string, commands []wire.Command) {
	q.DeleteStale(ctx)

	if path == "" {
		q.logger.Warn("empty path: not sending hit")
		q.metrics.HitDropped(metrics.DropEmptyPath)
		return
	}

	stored := make(map[string]string, len(params)+1)
	for k, v := range params {
		stored[k] = v
	}
	wire.ApplyVersion(stored, commands)

	q.evictIfFull(ctx)

	db := q.database()
	if db == nil {
		q.metrics.HitDropped(metrics.DropStoreFault)
		return
	}

	var appID int64
	if raw, ok := stored[wire.AppUIDParam]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			appID = n
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO hits2 (hit_time, hit_url, hit_string, hit_app_id)
		VALUES (?, ?, ?, ?)
	`, hitTime, path, wire.EncodeParams(stored), appID)
	if err != nil {
		q.fault("put", fmt.Errorf("write hit: %w", err))
		q.metrics.HitDropped(metrics.DropStoreFault)
		return
	}

	q.metrics.HitStored()
	if q.listener != nil {
		q.listener.ReportStoreIsEmpty(false)
	}
}

// evictIfFull deletes exactly enough of the oldest hits to make room for
// one more.
func (q *Queue) evictIfFull(ctx context.Context) {
	over := q.Count(ctx) - q.capacity + 1
	if over <= 0 {
		return
	}
	db := q.database()
	if db == nil {
		return
	}

	res, err := db.ExecContext(ctx, `
		DELETE FROM hits2 WHERE hit_id IN (
			SELECT hit_id FROM hits2 ORDER BY hit_id ASC LIMIT ?
		)
	`, over)
	if err != nil {
		q.fault("evict", fmt.Errorf("evict hits: %w", err))
		return
	}
	n, _ := res.RowsAffected()
	q.logger.Warn("store full, deleted hits to make room", "count", n)
	q.metrics.HitsEvicted(int(n))
}

// Peek returns up to limit hits ordered by destination then id.
//
// A row that cannot be scanned is skipped. A row whose encoded string
// exceeds MaxHitStringLength is returned with empty Params. A failure
// partway through returns the rows read so far.
func (q *Queue) Peek(ctx context.Context, limit int) []wire.Hit {
	if limit <= 0 {
		return nil
	}
	db := q.database()
	if db == nil {
		return nil
	}

	rows, err := db.QueryContext(ctx, `
		SELECT hit_id, hit_time, hit_url,
			CASE WHEN length(hit_string) > ? THEN NULL ELSE hit_string END
		FROM hits2
		ORDER BY hit_url ASC, hit_id ASC
		LIMIT ?
	`, MaxHitStringLength, limit)
	if err != nil {
		q.fault("peek", fmt.Errorf("query hits: %w", err))
		return nil
	}
	defer rows.Close()

	hits := make([]wire.Hit, 0, limit)
	for rows.Next() {
		var (
			h      wire.Hit
			params sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.Time, &h.Path, &params); err != nil {
			q.logger.Warn("skipping unreadable hit row", "error", err)
			continue
		}
		if !params.Valid {
			q.logger.Warn("hit string too large, hit will be deleted", "hit_id", h.ID)
			q.metrics.HitDropped(metrics.DropOversized)
		}
		h.Params = params.String
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		q.logger.Warn("error reading hits, returning partial batch", "read", len(hits), "error", err)
	}
	return hits
}

// Delete removes hits by id.
func (q *Queue) Delete(ctx context.Context, hits []wire.Hit) {
	if len(hits) == 0 {
		return
	}
	db := q.database()
	if db == nil {
		return
	}

	for start := 0; start < len(hits); start += deleteChunk {
		end := min(start+deleteChunk, len(hits))
		chunk := hits[start:end]

		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h.ID
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf("DELETE FROM hits2 WHERE hit_id IN (%s)", placeholders)
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			q.fault("delete", fmt.Errorf("delete hits: %w", err))
			return
		}
	}
	q.report(ctx)
}

// DeleteStale purges hits older than Retention, at most once per
// StaleCheckInterval. Returns the number of hits removed.
func (q *Queue) DeleteStale(ctx context.Context) int {
	now := clock.Millis(q.clock)
	if now <= q.lastStaleCheck+StaleCheckInterval.Milliseconds() {
		return 0
	}
	q.lastStaleCheck = now

	db := q.database()
	if db == nil {
		return 0
	}

	cutoff := now - Retention.Milliseconds()
	res, err := db.ExecContext(ctx, `DELETE FROM hits2 WHERE hit_time < ?`, cutoff)
	if err != nil {
		q.fault("delete stale", fmt.Errorf("delete stale hits: %w", err))
		return 0
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("deleted stale hits", "count", n)
	}
	q.report(ctx)
	return int(n)
}

// Clear removes all hits, or only those stored for appID when it is
// non-zero.
func (q *Queue) Clear(ctx context.Context, appID int64) {
	db := q.database()
	if db == nil {
		return
	}

	var err error
	if appID == 0 {
		_, err = db.ExecContext(ctx, `DELETE FROM hits2`)
	} else {
		_, err = db.ExecContext(ctx, `DELETE FROM hits2 WHERE hit_app_id = ?`, appID)
	}
	if err != nil {
		q.fault("clear", fmt.Errorf("clear hits: %w", err))
		return
	}
	q.report(ctx)
}

// Count returns the number of stored hits, or 0 if the store is unusable.
func (q *Queue) Count(ctx context.Context) int {
	db := q.database()
	if db == nil {
		return 0
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hits2`).Scan(&n); err != nil {
		q.fault("count", fmt.Errorf("count hits: %w", err))
		return 0
	}
	return n
}

// Dispatch sends one batch through the dispatcher and deletes the hits it
// handled. If the whole batch went out and more hits remain, another
// cycle is requested through the redispatch callback. Returns the number
// of hits handled.
func (q *Queue) Dispatch(ctx context.Context) int {
	q.logger.Debug("dispatch running")
	if q.dispatcher == nil || !q.dispatcher.OkToDispatch() {
		return 0
	}

	hits := q.Peek(ctx, q.batch)
	if len(hits) == 0 {
		q.logger.Debug("nothing to dispatch")
		if q.listener != nil {
			q.listener.ReportStoreIsEmpty(true)
		}
		return 0
	}

	sent := q.dispatcher.Dispatch(ctx, hits)
	sent = max(0, min(sent, len(hits)))
	q.logger.Debug("dispatched hits", "sent", sent, "batch", len(hits))

	q.Delete(ctx, hits[:sent])

	if sent == len(hits) && q.redispatch != nil && q.Count(ctx) > 0 {
		q.redispatch()
	}
	return sent
}
