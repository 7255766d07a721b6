// Package store provides the durable, append-only event store.
//
// Events are kept in a single SQL table. Insert assigns the id and the
// timestamp; reads return events newest first (timestamp DESC, id DESC).
// The core never updates or deletes rows; deletion is only reachable
// through the Retainer surface used by retention policies.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/pkg/types"
)

// Filter restricts a read. All set fields combine conjunctively.
type Filter struct {
	// WebsiteID, when non-empty, matches events of that site only
	WebsiteID string

	// Start and End bound the timestamp, both inclusive
	Start *time.Time
	End   *time.Time
}

// Store is the event store used by ingestion and query.
type Store interface {
	// Insert persists the event, assigning its ID and Timestamp.
	Insert(ctx context.Context, event *types.Event) (int64, error)

	// Query returns up to limit events matching the filter, newest first.
	Query(ctx context.Context, filter Filter, limit int) ([]types.Event, error)

	// Count returns the number of stored events.
	Count(ctx context.Context) (int64, error)

	// Ping checks that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the database handle.
	Close() error
}

// Retainer is the deletion surface reserved for retention policies.
type Retainer interface {
	// ScanBefore returns up to limit events older than cutoff, oldest first.
	ScanBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Event, error)

	// DeleteBatch removes the events with the given ids that are still
	// older than cutoff.
	DeleteBatch(ctx context.Context, cutoff time.Time, ids []int64) (int64, error)
}

// SQLStore implements Store and Retainer on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger

	// mu serializes inserts so timestamps are assigned in id order
	mu     sync.Mutex
	lastTS int64
	now    func() time.Time
}

// Open opens the store for the given driver (sqlite3 or postgres) and DSN,
// creating the schema if needed.
func Open(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		// In-memory databases are per connection
		if strings.Contains(dsn, ":memory:") {
			db.SetMaxOpenConns(1)
		} else {
			db.SetMaxOpenConns(4)
		}
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s, err := New(db, d.name, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database handle.
func New(db *sql.DB, driver string, logger *zap.Logger) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger,
		now:     time.Now,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	if err := s.loadLastTimestamp(); err != nil {
		return nil, fmt.Errorf("store: failed to read last timestamp: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_journal_mode") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000"
}

// initSchema creates the events table and its indexes.
func (s *SQLStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// loadLastTimestamp seeds the clamp so timestamps stay non-decreasing
// across restarts.
func (s *SQLStore) loadLastTimestamp() error {
	var last int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(timestamp), 0) FROM events`).Scan(&last); err != nil {
		return err
	}
	s.lastTS = last
	return nil
}

// nextTimestamp returns the next timestamp, never earlier than the previous
// one. Must be called with mu held.
func (s *SQLStore) nextTimestamp() int64 {
	ts := s.now().UnixNano()
	if ts < s.lastTS {
		ts = s.lastTS
	}
	return ts
}

// Insert persists the event, assigning its ID and Timestamp.
func (s *SQLStore) Insert(ctx context.Context, event *types.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.nextTimestamp()

	var data interface{}
	if len(event.EventData) > 0 && string(event.EventData) != "null" {
		data = string(event.EventData)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(insertEventSQL),
		event.WebsiteID,
		event.SessionID,
		event.EventName,
		data,
		event.IPAddress,
		event.UserAgent,
		ts,
	).Scan(&id)
	if err != nil {
		return 0, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to insert event", err)
	}

	s.lastTS = ts
	event.ID = id
	event.Timestamp = time.Unix(0, ts).UTC()
	return id, nil
}

// Query returns up to limit events matching the filter, newest first.
func (s *SQLStore) Query(ctx context.Context, filter Filter, limit int) ([]types.Event, error) {
	var conds []string
	var args []interface{}

	if filter.WebsiteID != "" {
		conds = append(conds, "website_id = ?")
		args = append(args, filter.WebsiteID)
	}
	if filter.Start != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, unixNanos(*filter.Start))
	}
	if filter.End != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, unixNanos(*filter.End))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(eventColumns)
	b.WriteString(" FROM events")
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(b.String()), args...)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to query events", err)
	}
	return scanEvents(rows)
}

// Count returns the number of stored events.
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to count events", err)
	}
	return n, nil
}

// Ping checks that the backing database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "database unreachable", err)
	}
	return nil
}

// ScanBefore returns up to limit events older than cutoff, oldest first.
func (s *SQLStore) ScanBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.Event, error) {
	query := s.dialect.rebind(`SELECT ` + eventColumns + ` FROM events
WHERE timestamp < ?
ORDER BY timestamp ASC, id ASC
LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, unixNanos(cutoff), limit)
	if err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to scan expired events", err)
	}
	return scanEvents(rows)
}

// DeleteBatch removes the events with the given ids that are still older
// than cutoff. Rows outside ids are never touched.
func (s *SQLStore) DeleteBatch(ctx context.Context, cutoff time.Time, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, unixNanos(cutoff))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`DELETE FROM events WHERE timestamp < ? AND id IN (`+placeholders+`)`),
		args...)
	if err != nil {
		return 0, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to delete expired events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to read deleted row count", err)
	}

	s.logger.Debug("deleted expired events",
		zap.Int64("count", n),
		zap.Int("batch", len(ids)),
		zap.Time("cutoff", cutoff))
	return n, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var (
	minStoredTime = time.Unix(0, math.MinInt64)
	maxStoredTime = time.Unix(0, math.MaxInt64)
)

// unixNanos converts t to the stored nanosecond form. Times outside the
// int64 nanosecond range clamp to its ends.
func unixNanos(t time.Time) int64 {
	switch {
	case t.Before(minStoredTime):
		return math.MinInt64
	case t.After(maxStoredTime):
		return math.MaxInt64
	}
	return t.UnixNano()
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	defer rows.Close()

	events := make([]types.Event, 0)
	for rows.Next() {
		var (
			e    types.Event
			data sql.NullString
			ts   int64
		)
		if err := rows.Scan(&e.ID, &e.WebsiteID, &e.SessionID, &e.EventName, &data, &e.IPAddress, &e.UserAgent, &ts); err != nil {
			return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to scan event row", err)
		}
		if data.Valid {
			e.EventData = json.RawMessage(data.String)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to iterate event rows", err)
	}
	return events, nil
}

var (
	_ Store    = (*SQLStore)(nil)
	_ Retainer = (*SQLStore)(nil)
)
