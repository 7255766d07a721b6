package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/pkg/types"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open("sqlite3", filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEvent(website, session, name, data string) *types.Event {
	e := &types.Event{
		WebsiteID: website,
		SessionID: session,
		EventName: name,
		IPAddress: "203.0.113.7",
		UserAgent: "test-agent",
	}
	if data != "" {
		e.EventData = json.RawMessage(data)
	}
	return e
}

func TestInsert_AssignsIDAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := newEvent("site-a", "s1", "pageview", `{"path":"/home"}`)
	id, err := s.Insert(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, id, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	got, err := s.Query(ctx, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "site-a", got[0].WebsiteID)
	assert.Equal(t, "s1", got[0].SessionID)
	assert.JSONEq(t, `{"path":"/home"}`, string(got[0].EventData))
	assert.Equal(t, "203.0.113.7", got[0].IPAddress)
	assert.Equal(t, "test-agent", got[0].UserAgent)
	assert.True(t, e.Timestamp.Equal(got[0].Timestamp))
}

func TestInsert_AbsentEventDataStaysAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, newEvent("site-a", "s1", "click", ""))
	require.NoError(t, err)

	got, err := s.Query(ctx, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].EventData)
}

func TestInsert_IDsStrictlyIncreasing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 20; i++ {
		id, err := s.Insert(ctx, newEvent("site-a", "s1", "pageview", ""))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestInsert_ClampsBackwardsClock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	s.now = func() time.Time {
		ts := clock[i]
		i++
		return ts
	}

	first := newEvent("site-a", "s1", "a", "")
	second := newEvent("site-a", "s1", "b", "")
	third := newEvent("site-a", "s1", "c", "")
	for _, e := range []*types.Event{first, second, third} {
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
	}

	assert.True(t, second.Timestamp.Equal(first.Timestamp), "backwards clock is clamped")
	assert.True(t, third.Timestamp.After(second.Timestamp))

	// Equal timestamps fall back to id order
	got, err := s.Query(ctx, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].EventName, got[1].EventName, got[2].EventName})
}

func TestQuery_FiltersAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Hour)
	}

	for _, site := range []string{"a", "b", "a", "b", "a"} {
		_, err := s.Insert(ctx, newEvent(site, "s", "pageview", ""))
		require.NoError(t, err)
	}

	all, err := s.Query(ctx, Filter{}, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	siteA, err := s.Query(ctx, Filter{WebsiteID: "a"}, 100)
	require.NoError(t, err)
	require.Len(t, siteA, 3)
	for _, e := range siteA {
		assert.Equal(t, "a", e.WebsiteID)
	}

	limited, err := s.Query(ctx, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, all[0].ID, limited[0].ID)
	assert.Equal(t, all[1].ID, limited[1].ID)

	// Inclusive bounds: hours 2 through 4
	start := base.Add(2 * time.Hour)
	end := base.Add(4 * time.Hour)
	window, err := s.Query(ctx, Filter{Start: &start, End: &end}, 100)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.True(t, window[0].Timestamp.Equal(end))
	assert.True(t, window[2].Timestamp.Equal(start))

	combined, err := s.Query(ctx, Filter{WebsiteID: "b", Start: &start, End: &end}, 100)
	require.NoError(t, err)
	assert.Len(t, combined, 2)
}

func TestQuery_OrderedNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Insert(ctx, newEvent("site", "s", "pageview", ""))
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, Filter{}, 100)
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		assert.False(t, cur.Timestamp.After(prev.Timestamp))
		if cur.Timestamp.Equal(prev.Timestamp) {
			assert.Less(t, cur.ID, prev.ID)
		}
	}
}

func TestInsert_Concurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := s.Insert(ctx, newEvent("site", "s", "pageview", "")); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent insert failed: %v", err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), n)

	// Timestamp order agrees with id order
	got, err := s.Query(ctx, Filter{}, workers*perWorker)
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i].ID, got[i-1].ID)
	}
}

func TestReopen_KeepsTimestampsNonDecreasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	s, err := Open("sqlite3", path, nil)
	require.NoError(t, err)
	future := time.Now().Add(time.Hour)
	s.now = func() time.Time { return future }
	first := newEvent("site", "s", "pageview", "")
	_, err = s.Insert(ctx, first)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open("sqlite3", path, nil)
	require.NoError(t, err)
	defer s.Close()

	second := newEvent("site", "s", "pageview", "")
	_, err = s.Insert(ctx, second)
	require.NoError(t, err)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Greater(t, second.ID, first.ID)
}

func TestRetainer_ScanAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * 24 * time.Hour)
	}
	for i := 0; i < 6; i++ {
		_, err := s.Insert(ctx, newEvent("site", "s", "pageview", ""))
		require.NoError(t, err)
	}

	// Days 1-3 are older than the cutoff
	cutoff := base.Add(3*24*time.Hour + time.Hour)
	expired, err := s.ScanBefore(ctx, cutoff, 2)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Less(t, expired[0].ID, expired[1].ID, "oldest first")

	deleted, err := s.DeleteBatch(ctx, cutoff, []int64{expired[0].ID, expired[1].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	rest, err := s.ScanBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestRetainer_DeleteBatchOnlyRemovesScannedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	a, err := Open("sqlite3", path, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open("sqlite3", path, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return t0 }
	b.now = func() time.Time { return t0.Add(10 * time.Millisecond) }

	// Two writers: id order and timestamp order disagree
	later := newEvent("site", "s", "pageview", "")
	_, err = b.Insert(ctx, later)
	require.NoError(t, err)
	earlier := newEvent("site", "s", "pageview", "")
	_, err = a.Insert(ctx, earlier)
	require.NoError(t, err)
	require.Greater(t, earlier.ID, later.ID)

	cutoff := t0.Add(time.Hour)
	batch, err := a.ScanBefore(ctx, cutoff, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, earlier.ID, batch[0].ID)

	deleted, err := a.DeleteBatch(ctx, cutoff, []int64{batch[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rest, err := a.Query(ctx, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, later.ID, rest[0].ID)
}

func TestRetainer_DeleteBatchEmpty(t *testing.T) {
	s := openTestStore(t)
	deleted, err := s.DeleteBatch(context.Background(), time.Now(), nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestQuery_BoundsBeyondNanosecondRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Insert(ctx, newEvent("site", "s", "pageview", ""))
		require.NoError(t, err)
	}

	farFuture := time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	farPast := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	year3000 := time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := s.Query(ctx, Filter{End: &farFuture}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.Query(ctx, Filter{Start: &farPast, End: &farFuture}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.Query(ctx, Filter{Start: &year3000}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Query(ctx, Filter{End: &farPast}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUnixNanos_Clamps(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), unixNanos(time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(math.MinInt64), unixNanos(time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC)))

	now := time.Now()
	assert.Equal(t, now.UnixNano(), unixNanos(now))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	assert.Error(t, err)
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "events.db?_journal_mode=WAL&_busy_timeout=5000", sqliteDSN("events.db"))
	assert.Equal(t, "file:x.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000", sqliteDSN("file:x.db?cache=shared"))
	assert.Equal(t, "x.db?_journal_mode=DELETE", sqliteDSN("x.db?_journal_mode=DELETE"))
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM events WHERE website_id = ? AND timestamp >= ? LIMIT ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT * FROM events WHERE website_id = $1 AND timestamp >= $2 LIMIT $3", postgresDialect.rebind(q))
}

// newMockStore builds a postgres-dialect store over sqlmock.
func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for range postgresDialect.schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(timestamp), 0) FROM events")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(0)))

	s, err := New(db, "postgres", zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestPostgres_InsertUsesNumberedPlaceholders(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7)")).
		WithArgs("site", "s1", "pageview", `{"path":"/"}`, "203.0.113.7", "test-agent", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))

	id, err := s.Insert(context.Background(), newEvent("site", "s1", "pageview", `{"path":"/"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_QueryBuildsFilter(t *testing.T) {
	s, mock := newMockStore(t)

	start := time.Unix(100, 0)
	rows := sqlmock.NewRows([]string{"id", "website_id", "session_id", "event_name", "event_data", "ip_address", "user_agent", "timestamp"}).
		AddRow(int64(2), "site", "s1", "pageview", `{"path":"/a"}`, "ip", "ua", int64(200e9)).
		AddRow(int64(1), "site", "s1", "click", nil, "ip", "ua", int64(150e9))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE website_id = $1 AND timestamp >= $2 ORDER BY timestamp DESC, id DESC LIMIT $3")).
		WithArgs("site", start.UnixNano(), 50).
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), Filter{WebsiteID: "site", Start: &start}, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Nil(t, got[1].EventData)
	assert.Equal(t, time.Unix(200, 0).UTC(), got[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_StorageFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO events").WillReturnError(errors.New("connection refused"))

	before := s.lastTS
	_, err := s.Insert(context.Background(), newEvent("site", "s1", "pageview", ""))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCategoryStorage, apperrors.GetCategory(err))
	assert.Equal(t, apperrors.CodeStorageUnavailable, apperrors.GetCode(err))
	assert.Equal(t, before, s.lastTS, "failed insert does not advance the clock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_StorageFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("timeout"))

	_, err := s.Query(context.Background(), Filter{}, 10)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeStorageUnavailable, apperrors.GetCode(err))
}
