package grouping

import (
	"context"
	"database/sql/driver"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/db"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(sliceConverter{}),
	)
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })

	sdb := sqlx.NewDb(mockDB, "pgx")
	store := db.NewWithDB(sdb, zerolog.New(io.Discard))
	return NewEngine(store), mock
}

// sliceConverter passes the slice arguments the store binds to ANY($n)
// through unchanged (pgx encodes them as arrays); everything else goes
// through the default converter.
type sliceConverter struct{}

func (sliceConverter) ConvertValue(v interface{}) (driver.Value, error) {
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Slice {
		return v, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

// TestResolveBatchBackfillsSharedHashWithinBatch covers P1: two events
// in the same batch that resolve to the same (project, hash) create at
// most one Issue — the second event reuses the first's issue_id from
// the in-memory backfill map without its own CreateIssueWithHash round
// trip.
func TestResolveBatchBackfillsSharedHashWithinBatch(t *testing.T) {
	engine, mock := newMockEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []*ProcessedEvent{
		{EventID: "a", ProjectID: 1, Title: "boom", Culprit: "x.go", Type: "error", ReceivedAt: now},
		{EventID: "b", ProjectID: 1, Title: "boom", Culprit: "x.go", Type: "error", ReceivedAt: now},
	}
	hash := GenerateHash("boom", "x.go", "error", nil)

	mock.ExpectQuery(`SELECT value, project_id, issue_id, issue_status`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"value", "project_id", "issue_id", "issue_status"}))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO projects_projectcounter`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO issue_events_issue`).
		WithArgs(int64(1), int64(1), "boom", "x.go", "error", sqlmock.AnyArg(), now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(99)))
	mock.ExpectExec(`INSERT INTO issue_events_issuehash`).
		WithArgs(int64(1), int64(99), hash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := engine.ResolveBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected exactly one issue created for a shared hash, got %d", created)
	}
	if events[0].IssueID != 99 || events[1].IssueID != 99 {
		t.Fatalf("expected both events to share issue id 99, got %d and %d", events[0].IssueID, events[1].IssueID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations (second event should not issue its own CreateIssueWithHash call): %v", err)
	}
}

// TestResolveBatchReusesExistingIssueAndReopensResolved covers the
// reopen-on-match edge case: an event whose hash already has an
// IssueHash row reuses that issue_id without creating a new Issue, and
// a RESOLVED match is flipped back to UNRESOLVED.
func TestResolveBatchReusesExistingIssueAndReopensResolved(t *testing.T) {
	engine, mock := newMockEngine(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hash := GenerateHash("boom", "x.go", "error", nil)

	events := []*ProcessedEvent{
		{EventID: "a", ProjectID: 1, Title: "boom", Culprit: "x.go", Type: "error", ReceivedAt: now},
	}

	mock.ExpectQuery(`SELECT value, project_id, issue_id, issue_status`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"value", "project_id", "issue_id", "issue_status"}).
			AddRow(hash, int64(1), int64(42), "resolved"))
	mock.ExpectExec(`UPDATE issue_events_issue SET status = 'unresolved'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := engine.ResolveBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no new issues for an existing hash, got %d", created)
	}
	if events[0].IssueID != 42 {
		t.Fatalf("expected event to reuse existing issue id 42, got %d", events[0].IssueID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccumulateCountsFoldsPerIssue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	events := []*ProcessedEvent{
		{IssueID: 1, SearchVector: "alpha", ReceivedAt: now},
		{IssueID: 1, SearchVector: "beta", ReceivedAt: later},
		{IssueID: 2, SearchVector: "gamma", ReceivedAt: now},
	}

	updates := AccumulateCounts(events)
	if len(updates) != 2 {
		t.Fatalf("expected one update per distinct issue, got %d", len(updates))
	}
	byIssue := make(map[int64]int)
	for _, u := range updates {
		byIssue[u.IssueID]++
		if u.IssueID == 1 {
			if u.AddedCount != 2 {
				t.Fatalf("expected issue 1 to accumulate 2 events, got %d", u.AddedCount)
			}
			if !u.LastSeen.Equal(later) {
				t.Fatalf("expected issue 1 last_seen to be the later timestamp, got %v", u.LastSeen)
			}
			if u.SearchVector != "alpha beta" {
				t.Fatalf("expected joined search vector, got %q", u.SearchVector)
			}
		}
	}
	if byIssue[1] != 1 || byIssue[2] != 1 {
		t.Fatalf("expected exactly one update per issue id, got %+v", byIssue)
	}
}
