package db

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
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
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
	log := zerolog.New(io.Discard)
	return NewWithDB(sdb, log), mock
}

// sliceConverter passes the slice arguments the store binds to ANY($n)
// and unnest($n) through unchanged (pgx encodes them as arrays);
// everything else goes through the default converter.
type sliceConverter struct{}

func (sliceConverter) ConvertValue(v interface{}) (driver.Value, error) {
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Slice {
		return v, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func TestGetProjectAuthInfoScansSnakeCaseColumns(t *testing.T) {
	store, mock := newMockStore(t)

	firstEvent := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"project_id", "project_scrub_ip", "project_throttle_rate",
		"organization_id", "org_accepting_events", "org_throttle_rate",
		"org_scrub_ip", "first_event",
	}).AddRow(int64(7), true, 10, int64(3), true, 0, false, firstEvent)

	mock.ExpectQuery(`SELECT \* FROM get_project_auth_info`).
		WithArgs(int64(7), "abc123").
		WillReturnRows(rows)

	got, err := store.GetProjectAuthInfo(context.Background(), 7, "abc123")
	if err != nil {
		t.Fatalf("GetProjectAuthInfo: %v", err)
	}
	if got == nil {
		t.Fatal("expected a row, got nil")
	}
	if got.ProjectID != 7 || got.OrganizationID != 3 {
		t.Fatalf("expected project_id/organization_id to scan correctly, got %+v", got)
	}
	if !got.ProjectScrubIP || got.ProjectThrottleRate != 10 {
		t.Fatalf("expected project_scrub_ip/project_throttle_rate to scan correctly, got %+v", got)
	}
	if !got.OrgAcceptingEvents || got.OrgThrottleRate != 0 || got.OrgScrubIP {
		t.Fatalf("expected org_* columns to scan correctly, got %+v", got)
	}
	if got.FirstEvent == nil || !got.FirstEvent.Equal(firstEvent) {
		t.Fatalf("expected first_event to scan correctly, got %+v", got.FirstEvent)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetProjectAuthInfoReturnsNilOnNoRows(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"project_id", "project_scrub_ip", "project_throttle_rate",
		"organization_id", "org_accepting_events", "org_throttle_rate",
		"org_scrub_ip", "first_event",
	})
	mock.ExpectQuery(`SELECT \* FROM get_project_auth_info`).
		WithArgs(int64(7), "bad-key").
		WillReturnRows(rows)

	got, err := store.GetProjectAuthInfo(context.Background(), 7, "bad-key")
	if err != nil {
		t.Fatalf("expected no error for empty result, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil row for invalid dsn, got %+v", got)
	}
}

func TestFindIssueHashesScansSnakeCaseColumns(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"value", "project_id", "issue_id", "issue_status"}).
		AddRow("abc123hash", int64(1), int64(42), "unresolved")

	mock.ExpectQuery(`SELECT value, project_id, issue_id, issue_status`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(rows)

	got, err := store.FindIssueHashes(context.Background(), 1, []string{"abc123hash"})
	if err != nil {
		t.Fatalf("FindIssueHashes: %v", err)
	}
	row, ok := got["abc123hash"]
	if !ok {
		t.Fatal("expected hash value to be present in result map")
	}
	if row.IssueID != 42 || row.ProjectID != 1 || row.IssueStatus != "unresolved" {
		t.Fatalf("expected fields to scan correctly, got %+v", row)
	}
}

func TestFindDebugSymbolBundlesScansSnakeCaseColumns(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "filename", "debug_id"}).
		AddRow(int64(99), "app.min.js", "")

	mock.ExpectQuery(`SELECT id, filename, debug_id`).
		WithArgs(int64(5), int64(2), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE difs_debugsymbolbundle`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := store.FindDebugSymbolBundles(context.Background(), 5, 2, []string{"app.min.js"}, nil)
	if err != nil {
		t.Fatalf("FindDebugSymbolBundles: %v", err)
	}
	if len(got) != 1 || got[0].ID != 99 || got[0].Filename != "app.min.js" {
		t.Fatalf("expected bundle to scan correctly, got %+v", got)
	}
}
