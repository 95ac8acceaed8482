package alerts

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/glitchtip/ingest/cache"
	"github.com/glitchtip/ingest/db"
)

func newTestEvaluator(t *testing.T) (*Evaluator, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	store := db.NewWithDB(sqlx.NewDb(mockDB, "pgx"), zerolog.New(io.Discard))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cacheStore := cache.New(rdb)

	dispatcher := NewDispatcher(time.Second)
	ev := New(store, cacheStore, dispatcher, zerolog.New(io.Discard), 5*time.Second, 10)
	return ev, mock
}

// TestEvaluateRuleCreatesNotificationOnceForQualifyingIssues covers R2:
// a rule whose threshold is met creates exactly one Notification, with
// no webhook dispatch since WebhookURL is empty.
func TestEvaluateRuleCreatesNotificationOnceForQualifyingIssues(t *testing.T) {
	ev, mock := newTestEvaluator(t)
	now := time.Now().UTC()

	rule := db.AlertRule{ID: 1, ProjectID: 9, Quantity: 5, TimespanMinutes: 60}

	mock.ExpectQuery(`SELECT i\.id`).
		WithArgs(rule.ProjectID, sqlmock.AnyArg(), rule.Quantity, rule.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)).AddRow(int64(12)))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO alerts_notification`).
		WithArgs(rule.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100)))
	mock.ExpectExec(`INSERT INTO alerts_notification_issues`).
		WithArgs(int64(100), int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alerts_notification_issues`).
		WithArgs(int64(100), int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT count\(\*\) FROM alerts_notification_issues`).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT i\.id, i\.short_id`).
		WithArgs(int64(100), 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "short_id", "project_name", "title", "culprit", "hex_color", "environment", "server_name", "release",
		}))

	ev.evaluateRule(context.Background(), rule, now, nil)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations (notification should be created exactly once): %v", err)
	}
}

// TestEvaluateRuleSkipsAlreadyNotifiedIssues covers R2's idempotence:
// once QualifyingIssues excludes every issue already linked to a
// notification for this rule (the NOT EXISTS clause), re-evaluating the
// same rule issues no further writes at all.
func TestEvaluateRuleSkipsAlreadyNotifiedIssues(t *testing.T) {
	ev, mock := newTestEvaluator(t)
	now := time.Now().UTC()
	rule := db.AlertRule{ID: 1, ProjectID: 9, Quantity: 5, TimespanMinutes: 60}

	mock.ExpectQuery(`SELECT i\.id`).
		WithArgs(rule.ProjectID, sqlmock.AnyArg(), rule.Quantity, rule.ID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ev.evaluateRule(context.Background(), rule, now, nil)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no notification-creation queries when nothing qualifies: %v", err)
	}
}

// TestEvaluateSkipsEntirelyWhenActiveIssueSetIsEmpty covers the early
// exit in evaluate: a drained-but-empty active issue set means no
// event touched any issue since the last pass, so no rule is even
// listed, let alone evaluated.
func TestEvaluateSkipsEntirelyWhenActiveIssueSetIsEmpty(t *testing.T) {
	ev, mock := newTestEvaluator(t)

	ev.evaluate(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected zero queries when the active issue set drains empty: %v", err)
	}
}
