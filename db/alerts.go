package db

import (
	"context"
	"fmt"
	"time"
)

// AlertRule is one project's configured notification rule: an issue
// qualifies when it accumulates at least quantity events within
// timespan_minutes, matching ProjectAlert in the original schema.
type AlertRule struct {
	ID              int64    `db:"id"`
	ProjectID       int64    `db:"project_id"`
	OrganizationID  int64    `db:"organization_id"`
	Quantity        int      `db:"quantity"`
	TimespanMinutes int      `db:"timespan_minutes"`
	RecipientType   string   `db:"recipient_type"`
	WebhookURL      string   `db:"webhook_url"`
	TagsToAdd       []string `db:"tags_to_add"`
}

// ListEvaluableAlertRules returns every alert rule with both quantity
// and timespan configured, the same filter process_event_alerts
// applies before narrowing by recently-seen issue ids.
func (s *Store) ListEvaluableAlertRules(ctx context.Context) ([]AlertRule, error) {
	const q = `
		SELECT a.id, a.project_id, p.organization_id, a.quantity, a.timespan_minutes,
		       a.recipient_type, a.webhook_url, COALESCE(a.tags_to_add, '{}') AS tags_to_add
		FROM alerts_projectalert a
		JOIN projects_project p ON p.id = a.project_id
		WHERE a.quantity IS NOT NULL AND a.timespan_minutes IS NOT NULL`
	var rows []AlertRule
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("db: list alert rules: %w", err)
	}
	return rows, nil
}

// QualifyingIssues finds issues on alert.ProjectID that accumulated at
// least alert.Quantity events since since, were not already notified
// for this alert, and (when issueIDFilter is non-nil) are restricted
// to that set — the Lua-drained recent-issues set from the ingest
// path, so alert evaluation never scans issues no event touched.
func (s *Store) QualifyingIssues(ctx context.Context, alert AlertRule, since time.Time, issueIDFilter []int64) ([]int64, error) {
	args := []interface{}{alert.ProjectID, since, alert.Quantity, alert.ID}
	filterClause := ""
	if issueIDFilter != nil {
		filterClause = "AND i.id = ANY($5)"
		args = append(args, issueIDFilter)
	}
	q := fmt.Sprintf(`
		SELECT i.id
		FROM issue_events_issue i
		JOIN issue_events_issueevent e ON e.issue_id = i.id
		WHERE i.project_id = $1
		  AND e.received >= $2
		  AND NOT EXISTS (
		      SELECT 1 FROM alerts_notification_issues ni
		      JOIN alerts_notification n ON n.id = ni.notification_id
		      WHERE n.project_alert_id = $4 AND ni.issue_id = i.id
		  )
		  %s
		GROUP BY i.id
		HAVING count(e.id) >= $3`, filterClause)
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, q, args...); err != nil {
		return nil, fmt.Errorf("db: qualifying issues: %w", err)
	}
	return ids, nil
}

// CreateNotification records a fired alert and the issues it covers in
// one transaction, returning the notification id send_notification
// dispatches by.
func (s *Store) CreateNotification(ctx context.Context, alertID int64, issueIDs []int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("db: begin notification: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var notificationID int64
	const insertNotif = `INSERT INTO alerts_notification (project_alert_id, created) VALUES ($1, now()) RETURNING id`
	if err := tx.GetContext(ctx, &notificationID, insertNotif, alertID); err != nil {
		return 0, fmt.Errorf("db: insert notification: %w", err)
	}

	const insertLink = `INSERT INTO alerts_notification_issues (notification_id, issue_id) VALUES ($1, $2)`
	for _, issueID := range issueIDs {
		if _, err := tx.ExecContext(ctx, insertLink, notificationID, issueID); err != nil {
			return 0, fmt.Errorf("db: link notification issue %d: %w", issueID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("db: commit notification: %w", err)
	}
	return notificationID, nil
}

// IssueSummary is the subset of an Issue the webhook renderers need.
type IssueSummary struct {
	ID          int64  `db:"id"`
	ShortID     int64  `db:"short_id"`
	ProjectName string `db:"project_name"`
	Title       string `db:"title"`
	Culprit     string `db:"culprit"`
	HexColor    string `db:"hex_color"`
	DetailURL   string `db:"-"`
	Environment string `db:"environment"`
	ServerName  string `db:"server_name"`
	Release     string `db:"release"`
}

// NotificationIssues resolves the issues attached to a notification,
// in insertion order, capped at limit — the Go analogue of
// notification.issues.all()[:MAX_ISSUES_PER_ALERT].
func (s *Store) NotificationIssues(ctx context.Context, notificationID int64, limit int) ([]IssueSummary, int, error) {
	const countQ = `SELECT count(*) FROM alerts_notification_issues WHERE notification_id = $1`
	var total int
	if err := s.db.GetContext(ctx, &total, countQ, notificationID); err != nil {
		return nil, 0, fmt.Errorf("db: count notification issues: %w", err)
	}

	const q = `
		SELECT i.id, i.short_id, p.name AS project_name, i.title, i.culprit,
		       COALESCE(i.hex_color, '#6C5FC7') AS hex_color,
		       COALESCE(env.value, '') AS environment,
		       COALESCE(srv.value, '') AS server_name,
		       COALESCE(rel.value, '') AS release
		FROM alerts_notification_issues ni
		JOIN issue_events_issue i ON i.id = ni.issue_id
		JOIN projects_project p ON p.id = i.project_id
		LEFT JOIN LATERAL (
			SELECT tv.value FROM issue_events_issuetag it
			JOIN tags_tagkey tk ON tk.id = it.tag_key_id
			JOIN tags_tagvalue tv ON tv.id = it.tag_value_id
			WHERE it.issue_id = i.id AND tk.key = 'environment' LIMIT 1
		) env ON true
		LEFT JOIN LATERAL (
			SELECT tv.value FROM issue_events_issuetag it
			JOIN tags_tagkey tk ON tk.id = it.tag_key_id
			JOIN tags_tagvalue tv ON tv.id = it.tag_value_id
			WHERE it.issue_id = i.id AND tk.key = 'server_name' LIMIT 1
		) srv ON true
		LEFT JOIN LATERAL (
			SELECT tv.value FROM issue_events_issuetag it
			JOIN tags_tagkey tk ON tk.id = it.tag_key_id
			JOIN tags_tagvalue tv ON tv.id = it.tag_value_id
			WHERE it.issue_id = i.id AND tk.key = 'release' LIMIT 1
		) rel ON true
		WHERE ni.notification_id = $1
		ORDER BY ni.id
		LIMIT $2`
	var rows []IssueSummary
	if err := s.db.SelectContext(ctx, &rows, q, notificationID, limit); err != nil {
		return nil, 0, fmt.Errorf("db: notification issues: %w", err)
	}
	for i := range rows {
		rows[i].DetailURL = fmt.Sprintf("/organizations/issues/%d", rows[i].ID)
	}
	return rows, total, nil
}
