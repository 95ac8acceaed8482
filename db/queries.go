package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// GetProjectAuthInfo resolves project + organization auth state in a
// single round trip, the Go analogue of GlitchTip's
// get_project_auth_info stored procedure call. Returns nil, nil when
// the (project_id, sentry_key) pair does not resolve to a project —
// that is a cache-worthy rejection, not a Go error.
func (s *Store) GetProjectAuthInfo(ctx context.Context, projectID int64, sentryKey string) (*ProjectAuthRow, error) {
	const q = `SELECT * FROM get_project_auth_info($1, $2)`
	var row ProjectAuthRow
	err := s.db.GetContext(ctx, &row, q, projectID, sentryKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get_project_auth_info: %w", err)
	}
	return &row, nil
}

// EnqueueOrganizationThrottleCheck re-evaluates an organization's
// accepted-event quota against its current billing period usage. It is
// invoked out of band, sampled at a low rate by the auth gate, so a
// failure is logged here and not returned.
func (s *Store) EnqueueOrganizationThrottleCheck(ctx context.Context, organizationID int64) {
	const q = `
		UPDATE organizations_organization
		SET event_throttle_rate = compute_throttle_rate(id)
		WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, q, organizationID); err != nil {
		s.log.Warn().Err(err).Int64("organization_id", organizationID).Msg("organization throttle check failed")
	}
}

// NextShortID atomically allocates the next per-project short_id using
// an INSERT ... ON CONFLICT DO UPDATE counter bump, the same pattern
// GlitchTip uses for projects_projectcounter.
func (s *Store) NextShortID(ctx context.Context, projectID int64) (int64, error) {
	const q = `
		INSERT INTO projects_projectcounter (project_id, value)
		VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE SET value = projects_projectcounter.value + 1
		RETURNING value`
	var value int64
	if err := s.db.GetContext(ctx, &value, q, projectID); err != nil {
		return 0, fmt.Errorf("db: next_short_id: %w", err)
	}
	return value, nil
}

// FindIssueHashes performs the single bulk IssueHash lookup
// process_issue_events does per batch, instead of one query per event.
func (s *Store) FindIssueHashes(ctx context.Context, projectID int64, values []string) (map[string]IssueHashRow, error) {
	if len(values) == 0 {
		return nil, nil
	}
	const q = `
		SELECT value, project_id, issue_id, issue_status
		FROM issue_events_issuehash_with_status
		WHERE project_id = $1 AND value = ANY($2)`
	var rows []IssueHashRow
	if err := s.db.SelectContext(ctx, &rows, q, projectID, values); err != nil {
		return nil, fmt.Errorf("db: find_issue_hashes: %w", err)
	}
	out := make(map[string]IssueHashRow, len(rows))
	for _, r := range rows {
		out[r.Value] = r
	}
	return out, nil
}

// CreateIssueWithHash creates a new Issue and its first IssueHash
// inside one transaction, allocating short_id first. If a concurrent
// request wins the race on the hash's unique index, the unique
// violation is caught and the winning issue_id is re-read instead of
// surfacing an error — at most one Issue is ever created per
// (project, hash), matching process_issue_events's
// IntegrityError-catch-and-reread pattern.
func (s *Store) CreateIssueWithHash(ctx context.Context, p NewIssueParams) (issueID int64, created bool, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("db: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	shortID, err := s.nextShortIDTx(ctx, tx, p.ProjectID)
	if err != nil {
		return 0, false, err
	}

	const insertIssue = `
		INSERT INTO issue_events_issue
			(project_id, short_id, title, culprit, type, metadata, status, count, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, 'unresolved', 1, $7, $8)
		RETURNING id`
	if err := tx.GetContext(ctx, &issueID, insertIssue,
		p.ProjectID, shortID, p.Title, p.Culprit, p.Type, jsonb(p.Metadata), p.FirstSeen, p.LastSeen,
	); err != nil {
		return 0, false, fmt.Errorf("db: insert issue: %w", err)
	}

	const insertHash = `
		INSERT INTO issue_events_issuehash (project_id, issue_id, value)
		VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insertHash, p.ProjectID, issueID, p.HashValue); err != nil {
		if isUniqueViolation(err) {
			// Someone else created this (project, hash) first. Reread
			// the winner instead of failing the event.
			existing, rerr := s.FindIssueHashes(ctx, p.ProjectID, []string{p.HashValue})
			if rerr != nil {
				return 0, false, rerr
			}
			if row, ok := existing[p.HashValue]; ok {
				return row.IssueID, false, nil
			}
			return 0, false, fmt.Errorf("db: hash conflict but no row found for %q", p.HashValue)
		}
		return 0, false, fmt.Errorf("db: insert issue_hash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("db: commit: %w", err)
	}
	return issueID, true, nil
}

func (s *Store) nextShortIDTx(ctx context.Context, tx *sqlx.Tx, projectID int64) (int64, error) {
	const q = `
		INSERT INTO projects_projectcounter (project_id, value)
		VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE SET value = projects_projectcounter.value + 1
		RETURNING value`
	var value int64
	if err := tx.GetContext(ctx, &value, q, projectID); err != nil {
		return 0, fmt.Errorf("db: next_short_id(tx): %w", err)
	}
	return value, nil
}

// ReopenIssueIfResolved flips a RESOLVED issue back to UNRESOLVED when
// a new event matches its fingerprint, staging the reopen the way
// process_issue_events does before the bulk count update.
func (s *Store) ReopenIssueIfResolved(ctx context.Context, issueID int64) error {
	const q = `UPDATE issue_events_issue SET status = 'unresolved' WHERE id = $1 AND status = 'resolved'`
	_, err := s.db.ExecContext(ctx, q, issueID)
	return err
}

// BulkUpdateIssueCounts applies every issue's count bump, bounded
// tsvector append, and Greatest() last_seen accumulated over an ingest
// batch as a single UPDATE ... FROM (SELECT * FROM unnest(...)) join,
// instead of one round trip per issue.
func (s *Store) BulkUpdateIssueCounts(ctx context.Context, updates []IssueCountUpdate, maxLexemes int) error {
	if len(updates) == 0 {
		return nil
	}
	issueIDs := make([]int64, len(updates))
	addedCounts := make([]int, len(updates))
	searchText := make([]string, len(updates))
	lastSeen := make([]time.Time, len(updates))
	for i, u := range updates {
		issueIDs[i] = u.IssueID
		addedCounts[i] = u.AddedCount
		searchText[i] = u.SearchVector
		lastSeen[i] = u.LastSeen
	}
	const q = `
		UPDATE issue_events_issue AS i
		SET count = i.count + v.added_count,
		    search_vector = append_and_limit_tsvector(i.search_vector, v.search_text, $5, 'english'),
		    last_seen = GREATEST(i.last_seen, v.last_seen)
		FROM (
			SELECT * FROM unnest($1::bigint[], $2::int[], $3::text[], $4::timestamptz[])
				AS t(issue_id, added_count, search_text, last_seen)
		) AS v
		WHERE i.id = v.issue_id`
	if _, err := s.db.ExecContext(ctx, q, issueIDs, addedCounts, searchText, lastSeen, maxLexemes); err != nil {
		return fmt.Errorf("db: bulk update issue counts: %w", err)
	}
	return nil
}

// BulkUpsertProjectHourlyStats upserts every (project, hour) bucket
// accumulated over an ingest batch in a single statement, incrementing
// count on conflict.
func (s *Store) BulkUpsertProjectHourlyStats(ctx context.Context, counts []ProjectHourlyCount) error {
	if len(counts) == 0 {
		return nil
	}
	projectIDs := make([]int64, len(counts))
	hours := make([]time.Time, len(counts))
	values := make([]int, len(counts))
	for i, c := range counts {
		projectIDs[i] = c.ProjectID
		hours[i] = c.Hour
		values[i] = c.Count
	}
	const q = `
		INSERT INTO stats_projecthourlystatistic (project_id, time, count)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::int[])
		ON CONFLICT (project_id, time) DO UPDATE
			SET count = stats_projecthourlystatistic.count + EXCLUDED.count`
	if _, err := s.db.ExecContext(ctx, q, projectIDs, hours, values); err != nil {
		return fmt.Errorf("db: upsert project hourly stats: %w", err)
	}
	return nil
}

// BulkUpsertIssueHourlyStats mirrors BulkUpsertProjectHourlyStats for
// the per-issue aggregate table the alert evaluator and issue detail
// views read from.
func (s *Store) BulkUpsertIssueHourlyStats(ctx context.Context, counts []IssueHourlyCount) error {
	if len(counts) == 0 {
		return nil
	}
	issueIDs := make([]int64, len(counts))
	orgIDs := make([]int64, len(counts))
	hours := make([]time.Time, len(counts))
	values := make([]int, len(counts))
	for i, c := range counts {
		issueIDs[i] = c.IssueID
		orgIDs[i] = c.OrganizationID
		hours[i] = c.Hour
		values[i] = c.Count
	}
	const q = `
		INSERT INTO issue_events_issueaggregate (issue_id, organization_id, time, count)
		SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::timestamptz[], $4::int[])
		ON CONFLICT (issue_id, time) DO UPDATE
			SET count = issue_events_issueaggregate.count + EXCLUDED.count`
	if _, err := s.db.ExecContext(ctx, q, issueIDs, orgIDs, hours, values); err != nil {
		return fmt.Errorf("db: upsert issue hourly stats: %w", err)
	}
	return nil
}

// GetOrCreateRelease resolves a release's canonical id by
// (organization, version), inserting it if absent. Uses
// insert-ignore-conflict then re-select, the idempotent upsert-by-
// natural-key pattern get_and_create_releases uses for bulk resolution.
func (s *Store) GetOrCreateRelease(ctx context.Context, organizationID int64, version string) (int64, error) {
	const insert = `
		INSERT INTO releases_release (organization_id, version)
		VALUES ($1, $2)
		ON CONFLICT (organization_id, version) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, organizationID, version); err != nil {
		return 0, fmt.Errorf("db: insert release: %w", err)
	}
	const sel = `SELECT id FROM releases_release WHERE organization_id = $1 AND version = $2`
	var id int64
	if err := s.db.GetContext(ctx, &id, sel, organizationID, version); err != nil {
		return 0, fmt.Errorf("db: select release: %w", err)
	}
	return id, nil
}

// GetOrCreateEnvironment mirrors GetOrCreateRelease for environments.
func (s *Store) GetOrCreateEnvironment(ctx context.Context, organizationID int64, name string) (int64, error) {
	const insert = `
		INSERT INTO environments_environment (organization_id, name)
		VALUES ($1, $2)
		ON CONFLICT (organization_id, name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, organizationID, name); err != nil {
		return 0, fmt.Errorf("db: insert environment: %w", err)
	}
	const sel = `SELECT id FROM environments_environment WHERE organization_id = $1 AND name = $2`
	var id int64
	if err := s.db.GetContext(ctx, &id, sel, organizationID, name); err != nil {
		return 0, fmt.Errorf("db: select environment: %w", err)
	}
	return id, nil
}

// DebugSymbolBundleRef identifies a bundle matched to a stack frame,
// either by (release, filename) or by debug_id.
type DebugSymbolBundleRef struct {
	ID       int64  `db:"id"`
	Filename string `db:"filename"`
	DebugID  string `db:"debug_id"`
}

// FindDebugSymbolBundles resolves candidate bundles for an
// organization filtered by release+filename or debug_id, and touches
// last_used for bundles not used in the last day so stale bundles can
// eventually be garbage collected.
func (s *Store) FindDebugSymbolBundles(ctx context.Context, organizationID int64, releaseID int64, filenames, debugIDs []string) ([]DebugSymbolBundleRef, error) {
	if len(filenames) == 0 && len(debugIDs) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, filename, debug_id
		FROM difs_debugsymbolbundle
		WHERE organization_id = $1
		  AND ((release_id = $2 AND filename = ANY($3)) OR debug_id = ANY($4))`
	var rows []DebugSymbolBundleRef
	if err := s.db.SelectContext(ctx, &rows, q, organizationID, releaseID, filenames, debugIDs); err != nil {
		return nil, fmt.Errorf("db: find debug symbol bundles: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	const touch = `
		UPDATE difs_debugsymbolbundle
		SET last_used = now()
		WHERE id = ANY($1) AND (last_used IS NULL OR last_used < now() - interval '1 day')`
	if _, err := s.db.ExecContext(ctx, touch, ids); err != nil {
		s.log.Warn().Err(err).Msg("failed to touch debug symbol bundle last_used")
	}
	return rows, nil
}

func jsonb(m map[string]interface{}) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal that another request already created
// this (project, hash) pair first.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// oneDay is the length of the bundle staleness window;
// FindDebugSymbolBundles writes the same window in SQL as interval '1 day'.
const oneDay = 24 * time.Hour
