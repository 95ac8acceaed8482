package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventRow is one fully resolved IssueEvent ready for the bulk insert
// bulk_insert_issue_events performs after an ingest batch has been
// grouped: issue_id is already known, and the row's natural key
// (event_id, received) enforces per-partition dedup at the storage
// layer as the last line of defense behind the request-path cache-add
// check in the auth/dedup gate.
type EventRow struct {
	EventID     string
	ProjectID   int64
	IssueID     int64
	Type        string
	Level       string
	Title       string
	Transaction string
	Culprit     string
	Timestamp   time.Time
	Received    time.Time
	Tags        map[string]string
	Data        []byte
	HashList    []string
	ReleaseID   *int64
}

// BulkInsertEvents writes the whole batch as a single multi-row INSERT,
// relying on ON CONFLICT DO NOTHING for (event_id, received) so a
// duplicate that slipped past the request-path dedup cache is silently
// dropped rather than failing the whole batch, matching
// ignore_conflicts in process_issue_events. hash_list is a per-row
// array column, so the batch can't reduce to internStrings' parallel
// unnest($1::type[]) arrays the way BulkUpsertIssueTags does; a single
// VALUES list with one tuple per row is the idiomatic alternative that
// still issues one round trip regardless of batch size.
func (s *Store) BulkInsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 14
	args := make([]interface{}, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args,
			r.EventID, r.ProjectID, r.IssueID, r.Type, r.Level, r.Title, r.Transaction, r.Culprit,
			r.Timestamp, r.Received, jsonbMap(r.Tags), r.Data, r.HashList, r.ReleaseID,
		)
	}
	q := fmt.Sprintf(`
		INSERT INTO issue_events_issueevent
			(event_id, project_id, issue_id, type, level, title, transaction, culprit,
			 timestamp, received, tags, data, hash_list, release_id)
		VALUES %s
		ON CONFLICT (event_id, received) DO NOTHING`, buildValuesPlaceholders(len(rows), cols))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("db: bulk insert events: %w", err)
	}
	return nil
}

// IssueTagCount accumulates one (day, issue, key, value) tag bucket's
// worth of event additions within a single ingest batch.
type IssueTagCount struct {
	Date    time.Time
	IssueID int64
	Key     string
	Value   string
	Count   int
}

// BulkUpsertIssueTags interns the batch's tag keys and values into the
// shared TagKey/TagValue catalogs, then upserts one IssueTag bucket
// row per (date, issue, key, value) in a single statement, incrementing
// count on conflict — the Go analogue of
// bulk_create_tags/bulk_insert_issue_tags, using the same parallel-array
// unnest($1::type[], ...) shape internStrings already demonstrates.
func (s *Store) BulkUpsertIssueTags(ctx context.Context, counts []IssueTagCount) error {
	if len(counts) == 0 {
		return nil
	}

	keys := make(map[string]struct{})
	values := make(map[string]struct{})
	for _, c := range counts {
		keys[c.Key] = struct{}{}
		values[c.Value] = struct{}{}
	}

	keyIDs, err := s.internStrings(ctx, "tags_tagkey", "key", keys)
	if err != nil {
		return fmt.Errorf("db: intern tag keys: %w", err)
	}
	valueIDs, err := s.internStrings(ctx, "tags_tagvalue", "value", values)
	if err != nil {
		return fmt.Errorf("db: intern tag values: %w", err)
	}

	dates := make([]time.Time, len(counts))
	issueIDs := make([]int64, len(counts))
	tagKeyIDs := make([]int64, len(counts))
	tagValueIDs := make([]int64, len(counts))
	addCounts := make([]int, len(counts))
	for i, c := range counts {
		dates[i] = c.Date.Truncate(24 * time.Hour)
		issueIDs[i] = c.IssueID
		tagKeyIDs[i] = keyIDs[c.Key]
		tagValueIDs[i] = valueIDs[c.Value]
		addCounts[i] = c.Count
	}

	const q = `
		INSERT INTO issue_events_issuetag (date, issue_id, tag_key_id, tag_value_id, count)
		SELECT * FROM unnest($1::date[], $2::bigint[], $3::bigint[], $4::bigint[], $5::int[])
		ON CONFLICT (date, issue_id, tag_key_id, tag_value_id) DO UPDATE
			SET count = issue_events_issuetag.count + EXCLUDED.count`
	if _, err := s.db.ExecContext(ctx, q, dates, issueIDs, tagKeyIDs, tagValueIDs, addCounts); err != nil {
		return fmt.Errorf("db: upsert issue tags: %w", err)
	}
	return nil
}

// internStrings resolves a set of strings to their catalog row ids in
// table(column), inserting any not already present. One round trip to
// insert (ignoring conflicts on the unique column), one to select back
// the full id set — the same insert-then-reselect shape
// GetOrCreateRelease uses.
func (s *Store) internStrings(ctx context.Context, table, column string, values map[string]struct{}) (map[string]int64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	list := make([]string, 0, len(values))
	for v := range values {
		list = append(list, v)
	}

	insertQ := fmt.Sprintf(`
		INSERT INTO %s (%s)
		SELECT unnest($1::text[])
		ON CONFLICT (%s) DO NOTHING`, table, column, column)
	if _, err := s.db.ExecContext(ctx, insertQ, list); err != nil {
		return nil, fmt.Errorf("db: intern insert into %s: %w", table, err)
	}

	selectQ := fmt.Sprintf(`SELECT id, %s AS value FROM %s WHERE %s = ANY($1)`, column, table, column)
	var rows []struct {
		ID    int64
		Value string
	}
	if err := s.db.SelectContext(ctx, &rows, selectQ, list); err != nil {
		return nil, fmt.Errorf("db: intern select from %s: %w", table, err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Value] = r.ID
	}
	return out, nil
}

// buildValuesPlaceholders renders rowCount VALUES tuples of colCount
// placeholders each: "($1,$2,...),($n+1,...),...", 1-indexed. Used for
// batch writes whose rows carry their own array- or composite-typed
// columns, where the parallel unnest($1::type[], ...) arrays
// internStrings uses don't apply.
func buildValuesPlaceholders(rowCount, colCount int) string {
	var b strings.Builder
	n := 1
	for i := 0; i < rowCount; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < colCount; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func jsonbMap(m map[string]string) []byte {
	if m == nil {
		return []byte("{}")
	}
	generic := make(map[string]interface{}, len(m))
	for k, v := range m {
		generic[k] = v
	}
	return jsonb(generic)
}
