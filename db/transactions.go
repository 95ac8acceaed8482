package db

import (
	"context"
	"fmt"
	"time"
)

// TransactionGroupRow is one resolved (project, transaction, op,
// method) identity, the natural key TransactionGroup rows are
// deduplicated on.
type TransactionGroupRow struct {
	ProjectID   int64
	Transaction string
	Op          string
	Method      string
}

// GetOrCreateTransactionGroup resolves a TransactionGroup's id by its
// natural key, inserting it if absent. Same insert-ignore-conflict
// then reselect shape as GetOrCreateRelease.
func (s *Store) GetOrCreateTransactionGroup(ctx context.Context, g TransactionGroupRow) (int64, error) {
	const insert = `
		INSERT INTO transactions_transactiongroup (project_id, transaction, op, method)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, transaction, op, method) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, g.ProjectID, g.Transaction, g.Op, g.Method); err != nil {
		return 0, fmt.Errorf("db: insert transaction group: %w", err)
	}
	const sel = `
		SELECT id FROM transactions_transactiongroup
		WHERE project_id = $1 AND transaction = $2 AND op = $3 AND method = $4`
	var id int64
	if err := s.db.GetContext(ctx, &id, sel, g.ProjectID, g.Transaction, g.Op, g.Method); err != nil {
		return 0, fmt.Errorf("db: select transaction group: %w", err)
	}
	return id, nil
}

// TransactionEventRow is one fully resolved TransactionEvent ready for
// bulk insert, mirroring EventRow's (event_id, received) partition key
// and ignore-conflicts dedup semantics.
type TransactionEventRow struct {
	EventID     string
	ProjectID   int64
	GroupID     int64
	Transaction string
	DurationMs  float64
	Timestamp   time.Time
	Received    time.Time
	Tags        map[string]string
	ReleaseID   *int64
}

// BulkInsertTransactionEvents writes the whole batch as a single
// multi-row INSERT, relying on ON CONFLICT DO NOTHING for (event_id,
// received) the same way BulkInsertEvents does for issue events.
// release_id is nullable per row, so this uses the same VALUES-list
// shape as BulkInsertEvents rather than parallel unnest arrays.
func (s *Store) BulkInsertTransactionEvents(ctx context.Context, rows []TransactionEventRow) error {
	if len(rows) == 0 {
		return nil
	}
	const cols = 9
	args := make([]interface{}, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args,
			r.EventID, r.ProjectID, r.GroupID, r.Transaction, r.DurationMs,
			r.Timestamp, r.Received, jsonbMap(r.Tags), r.ReleaseID,
		)
	}
	q := fmt.Sprintf(`
		INSERT INTO transactions_transactionevent
			(event_id, project_id, group_id, transaction, duration_ms, timestamp, received, tags, release_id)
		VALUES %s
		ON CONFLICT (event_id, received) DO NOTHING`, buildValuesPlaceholders(len(rows), cols))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("db: bulk insert transaction events: %w", err)
	}
	return nil
}

// TransactionGroupMinuteCount accumulates one (organization, group,
// minute) bucket's worth of transaction additions within a single
// ingest batch: count plus the running sums a p95/stddev estimate is
// later computed from, matching
// TransactionGroupAggregate(count, total_duration_ms,
// sum_of_squares_duration_ms).
type TransactionGroupMinuteCount struct {
	OrganizationID       int64
	GroupID              int64
	Minute               time.Time
	Count                int
	TotalDurationMs      float64
	SumSquaresDurationMs float64
}

// BulkUpsertTransactionGroupAggregates applies one row per
// (organization, group, minute) bucket, additively incrementing count
// and both duration sums on conflict — commutative and safe to
// re-apply in any order, the same property the hourly issue/project
// statistics upserts rely on.
func (s *Store) BulkUpsertTransactionGroupAggregates(ctx context.Context, counts []TransactionGroupMinuteCount) error {
	if len(counts) == 0 {
		return nil
	}
	orgIDs := make([]int64, len(counts))
	groupIDs := make([]int64, len(counts))
	minutes := make([]time.Time, len(counts))
	values := make([]int, len(counts))
	totalMs := make([]float64, len(counts))
	sumSquaresMs := make([]float64, len(counts))
	for i, c := range counts {
		orgIDs[i] = c.OrganizationID
		groupIDs[i] = c.GroupID
		minutes[i] = c.Minute
		values[i] = c.Count
		totalMs[i] = c.TotalDurationMs
		sumSquaresMs[i] = c.SumSquaresDurationMs
	}
	const q = `
		INSERT INTO transactions_transactiongroupaggregate
			(organization_id, group_id, time, count, total_duration_ms, sum_of_squares_duration_ms)
		SELECT * FROM unnest($1::bigint[], $2::bigint[], $3::timestamptz[], $4::int[], $5::float8[], $6::float8[])
		ON CONFLICT (group_id, time) DO UPDATE
			SET count = transactions_transactiongroupaggregate.count + EXCLUDED.count,
			    total_duration_ms = transactions_transactiongroupaggregate.total_duration_ms + EXCLUDED.total_duration_ms,
			    sum_of_squares_duration_ms = transactions_transactiongroupaggregate.sum_of_squares_duration_ms + EXCLUDED.sum_of_squares_duration_ms`
	if _, err := s.db.ExecContext(ctx, q, orgIDs, groupIDs, minutes, values, totalMs, sumSquaresMs); err != nil {
		return fmt.Errorf("db: upsert transaction group aggregates: %w", err)
	}
	return nil
}

// BulkUpsertProjectHourlyTransactionStats mirrors
// BulkUpsertProjectHourlyStats for the transaction-count counterpart
// spec.md's ProjectHourlyStatistic keeps separately from issue events.
func (s *Store) BulkUpsertProjectHourlyTransactionStats(ctx context.Context, counts []ProjectHourlyCount) error {
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
		INSERT INTO stats_projecthourlytransactionstatistic (project_id, time, count)
		SELECT * FROM unnest($1::bigint[], $2::timestamptz[], $3::int[])
		ON CONFLICT (project_id, time) DO UPDATE
			SET count = stats_projecthourlytransactionstatistic.count + EXCLUDED.count`
	if _, err := s.db.ExecContext(ctx, q, projectIDs, hours, values); err != nil {
		return fmt.Errorf("db: upsert project hourly transaction stats: %w", err)
	}
	return nil
}
