package grouping

import (
	"context"
	"fmt"
	"time"

	"github.com/glitchtip/ingest/db"
)

// ProcessedEvent is the fully validated, symbolicated event the
// grouping engine resolves to an Issue and the bulk persister then
// writes out as an IssueEvent row plus its tag and statistics
// contributions.
type ProcessedEvent struct {
	EventID        string
	ProjectID      int64
	OrganizationID int64
	Title          string
	Culprit        string
	Type           string
	Level          string
	Transaction    string
	Metadata       map[string]interface{}
	Fingerprint    []string
	Timestamp      time.Time
	ReceivedAt     time.Time
	SearchVector   string
	Tags           map[string]string
	Data           []byte
	ReleaseID      *int64

	// Filled in by ResolveBatch.
	Hash    string
	IssueID int64
}

// Engine resolves events to issues, backfilling issue_id onto later
// events in the same batch that share a (project, hash) pair before
// any database round trip, the way check_set_issue_id avoids
// duplicate-creation races within a single ingest batch.
type Engine struct {
	store *db.Store
}

func NewEngine(store *db.Store) *Engine {
	return &Engine{store: store}
}

// ResolveBatch assigns an IssueID to every event in the batch,
// creating new issues only for hashes no existing IssueHash covers,
// and creating at most one Issue per (project, hash) even when many
// goroutines process overlapping batches concurrently.
func (e *Engine) ResolveBatch(ctx context.Context, events []*ProcessedEvent) (createdCount int, err error) {
	for _, ev := range events {
		ev.Hash = GenerateHash(ev.Title, ev.Culprit, ev.Type, ev.Fingerprint)
	}

	byProject := make(map[int64][]*ProcessedEvent)
	for _, ev := range events {
		byProject[ev.ProjectID] = append(byProject[ev.ProjectID], ev)
	}

	for projectID, group := range byProject {
		values := uniqueHashes(group)
		existing, ferr := e.store.FindIssueHashes(ctx, projectID, values)
		if ferr != nil {
			return 0, fmt.Errorf("grouping: lookup hashes: %w", ferr)
		}

		// Intra-batch backfill: once one event in this batch creates or
		// finds an issue for a hash, every later event sharing that hash
		// reuses it without its own DB round trip.
		resolved := make(map[string]int64, len(existing))
		for hash, row := range existing {
			resolved[hash] = row.IssueID
			if row.IssueStatus == "resolved" {
				if rerr := e.store.ReopenIssueIfResolved(ctx, row.IssueID); rerr != nil {
					return createdCount, fmt.Errorf("grouping: reopen issue %d: %w", row.IssueID, rerr)
				}
			}
		}

		for _, ev := range group {
			if issueID, ok := resolved[ev.Hash]; ok {
				ev.IssueID = issueID
				continue
			}

			issueID, created, cerr := e.store.CreateIssueWithHash(ctx, db.NewIssueParams{
				ProjectID: ev.ProjectID,
				Title:     ev.Title,
				Culprit:   ev.Culprit,
				Type:      ev.Type,
				Metadata:  ev.Metadata,
				HashValue: ev.Hash,
				FirstSeen: ev.ReceivedAt,
				LastSeen:  ev.ReceivedAt,
			})
			if cerr != nil {
				return createdCount, fmt.Errorf("grouping: create issue for hash %s: %w", ev.Hash, cerr)
			}
			ev.IssueID = issueID
			resolved[ev.Hash] = issueID
			if created {
				createdCount++
			}
		}
	}

	return createdCount, nil
}

func uniqueHashes(events []*ProcessedEvent) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.Hash]; ok {
			continue
		}
		seen[ev.Hash] = struct{}{}
		out = append(out, ev.Hash)
	}
	return out
}

// AccumulateCounts folds a resolved batch into one IssueCountUpdate per
// issue, concatenating search vector text and tracking the max
// last_seen, so the caller writes one row per issue (in a single bulk
// UPDATE) instead of one per event.
func AccumulateCounts(events []*ProcessedEvent) []db.IssueCountUpdate {
	type acc struct {
		count    int
		vector   []string
		lastSeen time.Time
	}
	byIssue := make(map[int64]*acc)
	order := make([]int64, 0)

	for _, ev := range events {
		a, ok := byIssue[ev.IssueID]
		if !ok {
			a = &acc{}
			byIssue[ev.IssueID] = a
			order = append(order, ev.IssueID)
		}
		a.count++
		if ev.SearchVector != "" {
			a.vector = append(a.vector, ev.SearchVector)
		}
		if ev.ReceivedAt.After(a.lastSeen) {
			a.lastSeen = ev.ReceivedAt
		}
	}

	updates := make([]db.IssueCountUpdate, 0, len(order))
	for _, issueID := range order {
		a := byIssue[issueID]
		updates = append(updates, db.IssueCountUpdate{
			IssueID:      issueID,
			AddedCount:   a.count,
			SearchVector: joinSpace(a.vector),
			LastSeen:     a.lastSeen,
		})
	}
	return updates
}

// EventRows projects a resolved batch into the rows BulkInsertEvents
// writes, one per event regardless of issue grouping so every accepted
// event still gets its own partitioned row.
func EventRows(events []*ProcessedEvent) []db.EventRow {
	rows := make([]db.EventRow, 0, len(events))
	for _, ev := range events {
		rows = append(rows, db.EventRow{
			EventID:     ev.EventID,
			ProjectID:   ev.ProjectID,
			IssueID:     ev.IssueID,
			Type:        ev.Type,
			Level:       ev.Level,
			Title:       ev.Title,
			Transaction: ev.Transaction,
			Culprit:     ev.Culprit,
			Timestamp:   ev.Timestamp,
			Received:    ev.ReceivedAt,
			Tags:        ev.Tags,
			Data:        ev.Data,
			HashList:    []string{ev.Hash},
			ReleaseID:   ev.ReleaseID,
		})
	}
	return rows
}

// TagCounts folds a resolved batch's tags into one IssueTagCount per
// (day, issue, key, value), the same day-bucketed shape
// bulk_insert_issue_tags accumulates before its single upsert.
func TagCounts(events []*ProcessedEvent) []db.IssueTagCount {
	type key struct {
		day     time.Time
		issueID int64
		tagKey  string
		value   string
	}
	counts := make(map[key]int)
	order := make([]key, 0)
	for _, ev := range events {
		day := ev.ReceivedAt.Truncate(24 * time.Hour)
		for k, v := range ev.Tags {
			if v == "" {
				continue
			}
			kk := key{day: day, issueID: ev.IssueID, tagKey: k, value: v}
			if _, ok := counts[kk]; !ok {
				order = append(order, kk)
			}
			counts[kk]++
		}
	}
	out := make([]db.IssueTagCount, 0, len(order))
	for _, k := range order {
		out = append(out, db.IssueTagCount{
			Date:    k.day,
			IssueID: k.issueID,
			Key:     k.tagKey,
			Value:   k.value,
			Count:   counts[k],
		})
	}
	return out
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
