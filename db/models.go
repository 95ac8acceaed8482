package db

import "time"

// ProjectAuthRow is the fixed-position result of get_project_auth_info,
// mirroring the stored procedure GlitchTip's ingest auth calls in one
// round trip.
type ProjectAuthRow struct {
	ProjectID           int64      `db:"project_id"`
	ProjectScrubIP      bool       `db:"project_scrub_ip"`
	ProjectThrottleRate int        `db:"project_throttle_rate"`
	OrganizationID      int64      `db:"organization_id"`
	OrgAcceptingEvents  bool       `db:"org_accepting_events"`
	OrgThrottleRate     int        `db:"org_throttle_rate"`
	OrgScrubIP          bool       `db:"org_scrub_ip"`
	FirstEvent          *time.Time `db:"first_event"`
}

// IssueHashRow is one row of a bulk IssueHash lookup.
type IssueHashRow struct {
	Value       string `db:"value"`
	ProjectID   int64  `db:"project_id"`
	IssueID     int64  `db:"issue_id"`
	IssueStatus string `db:"issue_status"`
}

// IssueCountUpdate accumulates one issue's worth of event additions
// within a single ingest batch; BulkUpdateIssueCounts applies all of a
// batch's updates in one UPDATE statement.
type IssueCountUpdate struct {
	IssueID      int64
	AddedCount   int
	SearchVector string
	LastSeen     time.Time
}

// NewIssueParams are the fields needed to create an Issue + its first
// IssueHash under the at-most-one-creation transaction.
type NewIssueParams struct {
	ProjectID    int64
	Title        string
	Culprit      string
	Type         string
	Metadata     map[string]interface{}
	HashValue    string
	FirstSeen    time.Time
	LastSeen     time.Time
}

// ProjectHourlyCount is one (project, hour) bucket to increment.
type ProjectHourlyCount struct {
	ProjectID int64
	Hour      time.Time
	Count     int
}

// IssueHourlyCount is one (issue, hour) bucket to increment, alongside
// the organization it belongs to for downstream billing rollups.
type IssueHourlyCount struct {
	IssueID        int64
	OrganizationID int64
	Hour           time.Time
	Count          int
}
