// Package scheduler drives the per-job backup loop and the leader
// election that keeps a replicated source backed up by exactly one
// node per interval (spec §4.5).
package scheduler

import (
	"time"
)

// Status is the externally visible snapshot of one job, returned by
// the admin API's /v1/status and consumed by peers during leader
// election (spec §6 StatusDict).
type Status struct {
	Job            string        `json:"job"`
	SLA            string        `json:"sla"`
	SLAOverdue     time.Duration `json:"sla_overdue"`
	Status         string        `json:"status"`
	LastTime       *time.Time    `json:"last_time"`
	LastTags       string        `json:"last_tags"`
	LastDuration   *float64      `json:"last_duration"`
	NextTime       *time.Time    `json:"next_time"`
	NextTags       string        `json:"next_tags"`
	ManualTags     string        `json:"manual_tags"`
	ProblemReports []string      `json:"problem_reports"`
	UnsyncedRevs   int           `json:"unsynced_revs"`
	LocalRevs      int           `json:"local_revs"`
}
