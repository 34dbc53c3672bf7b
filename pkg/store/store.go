// Package store defines the aggregator's persistence contract: one
// partitioned backend per jobid-hash bucket, holding jobs, users,
// projects, nodes, software and the per-job/per-software command
// records, grounded on
// original_source/sams/aggregator/SoftwareAccounting.py's Aggregator.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
)

// Record is one per-job report as produced by a collector and read back
// by the loader: a flat map keyed by sampler id ("sams.sampler.Software",
// "sams.sampler.SlurmInfo", ...), matching the JSON shape collectors
// write to disk.
type Record = map[string]interface{}

// Store persists aggregated per-job software usage, partitioned by
// acct.Partition(jobID, hashSize). Implementations open one underlying
// database/file per partition on first use and keep it open for the life
// of the process.
type Store interface {
	// Aggregate ingests one per-job record: normalizes the job, project,
	// user and node dimensions, then records a command (cpu time) entry
	// per distinct software the job ran, matching the original's
	// Aggregator.aggregate().
	Aggregate(ctx context.Context, record Record) error

	// Finalize recomputes any job-level rollups (min start time, max end
	// time, summed cpu time) that depend on every command row for that
	// job being present, matching the original's Aggregator.close()
	// running FIND_MINMAX_JOBS/UPDATE_MINMAX once at shutdown.
	Finalize(ctx context.Context) error

	// Close releases every open partition handle.
	Close() error
}

// ParsedRecord is Record normalized into typed fields, shared by both
// backends so the SQL/bbolt-specific code only has to deal with typed
// values.
type ParsedRecord struct {
	JobID     int64
	Node      string
	Project   string
	User      string
	UID       int64
	NCPUs     int
	Partition string
	StartTime int64
	EndTime   int64
	Commands  []acct.Command

	// SchedulerStartTime is the scheduler's own start-time string (e.g.
	// "2024-01-02T03:04:05" from sams.sampler.SlurmInfo), used only to
	// derive RecordID. It is unrelated to StartTime/EndTime above, which
	// come from the software sampler's observation window.
	SchedulerStartTime string
}

// DeriveRecordID builds the downstream accounting record identifier,
// matching original_source/sams/aggregator/SoftwareAccounting.py's
// `"%s:%s" % (cluster, jobid)`, extended with a compact scheduler start
// time when one is available.
func DeriveRecordID(cluster string, jobID int64, schedulerStartTime string) string {
	recordID := fmt.Sprintf("%s:%d", cluster, jobID)
	if schedulerStartTime == "" {
		return recordID
	}
	compact := strings.NewReplacer("-", "", "T", "", ":", "").Replace(schedulerStartTime)
	return fmt.Sprintf("%s:%s", recordID, compact)
}
