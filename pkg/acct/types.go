// Package acct holds the data types shared across the software usage
// accounting pipeline: per-job records produced by a collector, the rows an
// aggregator stores them as, and the resolved-software summaries an
// extractor emits.
package acct

import "time"

// Job identifies a single batch job run on the cluster. Its identity per
// the data model is (cluster, job_id, start_time); RecordID is the
// "<cluster>:<jobid>[:<compact-starttime>]" derivation handed to the
// downstream accounting sink so it never has to know the cluster name
// itself.
type Job struct {
	ID         int64     `db:"jobid" json:"jobid"`
	RecordID   string    `db:"recordid" json:"recordid"`
	Node       string    `db:"node" json:"node"`
	Project    string    `db:"project" json:"account"`
	User       string    `db:"user" json:"user"`
	Partition  string    `db:"partition" json:"partition"`
	NCPUs      int       `db:"ncpus" json:"ncpus"`
	NNodes     int       `db:"nnodes" json:"nnodes"`
	StartTime  time.Time `db:"starttime" json:"start_time"`
	EndTime    time.Time `db:"endtime" json:"end_time"`
	UserTime   float64   `db:"user_time" json:"user_time"`
	SystemTime float64   `db:"system_time" json:"system_time"`
	CPUTime    int64     `db:"cputime" json:"cpu_time"`
}

// Executable is a canonical, resolved software identity: a distinct path on
// disk is attributed to a (name, version, versionstr) triple by the
// resolver, once, and from then on shares that identity across every job
// that ever ran it.
type Executable struct {
	ID          int64  `db:"id" json:"-"`
	Path        string `db:"path" json:"path"`
	Name        string `db:"name" json:"name"`
	Version     string `db:"version" json:"version"`
	VersionStr  string `db:"versionstr" json:"versionstr"`
	UserProvided bool  `db:"user_provided" json:"user_provided"`
	Ignore      bool   `db:"ignore" json:"-"`
}

// Command is one job's usage of one Executable: user and system CPU
// seconds summed across every process/task sampled for that exe during
// the job's lifetime, tracked separately since the store schema's
// command.user/command.sys columns (and the jobs.user_time/system_time
// rollup the Close protocol recomputes from them) are distinct fields.
type Command struct {
	JobID      int64     `db:"jobid" json:"jobid"`
	SoftwareID int64     `db:"software_id" json:"-"`
	Path       string    `db:"-" json:"path"`
	UserTime   float64   `db:"user" json:"user_time"`
	SystemTime float64   `db:"sys" json:"system_time"`
	StartTime  time.Time `db:"starttime" json:"start_time"`
	EndTime    time.Time `db:"endtime" json:"end_time"`
}

// CPUTime is the combined user+system CPU seconds for this command row.
func (c Command) CPUTime() float64 {
	return c.UserTime + c.SystemTime
}

// Sample is one collector tick's worth of data for a single software
// execution path: the rate computed since the previous sample, and when
// the path was first and last seen.
type Sample struct {
	JobID     int64
	Node      string
	Path      string
	Current   float64
	StartTime time.Time
	LastSeen  time.Time
}

// PerJobRecord is the unit the collector writes to an output: the complete
// per-sampler data for one job, with Sections keyed by sampler id.
type PerJobRecord struct {
	JobID     int64                  `json:"jobid"`
	Node      string                 `json:"node"`
	Final     bool                  `json:"final"`
	CreatedAt time.Time              `json:"created"`
	Sections  map[string]interface{} `json:"sams.sampler"`
}

// Watermark tracks how far the extractor has progressed through a
// partition's jobs, keyed by partition id.
type Watermark struct {
	Partition int64     `db:"partition" json:"partition"`
	JobID     int64     `db:"jobid" json:"jobid"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SoftwareUsage is a per-job, per-executable-identity summary, the shape
// the extractor groups Command rows into before emitting a record.
type SoftwareUsage struct {
	Name         string
	Version      string
	VersionStr   string
	UserProvided bool
	CPUTime      int64
}

// JobUsageRecord is everything the extractor needs to emit one
// SoftwareAccountingRecord for a job.
type JobUsageRecord struct {
	Job   Job
	Usage []SoftwareUsage
}

// Partition derives the physical-store partition for a job id, matching the
// `jobid_hash = int(jobid / jobid_hash_size)` scheme in the original
// aggregator so that jobs land in the same file regardless of which backend
// reads or writes them.
func Partition(jobID int64, hashSize int64) int64 {
	if hashSize <= 0 {
		hashSize = 1000
	}
	return jobID / hashSize
}
