// Package pidfinder discovers which process ids on a node belong to a
// given batch job by reading the job's cgroup membership out of /proc,
// adapted from original_source/sams/pidfinder/Slurm.py.
package pidfinder

import (
	"os"
	"regexp"
	"strconv"
	"time"
)

var (
	pidDirRe = regexp.MustCompile(`^\d+$`)
	cpusetRe = regexp.MustCompile(`/job_([0-9]+)/`)
)

// trackedPID records the last time a pid was seen alive and whether it was
// ever a member of the tracked job's cgroup. Once a pid is found to belong
// to the job it keeps being treated as a job member even if the cgroup
// file later disappears (the process is exiting), matching the Python
// Pids.check_job/injob split.
type trackedPID struct {
	injob    bool
	lastSeen time.Time
}

// Finder scans /proc for process ids belonging to a single job, on a
// single node, via the Slurm cgroup cpuset path convention.
type Finder struct {
	jobID       int64
	procDir     string
	gracePeriod time.Duration
	createdAt   time.Time

	processes map[int]*trackedPID
}

// NewFinder creates a Finder for jobID, scanning /proc. gracePeriod is how
// long to keep waiting after the last job process disappeared before Done
// reports the job as finished.
func NewFinder(jobID int64, gracePeriod time.Duration) *Finder {
	return &Finder{
		jobID:       jobID,
		procDir:     "/proc",
		gracePeriod: gracePeriod,
		createdAt:   time.Now(),
		processes:   make(map[int]*trackedPID),
	}
}

// Find scans /proc for pids and returns any newly-discovered pids that
// belong to the tracked job. Previously-seen pids are not returned again,
// but their last-seen time is refreshed.
func (f *Finder) Find() []int {
	entries, err := os.ReadDir(f.procDir)
	if err != nil {
		return nil
	}

	var newPids []int
	now := time.Now()

	for _, entry := range entries {
		name := entry.Name()
		if !pidDirRe.MatchString(name) {
			continue
		}
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}

		tracked, known := f.processes[pid]
		if !known {
			tracked = &trackedPID{injob: f.checkJob(pid)}
			f.processes[pid] = tracked
			if tracked.injob {
				newPids = append(newPids, pid)
			}
		}
		tracked.lastSeen = now
	}

	return newPids
}

// checkJob reads <procDir>/<pid>/cpuset and reports whether the embedded
// Slurm job id matches the tracked job.
func (f *Finder) checkJob(pid int) bool {
	data, err := os.ReadFile(f.procDir + "/" + strconv.Itoa(pid) + "/cpuset")
	if err != nil {
		return false
	}
	m := cpusetRe.FindSubmatch(data)
	if m == nil {
		return false
	}
	jobID, err := strconv.ParseInt(string(m[1]), 10, 64)
	if err != nil {
		return false
	}
	return jobID == f.jobID
}

// Done reports whether the job's process group has been gone for longer
// than the grace period, signalling the collector can stop sampling.
func (f *Finder) Done() bool {
	var lastSeen time.Time
	found := false

	for _, p := range f.processes {
		if !p.injob {
			continue
		}
		found = true
		if p.lastSeen.After(lastSeen) {
			lastSeen = p.lastSeen
		}
	}

	if !found {
		return time.Since(f.createdAt) > f.gracePeriod
	}
	return time.Since(lastSeen) > f.gracePeriod
}
