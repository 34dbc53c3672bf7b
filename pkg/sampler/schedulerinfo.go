package sampler

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

var (
	acctRe      = regexp.MustCompile(`Account=([^ ]+)`)
	useridRe    = regexp.MustCompile(`UserId=([^(]+)\((\d+)\)`)
	nodesRe     = regexp.MustCompile(`NumNodes=(\d+)`)
	cpusRe      = regexp.MustCompile(`NumCPUs=(\d+)`)
	partitionRe = regexp.MustCompile(`Partition=(\S+) `)
	starttimeRe = regexp.MustCompile(`StartTime=(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d)`)
	jobnameRe   = regexp.MustCompile(`JobName=([^ ]+)`)
)

// SchedulerInfo queries scontrol once for a job's scheduler-assigned
// metadata (account, partition, node/cpu counts, owning user) and caches it
// for the lifetime of the job, grounded on
// original_source/sams/sampler/SlurmInfo.py. A failed scontrol invocation
// is retried on the next tick rather than treated as fatal, since scontrol
// can transiently fail while the job is still starting up.
type SchedulerInfo struct {
	jobID     int64
	scontrol  string
	interval  time.Duration
	data      map[string]interface{}
	requiredKeys []string
}

// NewSchedulerInfo builds a SchedulerInfo sampler for jobID from the
// sams.sampler.SlurmInfo config block.
func NewSchedulerInfo(cfg *config.Config, jobID int64) *SchedulerInfo {
	return &SchedulerInfo{
		jobID:        jobID,
		scontrol:     cfg.GetString("sams.sampler.SlurmInfo.scontrol", "/usr/bin/scontrol"),
		interval:     time.Duration(cfg.GetInt("sams.sampler.SlurmInfo.sampler_interval", 100)) * time.Second,
		data:         make(map[string]interface{}),
		requiredKeys: []string{"account", "cpus", "nodes", "starttime", "username", "uid"},
	}
}

func (s *SchedulerInfo) ID() string              { return "schedulerinfo" }
func (s *SchedulerInfo) Interval() time.Duration { return s.interval }

// Init runs the first sample immediately, matching the original's
// init() -> self.sample().
func (s *SchedulerInfo) Init() error {
	s.refresh()
	return nil
}

func (s *SchedulerInfo) Sample([]int) (interface{}, bool, error) {
	if s.haveAllKeys() {
		return nil, false, nil
	}
	s.refresh()
	if s.haveAllKeys() {
		return s.data, true, nil
	}
	return nil, false, nil
}

func (s *SchedulerInfo) haveAllKeys() bool {
	for _, k := range s.requiredKeys {
		if _, ok := s.data[k]; !ok {
			return false
		}
	}
	return true
}

func (s *SchedulerInfo) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.scontrol, "show", "job", strconv.FormatInt(s.jobID, 10), "-o")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return
	}

	line := stdout.String()

	if m := acctRe.FindStringSubmatch(line); m != nil {
		s.data["account"] = m[1]
	}
	if m := useridRe.FindStringSubmatch(line); m != nil {
		s.data["username"] = m[1]
		if uid, err := strconv.Atoi(m[2]); err == nil {
			s.data["uid"] = uid
		}
	}
	if m := nodesRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			s.data["nodes"] = n
		}
	}
	if m := cpusRe.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			s.data["cpus"] = n
		}
	}
	if m := partitionRe.FindStringSubmatch(line); m != nil {
		s.data["partition"] = m[1]
	}
	if m := starttimeRe.FindStringSubmatch(line); m != nil {
		s.data["starttime"] = m[1]
	}
	if m := jobnameRe.FindStringSubmatch(line); m != nil {
		s.data["jobname"] = m[1]
	}
}

func (s *SchedulerInfo) FinalData() (interface{}, error) {
	return s.data, nil
}
