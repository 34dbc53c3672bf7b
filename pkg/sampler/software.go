package sampler

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/metrics"
	"github.com/hpc2n/softwareaccounting/pkg/resolver"
)

var statRe = regexp.MustCompile(`^\d+ \(.*\) [RSDZTyEXxKWPI] (.*)`)

const clockTicksPerSecond = 100

// process tracks per-task CPU tick counts for a single pid, grounded on
// original_source/sams/sampler/Software.py's Process.
type process struct {
	pid       int
	exe       string
	ignore    bool
	done      bool
	startTime time.Time
	updated   time.Time
	tasks     map[int]taskUsage
}

type taskUsage struct {
	user   float64
	system float64
}

func newProcess(pid int) *process {
	p := &process{pid: pid, startTime: time.Now(), tasks: make(map[int]taskUsage)}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		p.ignore = true
		return p
	}
	p.exe = exe
	return p
}

// update re-reads the CPU ticks for every task (thread) of the process.
// Failure to list /proc/<pid>/task means the process has exited.
func (p *process) update() {
	if p.done {
		return
	}

	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", p.pid))
	if err != nil {
		p.done = true
		return
	}

	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/stat", p.pid, tid))
		if err != nil {
			continue
		}
		user, system, err := parseStat(string(data))
		if err != nil {
			continue
		}
		p.tasks[tid] = taskUsage{user: user, system: system}
	}
	p.updated = time.Now()
}

// parseStat extracts the utime/stime fields (14th and 15th per man 5 proc,
// so indexes 10 and 11 of the fields after the state field) out of a
// /proc/<pid>/task/<tid>/stat line and converts them from clock ticks to
// seconds.
func parseStat(stat string) (user, system float64, err error) {
	m := statRe.FindStringSubmatch(stat)
	if m == nil {
		return 0, 0, fmt.Errorf("sampler: unparseable stat line")
	}
	fields := strings.Fields(m[1])
	if len(fields) < 12 {
		return 0, 0, fmt.Errorf("sampler: short stat line")
	}
	utime, err := strconv.ParseFloat(fields[10], 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err := strconv.ParseFloat(fields[11], 64)
	if err != nil {
		return 0, 0, err
	}
	return utime / clockTicksPerSecond, stime / clockTicksPerSecond, nil
}

type procAggregate struct {
	exe    string
	user   float64
	system float64
}

func (p *process) aggregate() procAggregate {
	a := procAggregate{exe: p.exe}
	for _, t := range p.tasks {
		a.user += t.user
		a.system += t.system
	}
	return a
}

// Software is the CPU-usage sampler: per job it tracks every traced pid's
// CPU time by executable path, emits a rate-of-change "current" sample at
// most every half interval, and a full per-executable summary as its final
// record. Grounded on original_source/sams/sampler/Software.py.
type Software struct {
	jobID    int64
	interval time.Duration
	mapper   *resolver.Resolver

	processes map[int]*process
	createdAt time.Time

	prevTotal     procTotal
	prevSampledAt time.Time
	haveSample    bool
}

type procTotal struct {
	user   float64
	system float64
}

// NewSoftware builds a Software sampler. mapper may be nil, matching the
// original's optional software_mapper.
func NewSoftware(cfg *config.Config, jobID int64, mapper *resolver.Resolver) *Software {
	interval := time.Duration(cfg.GetInt("sams.sampler.Software.sampler_interval", 100)) * time.Second
	return &Software{
		jobID:     jobID,
		interval:  interval,
		mapper:    mapper,
		processes: make(map[int]*process),
		createdAt: time.Now(),
	}
}

func (s *Software) ID() string              { return "software" }
func (s *Software) Interval() time.Duration { return s.interval }
func (s *Software) Init() error             { return nil }

func (s *Software) Sample(pids []int) (interface{}, bool, error) {
	for _, pid := range pids {
		if _, ok := s.processes[pid]; !ok {
			s.processes[pid] = newProcess(pid)
		}
	}
	for _, p := range s.processes {
		p.update()
	}
	metrics.TrackedProcessesTotal.Set(float64(len(s.validProcs())))

	aggr, total := s.aggregate()

	if !s.haveSample {
		s.prevTotal = total
		s.prevSampledAt = time.Now()
		s.haveSample = true
		return nil, false, nil
	}

	timeDiff := time.Since(s.prevSampledAt).Seconds()
	if timeDiff <= s.interval.Seconds()/2 {
		return nil, false, nil
	}

	sample := map[string]interface{}{
		"current": map[string]interface{}{
			"software":     s.mapSoftware(aggr),
			"total_user":   total.user,
			"total_system": total.system,
			"user":         (total.user - s.prevTotal.user) / timeDiff,
			"system":       (total.system - s.prevTotal.system) / timeDiff,
		},
	}

	s.prevTotal = total
	s.prevSampledAt = time.Now()

	return sample, true, nil
}

func (s *Software) mapSoftware(aggr map[string]procAggregate) map[string]map[string]float64 {
	out := make(map[string]map[string]float64)
	if s.mapper == nil {
		return out
	}
	for exe, data := range aggr {
		match, ignore := s.mapper.Resolve(exe)
		if ignore {
			continue
		}
		bucket, ok := out[match]
		if !ok {
			bucket = map[string]float64{"user": 0, "system": 0}
			out[match] = bucket
		}
		bucket["user"] += data.user
		bucket["system"] += data.system
	}
	return out
}

func (s *Software) validProcs() []*process {
	var out []*process
	for _, p := range s.processes {
		if !p.ignore {
			out = append(out, p)
		}
	}
	return out
}

func (s *Software) aggregate() (map[string]procAggregate, procTotal) {
	aggr := make(map[string]procAggregate)
	var total procTotal
	for _, p := range s.validProcs() {
		a := p.aggregate()
		bucket, ok := aggr[a.exe]
		if !ok {
			bucket = procAggregate{exe: a.exe}
		}
		bucket.user += a.user
		bucket.system += a.system
		aggr[a.exe] = bucket
		total.user += a.user
		total.system += a.system
	}
	return aggr, total
}

func (s *Software) lastUpdated() time.Time {
	procs := s.validProcs()
	if len(procs) == 0 {
		return s.createdAt
	}
	last := procs[0].updated
	for _, p := range procs[1:] {
		if p.updated.After(last) {
			last = p.updated
		}
	}
	return last
}

func (s *Software) startTime() time.Time {
	procs := s.validProcs()
	if len(procs) == 0 {
		return time.Time{}
	}
	first := procs[0].startTime
	for _, p := range procs[1:] {
		if p.startTime.Before(first) {
			first = p.startTime
		}
	}
	return first
}

func (s *Software) FinalData() (interface{}, error) {
	aggr, _ := s.aggregate()
	execs := make(map[string]map[string]float64, len(aggr))
	for exe, a := range aggr {
		execs[exe] = map[string]float64{"user": a.user, "system": a.system}
	}
	return map[string]interface{}{
		"execs":      execs,
		"start_time": s.startTime(),
		"end_time":   s.lastUpdated(),
	}, nil
}
