package sampler

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

var cgroupPathRe = regexp.MustCompile(`^/(slurm/uid_\d+/job_\d+)/`)

// Cgroup samples CPU and memory accounting straight out of the job's Slurm
// cgroup, tracking a trapezoidal-quadrature running average of the metrics
// named in metrics_to_average, grounded on
// original_source/sams/sampler/SlurmCGroup.py.
type Cgroup struct {
	interval          time.Duration
	base              string
	metricsToAverage  map[string]bool
	cgroup            string
	createdAt         time.Time
	lastSampleAt      time.Time
	averages          map[string]float64
	lastAveragedValue map[string]float64
}

// NewCgroup builds a Cgroup sampler from the sams.sampler.SlurmCGroup
// config block.
func NewCgroup(cfg *config.Config) *Cgroup {
	interval := time.Duration(cfg.GetInt("sams.sampler.SlurmCGroup.sampler_interval", 100)) * time.Second
	base := cfg.GetString("sams.sampler.SlurmCGroup.cgroup_base", "/cgroup")

	metrics := cfg.GetStringSlice("sams.sampler.SlurmCGroup.metrics_to_average")
	if len(metrics) == 0 {
		metrics = []string{"memory_usage"}
	}
	toAvg := make(map[string]bool, len(metrics))
	avg := make(map[string]float64, len(metrics))
	last := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		toAvg[m] = true
		avg[m] = 0
		last[m] = 0
	}

	now := time.Now()
	return &Cgroup{
		interval:          interval,
		base:              base,
		metricsToAverage:  toAvg,
		createdAt:         now,
		lastSampleAt:      now,
		averages:          avg,
		lastAveragedValue: last,
	}
}

func (c *Cgroup) ID() string              { return "cgroup" }
func (c *Cgroup) Interval() time.Duration { return c.interval }
func (c *Cgroup) Init() error             { return nil }

func (c *Cgroup) Sample(pids []int) (interface{}, bool, error) {
	if c.cgroup == "" && !c.resolveCgroup(pids) {
		return nil, false, nil
	}

	cpus := cpuCount(c.readCgroup("cpuset", "cpuset.cpus"))
	memUsage := parseFloat(c.readCgroup("memory", "memory.usage_in_bytes"))
	memLimit := parseFloat(c.readCgroup("memory", "memory.limit_in_bytes"))
	memMaxUsage := parseFloat(c.readCgroup("memory", "memory.max_usage_in_bytes"))
	memUsageSwap := parseFloat(c.readCgroup("memory", "memory.memsw.usage_in_bytes"))

	entry := map[string]interface{}{
		"cpus":              cpus,
		"memory_usage":      memUsage,
		"memory_limit":      memLimit,
		"memory_max_usage":  memMaxUsage,
		"memory_swap":       memUsageSwap - memUsage,
	}
	c.computeAverages(entry)

	return entry, true, nil
}

// computeAverages approximates a running average of the configured metrics
// via trapezoidal quadrature, treating each call time as the sample time,
// same simplification the original makes.
func (c *Cgroup) computeAverages(data map[string]interface{}) {
	now := time.Now()
	elapsed := now.Sub(c.lastSampleAt).Seconds()
	totalElapsed := now.Sub(c.createdAt).Seconds()
	if totalElapsed <= 0 {
		totalElapsed = 1
	}

	for key := range c.metricsToAverage {
		v, ok := data[key].(float64)
		if !ok {
			continue
		}
		weighted := 0.5 * (v + c.lastAveragedValue[key]) * elapsed
		c.lastAveragedValue[key] = v
		previousIntegral := c.averages[key] * (totalElapsed - elapsed)
		c.averages[key] = (previousIntegral + weighted) / totalElapsed
		data[key+"_average"] = c.averages[key]
	}
	c.lastSampleAt = now
}

func (c *Cgroup) resolveCgroup(pids []int) bool {
	for _, pid := range pids {
		data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cpuset")
		if err != nil {
			continue
		}
		m := cgroupPathRe.FindStringSubmatch(strings.TrimSpace(string(data)))
		if m != nil {
			c.cgroup = m[1]
			return true
		}
	}
	return false
}

func (c *Cgroup) readCgroup(controller, file string) string {
	data, err := os.ReadFile(c.base + "/" + controller + "/" + c.cgroup + "/" + file)
	if err != nil {
		return "0"
	}
	return strings.TrimSpace(string(data))
}

func (c *Cgroup) FinalData() (interface{}, error) {
	return map[string]interface{}{}, nil
}

// cpuCount parses a Slurm-style "N,N-N" cpu list into a count.
func cpuCount(spec string) int {
	count := 0
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, errA := strconv.Atoi(lo)
			b, errB := strconv.Atoi(hi)
			if errA == nil && errB == nil {
				count += b - a + 1
				continue
			}
		}
		if _, err := strconv.Atoi(part); err == nil {
			count++
		}
	}
	return count
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
