package sampler

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

var metricNameRe = regexp.MustCompile(`[^a-z0-9_.]+`)

// GPU streams per-GPU utilization/power/clock metrics out of a long-running
// "nvidia-smi --query-gpu=... -l" subprocess, one CSV line per interval per
// GPU, grounded on original_source/sams/sampler/NvidiaSMI.py. The GPU index
// list comes from the job's SLURM_JOB_GPUS-style environment variable, so a
// job with no GPUs allocated runs no subprocess at all.
type GPU struct {
	command          string
	metrics          []string
	metricsToAverage map[string]bool
	gpus             []string
	interval         time.Duration

	startedAt   time.Time
	lastSampleAt map[string]time.Time
	averages     map[string]map[string]float64
	lastAvg      map[string]map[string]float64

	lines chan map[string]string
}

// NewGPU builds a GPU sampler from the sams.sampler.NvidiaSMI config block
// and the environment variable named by its gpu_index_environment key
// (defaults to SLURM_JOB_GPUS). Returns nil if no GPUs were allocated to
// the job.
func NewGPU(cfg *config.Config) *GPU {
	indexEnv := cfg.GetString("sams.sampler.NvidiaSMI.gpu_index_environment", "SLURM_JOB_GPUS")
	gpuStr, ok := os.LookupEnv(indexEnv)
	if !ok || gpuStr == "" {
		return nil
	}

	metrics := cfg.GetStringSlice("sams.sampler.NvidiaSMI.nvidia_smi_metrics")
	if len(metrics) == 0 {
		metrics = []string{
			"power.draw", "power.limit",
			"clocks.applications.memory", "clocks.applications.graphics",
			"clocks.current.graphics", "clocks.current.sm",
			"utilization.gpu", "utilization.memory",
		}
	}
	toAverage := cfg.GetStringSlice("sams.sampler.NvidiaSMI.metrics_to_average")
	if len(toAverage) == 0 {
		toAverage = []string{"power.draw", "utilization.gpu", "utilization.memory"}
	}
	avgSet := make(map[string]bool, len(toAverage))
	for _, m := range toAverage {
		avgSet[m] = true
	}

	return &GPU{
		command:          cfg.GetString("sams.sampler.NvidiaSMI.nvidia_smi_command", "/usr/bin/nvidia-smi"),
		metrics:          metrics,
		metricsToAverage: avgSet,
		gpus:             strings.Split(gpuStr, ","),
		interval:         time.Duration(cfg.GetInt("sams.sampler.NvidiaSMI.sampler_interval", 60)) * time.Second,
		lastSampleAt:     make(map[string]time.Time),
		averages:         make(map[string]map[string]float64),
		lastAvg:          make(map[string]map[string]float64),
		lines:            make(chan map[string]string, 64),
	}
}

func (g *GPU) ID() string              { return "gpu" }
func (g *GPU) Interval() time.Duration { return g.interval }

// Init starts the long-running nvidia-smi subprocess and a goroutine that
// parses its CSV stream into g.lines.
func (g *GPU) Init() error {
	g.startedAt = time.Now()

	cleanedMetrics := make([]string, len(g.metrics))
	for i, m := range g.metrics {
		cleanedMetrics[i] = metricNameRe.ReplaceAllString(strings.ToLower(m), "")
	}

	args := []string{
		"--query-gpu=index," + strings.Join(cleanedMetrics, ","),
		"--format=csv,nounits",
		"-l", strconv.FormatFloat(g.interval.Seconds(), 'f', 0, 64),
		"-i", strings.Join(g.gpus, ","),
	}

	cmd := exec.CommandContext(context.Background(), g.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	go g.readLoop(stdout)
	return nil
}

// readLoop parses the nvidia-smi CSV stream, one header line followed by
// one data line per GPU per tick, and forwards each row as a field map.
func (g *GPU) readLoop(stdout io.Reader) {
	defer close(g.lines)

	scanner := bufio.NewScanner(stdout)
	if !scanner.Scan() {
		return
	}
	headerFieldRe := regexp.MustCompile(` \[[^\]]+\]$`)

	var headers []string
	for _, h := range strings.Split(scanner.Text(), ", ") {
		h = headerFieldRe.ReplaceAllString(h, "")
		headers = append(headers, strings.ReplaceAll(h, ".", "_"))
	}

	for scanner.Scan() {
		items := strings.Split(scanner.Text(), ", ")
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(items) {
				row[h] = items[i]
			}
		}
		g.lines <- row
	}
}

func (g *GPU) FinalData() (interface{}, error) {
	return map[string]interface{}{}, nil
}

func (g *GPU) Sample([]int) (interface{}, bool, error) {
	out := map[string]interface{}{}
	got := false
	for {
		select {
		case row, ok := <-g.lines:
			if !ok {
				if got {
					return out, true, nil
				}
				return nil, false, nil
			}
			index := row["index"]
			delete(row, "index")
			g.computeAverages(index, row)
			entry := make(map[string]interface{}, len(row))
			for k, v := range row {
				entry[k] = v
			}
			out[index] = entry
			got = true
		default:
			if got {
				return out, true, nil
			}
			return nil, false, nil
		}
	}
}

func (g *GPU) computeAverages(index string, data map[string]string) {
	now := time.Now()
	if _, ok := g.lastSampleAt[index]; !ok {
		g.lastSampleAt[index] = g.startedAt
		g.averages[index] = map[string]float64{}
		g.lastAvg[index] = map[string]float64{}
		for key := range data {
			if g.metricsToAverage[strings.ReplaceAll(key, "_", ".")] {
				g.averages[index][key] = 0
				g.lastAvg[index][key] = 0
			}
		}
	}

	elapsed := now.Sub(g.lastSampleAt[index]).Seconds()
	totalElapsed := now.Sub(g.startedAt).Seconds()
	if totalElapsed <= 0 {
		totalElapsed = 1
	}
	g.lastSampleAt[index] = now

	for key, raw := range data {
		metricKey := strings.ReplaceAll(key, "_", ".")
		if !g.metricsToAverage[metricKey] {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		weighted := 0.5 * (v + g.lastAvg[index][key]) * elapsed
		g.lastAvg[index][key] = v
		prevIntegral := g.averages[index][key] * (totalElapsed - elapsed)
		g.averages[index][key] = (prevIntegral + weighted) / totalElapsed
	}
}
