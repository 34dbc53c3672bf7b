// Package collector is the per-job supervisor: it resolves the configured
// pid finder, samplers and outputs for a single Slurm job, wires them
// together through the fanout broadcast queues, and runs until the job's
// processes are gone, grounded on original_source/sams-collector.py's
// Main.start()/cleanup() shutdown sequence.
package collector

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/fanout"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/output"
	"github.com/hpc2n/softwareaccounting/pkg/pidfinder"
	"github.com/hpc2n/softwareaccounting/pkg/registry"
	"github.com/hpc2n/softwareaccounting/pkg/sampler"
)

// Phase is the supervisor's lifecycle state, named in the original's
// single-pass start()/cleanup() sequence but made explicit here so the
// state is observable (for health checks and logging) rather than
// implicit in which function is currently executing.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseFinal
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseFinal:
		return "final"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Collector supervises one job's samplers and outputs end to end.
type Collector struct {
	cfg   *config.Config
	jobID int64
	node  string

	samplerRegistry *registry.Registry[sampler.Sampler]
	outputRegistry  *registry.Registry[output.Output]

	mu    sync.Mutex
	phase Phase
}

// New builds a Collector for jobID/node. The sampler and output registries
// are expected to have been populated by the caller (cmd/sams-collector)
// before samplers/outputs are resolved by config-file tag.
func New(cfg *config.Config, jobID int64, node string, samplerRegistry *registry.Registry[sampler.Sampler], outputRegistry *registry.Registry[output.Output]) *Collector {
	return &Collector{
		cfg:             cfg,
		jobID:           jobID,
		node:            node,
		samplerRegistry: samplerRegistry,
		outputRegistry:  outputRegistry,
		phase:           PhaseInit,
	}
}

// Phase reports the current lifecycle phase, for /healthz-style reporting.
func (c *Collector) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Collector) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Run resolves the configured samplers, outputs and pid finder, then
// drives them until the job's processes are gone or the process receives
// SIGINT/SIGHUP (matching the original's sigHupHandler-triggered exit).
func (c *Collector) Run(parent context.Context) error {
	logger := log.WithJob(c.jobID)
	c.setPhase(PhaseInit)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	defer stop()

	samplerTags := c.cfg.GetStringSlice("core.samplers")
	samplers := make([]sampler.Sampler, 0, len(samplerTags))
	for _, tag := range samplerTags {
		s, err := c.samplerRegistry.Build(tag)
		if err != nil {
			return fmt.Errorf("collector: resolve sampler %q: %w", tag, err)
		}
		samplers = append(samplers, s)
	}

	outputTags := c.cfg.GetStringSlice("core.outputs")
	outputs := make([]output.Output, 0, len(outputTags))
	for _, tag := range outputTags {
		o, err := c.outputRegistry.Build(tag)
		if err != nil {
			return fmt.Errorf("collector: resolve output %q: %w", tag, err)
		}
		outputs = append(outputs, o)
	}

	finderTag := c.cfg.GetString("core.pid_finder", "slurm")
	gracePeriod := time.Duration(c.cfg.GetInt("core.pid_finder_grace_period", 60)) * time.Second
	finder := pidfinder.NewFinder(c.jobID, gracePeriod)
	_ = finderTag // single pid finder implementation is wired today; the tag is kept for config compatibility with multi-backend deployments

	updates := fanout.NewOneToN[sampler.Update](16)
	writeInterval := time.Duration(c.cfg.GetInt("core.write_interval", 60)) * time.Second
	pollInterval := time.Duration(c.cfg.GetInt("core.pid_finder_update_interval", 30)) * time.Second

	var wg sync.WaitGroup
	for _, o := range outputs {
		o := o
		ch := updates.AddSubscriber()
		wg.Add(1)
		go func() {
			defer wg.Done()
			output.Run(ctx, o, ch, writeInterval, output.DefaultRetryPolicy)
		}()
	}

	logger.Info().Strs("samplers", samplerTags).Strs("outputs", outputTags).Msg("collector starting")
	c.setPhase(PhaseRunning)

	mgr := sampler.NewManager(samplers, finder, pollInterval, updates)
	mgr.Run(ctx)

	c.setPhase(PhaseDraining)
	updates.Close()

	c.setPhase(PhaseFinal)
	wg.Wait()

	c.setPhase(PhaseDone)
	logger.Info().Msg("collector finished")
	return nil
}
