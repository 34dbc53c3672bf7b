// Package sampler runs the per-job metric collectors that poll the
// processes of a running batch job and feed what they find into a
// fanout.OneToN for the configured outputs to consume, adapted from
// original_source/sams/base.py's Sampler thread and restyled on the
// ticker+select goroutine lifecycle in cuemby-warren/pkg/worker/health_monitor.go.
package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpc2n/softwareaccounting/pkg/fanout"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/metrics"
)

// Sampler is one metric collector: CPU/software usage, cgroup stats,
// filesystem usage, GPU counters, or scheduler metadata. Implementations
// correspond 1:1 with a sams.sampler.* module in the original.
type Sampler interface {
	// ID is the config-file tag this sampler is registered under, also
	// used as the key in a PerJobRecord's Sections map.
	ID() string

	// Interval is how often Run should invoke Sample.
	Interval() time.Duration

	// Init runs once before the first Sample call, for samplers that
	// need to resolve something that never changes (SchedulerInfo).
	Init() error

	// Sample is invoked on each tick with the pids currently known to
	// belong to the job. It returns ok=false when it has nothing new to
	// report this tick (matching the original's do_sample() gating).
	Sample(pids []int) (data interface{}, ok bool, err error)

	// FinalData returns the data to emit once the job has ended,
	// matching the original's final_data().
	FinalData() (interface{}, error)
}

// Update is one value emitted by a running sampler onto its fanout queue.
type Update struct {
	SamplerID string
	Data      interface{}
	Final     bool
}

// PIDFinder is the subset of pidfinder.Finder the supervisor's poll loop
// needs; an interface here so sampler does not depend on pidfinder.
type PIDFinder interface {
	Find() []int
	Done() bool
}

// Run drives a single sampler: pidCh delivers newly-discovered pids as
// they are found by the shared PIDFinder poll loop (see Manager), and a
// Stop message on pidCh signals the job is finished. This mirrors the
// original Sampler.run()'s blocking pidQueue.get(timeout=sampler_interval):
// a tick fires samples on schedule even with no new pids, and a received
// batch of pids is folded into the running set before the next sample.
func Run(ctx context.Context, s Sampler, pidCh <-chan fanout.Message[[]int], out *fanout.OneToN[Update]) {
	logger := log.WithComponent("sampler." + s.ID())

	if err := s.Init(); err != nil {
		logger.Error().Err(err).Msg("sampler init failed")
		return
	}

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()

	var known []int

	sampleOnce := func() {
		data, ok, err := s.Sample(known)
		if err != nil {
			metrics.SampleFailuresTotal.WithLabelValues(s.ID()).Inc()
			logger.Debug().Err(err).Msg("sample failed, will retry next tick")
			return
		}
		if ok {
			metrics.SamplesTotal.WithLabelValues(s.ID()).Inc()
			out.Put(Update{SamplerID: s.ID(), Data: data})
		}
	}

	for {
		select {
		case <-ctx.Done():
			emitFinal(s, out, logger)
			return

		case msg, chanOK := <-pidCh:
			if !chanOK || msg.Stop {
				sampleOnce()
				emitFinal(s, out, logger)
				return
			}
			known = append(known, msg.Value...)

		case <-ticker.C:
			sampleOnce()
		}
	}
}

func emitFinal(s Sampler, out *fanout.OneToN[Update], logger zerolog.Logger) {
	data, err := s.FinalData()
	if err != nil {
		logger.Error().Err(err).Msg("final_data failed")
		return
	}
	out.Put(Update{SamplerID: s.ID(), Data: data, Final: true})
}

// Manager owns the single PIDFinder poll loop for a job and fans newly
// discovered pids out to every configured sampler's own subscription
// channel, matching the original sams-collector.py Main.start()'s single
// pid_finder driving a shared OneToN pidQueue.
type Manager struct {
	samplers     []Sampler
	finder       PIDFinder
	pollInterval time.Duration
	pidFanout    *fanout.OneToN[[]int]
	updates      *fanout.OneToN[Update]
}

// NewManager builds a Manager over the given samplers and PIDFinder.
func NewManager(samplers []Sampler, finder PIDFinder, pollInterval time.Duration, updates *fanout.OneToN[Update]) *Manager {
	return &Manager{
		samplers:     samplers,
		finder:       finder,
		pollInterval: pollInterval,
		pidFanout:    fanout.NewOneToN[[]int](8),
		updates:      updates,
	}
}

// Run starts every sampler and the shared pid poll loop, and blocks until
// the job finishes (PIDFinder.Done()) or ctx is cancelled, then waits for
// every sampler goroutine to emit its final record.
func (m *Manager) Run(ctx context.Context) {
	metrics.ActiveJobsTotal.Inc()
	defer metrics.ActiveJobsTotal.Dec()

	var wg sync.WaitGroup
	wg.Add(len(m.samplers))
	for _, s := range m.samplers {
		s := s
		pidCh := m.pidFanout.AddSubscriber()
		go func() {
			defer wg.Done()
			Run(ctx, s, pidCh, m.updates)
		}()
	}

	m.pollLoop(ctx)
	wg.Wait()
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.pidFanout.Close()
			return
		case <-ticker.C:
			if pids := m.finder.Find(); len(pids) > 0 {
				m.pidFanout.Put(pids)
			}
			if m.finder.Done() {
				m.pidFanout.Close()
				return
			}
		}
	}
}
