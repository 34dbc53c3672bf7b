package collector

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/output"
	"github.com/hpc2n/softwareaccounting/pkg/registry"
	"github.com/hpc2n/softwareaccounting/pkg/sampler"
)

func TestPhase_DefaultsToInit(t *testing.T) {
	c := New(nil, 1, "node01", registry.New[sampler.Sampler](), registry.New[output.Output]())
	if c.Phase() != PhaseInit {
		t.Fatalf("Phase() = %v, want PhaseInit", c.Phase())
	}
}

func TestPhase_SetPhaseIsObservableUnderConcurrentReads(t *testing.T) {
	c := New(nil, 1, "node01", registry.New[sampler.Sampler](), registry.New[output.Output]())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			c.setPhase(PhaseRunning)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = c.Phase()
		}
	}()
	wg.Wait()

	if c.Phase() != PhaseRunning {
		t.Fatalf("Phase() = %v, want PhaseRunning", c.Phase())
	}
}

func TestPhaseString_NamesEveryLifecycleState(t *testing.T) {
	cases := map[Phase]string{
		PhaseInit:     "init",
		PhaseRunning:  "running",
		PhaseDraining: "draining",
		PhaseFinal:    "final",
		PhaseDone:     "done",
		Phase(99):     "unknown",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("Phase(%d).String() = %q, want %q", phase, got, want)
		}
	}
}

type stubSampler struct{ id string }

func (s *stubSampler) ID() string                              { return s.id }
func (s *stubSampler) Interval() time.Duration                 { return time.Hour }
func (s *stubSampler) Init() error                             { return nil }
func (s *stubSampler) Sample([]int) (interface{}, bool, error) { return nil, false, nil }
func (s *stubSampler) FinalData() (interface{}, error) {
	return map[string]interface{}{"id": s.id}, nil
}

type stubOutput struct {
	mu     sync.Mutex
	writes int
	stored int
}

func (o *stubOutput) ID() string { return "stub" }
func (o *stubOutput) Store(samplerID string, data interface{}, final bool) {
	o.mu.Lock()
	o.stored++
	o.mu.Unlock()
}
func (o *stubOutput) Write(ctx context.Context) error {
	o.mu.Lock()
	o.writes++
	o.mu.Unlock()
	return nil
}

func newCollectorConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	body := `
core:
  samplers:
    - stub
  outputs:
    - stub
  pid_finder_grace_period: 0
  pid_finder_update_interval: 1
  write_interval: 3600
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// TestRun_FinishesAndDrainsWhenJobHasNoLivePIDs exercises the full
// supervisor loop against an unused job ID: the real pid finder never
// observes a matching pid, so with a zero grace period it reports the job
// done on its first poll and Run should drain its samplers/outputs and
// return.
func TestRun_FinishesAndDrainsWhenJobHasNoLivePIDs(t *testing.T) {
	samplers := registry.New[sampler.Sampler]()
	samplers.Register("stub", func() sampler.Sampler { return &stubSampler{id: "stub"} })

	out := &stubOutput{}
	outputs := registry.New[output.Output]()
	outputs.Register("stub", func() output.Output { return out })

	c := New(newCollectorConfig(t), 999999999, "node01", samplers, outputs)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return for a job with no live pids")
	}

	if c.Phase() != PhaseDone {
		t.Fatalf("Phase() = %v, want PhaseDone", c.Phase())
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.writes == 0 {
		t.Fatalf("expected at least one final Write once the collector drained")
	}
}

func TestRun_UnknownSamplerTagReturnsError(t *testing.T) {
	samplers := registry.New[sampler.Sampler]()
	outputs := registry.New[output.Output]()

	c := New(newCollectorConfig(t), 1, "node01", samplers, outputs)
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected an error resolving an unregistered sampler tag")
	}
}
