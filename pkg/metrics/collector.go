package metrics

import (
	"context"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
)

// BacklogSource is the subset of sqlstore.Store a Collector polls for
// backlog gauges: how much extraction and software resolution work is
// outstanding. Grounded on cuemby-warren/pkg/metrics/collector.go's
// ticker-driven Collector, which polled the cluster manager for node/
// service/raft counts the same way this polls the accounting store.
type BacklogSource interface {
	PendingJobs(ctx context.Context, limit int) ([]acct.JobUsageRecord, error)
	UnresolvedPaths(ctx context.Context) ([]string, error)
}

// Collector periodically refreshes the backlog gauges from a store backend.
type Collector struct {
	source BacklogSource
	stopCh chan struct{}
}

// NewCollector builds a Collector over source.
func NewCollector(source BacklogSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling on a 15-second ticker until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if jobs, err := c.source.PendingJobs(ctx, 100000); err == nil {
		PendingJobsBacklog.Set(float64(len(jobs)))
	}
	if paths, err := c.source.UnresolvedPaths(ctx); err == nil {
		UnresolvedSoftwareBacklog.Set(float64(len(paths)))
	}
}
