package sampler

import (
	"time"
)

// Core is the trivial sampler that stamps every per-job record with the
// job id and node it was collected on, grounded on
// original_source/sams/sampler/Core.py. It samples exactly once: after the
// first call it has nothing further to report.
type Core struct {
	jobID int64
	node  string
	data  map[string]interface{}
	done  bool
}

// NewCore builds the Core sampler, matching the original's constructor
// reading ["options","jobid"]/["options","node"] from its config object;
// here those values come straight from the collector's CLI flags instead.
func NewCore(jobID int64, node string) *Core {
	return &Core{jobID: jobID, node: node}
}

func (c *Core) ID() string { return "core" }

// Interval is nominal: Core only ever emits once, on the first tick.
func (c *Core) Interval() time.Duration { return 10 * time.Second }

func (c *Core) Init() error { return nil }

func (c *Core) Sample(pids []int) (interface{}, bool, error) {
	if c.done {
		return nil, false, nil
	}
	c.data = map[string]interface{}{
		"jobid": c.jobID,
		"node":  c.node,
	}
	c.done = true
	return c.data, true, nil
}

func (c *Core) FinalData() (interface{}, error) {
	if c.data == nil {
		c.data = map[string]interface{}{"jobid": c.jobID, "node": c.node}
	}
	return c.data, nil
}
