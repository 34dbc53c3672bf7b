package sampler

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

// FSStats reports size/used/free for a set of mount points, usually the
// job's scratch directory, resolved once at startup via glob expansion of
// the %(jobid)s placeholder, grounded on
// original_source/sams/sampler/FSStats.py.
type FSStats struct {
	interval    time.Duration
	mountPoints []string
}

// NewFSStats builds an FSStats sampler. jobID substitutes for "%(jobid)s"
// in the configured mount_points globs.
func NewFSStats(cfg *config.Config, jobID int64) *FSStats {
	interval := time.Duration(cfg.GetInt("sams.sampler.FSStats.sampler_interval", 30)) * time.Second

	var resolved []string
	for _, pattern := range cfg.GetStringSlice("sams.sampler.FSStats.mount_points") {
		glob := strings.ReplaceAll(pattern, "%(jobid)s", fmt.Sprintf("%d", jobID))
		matches, err := filepath.Glob(glob)
		if err == nil {
			resolved = append(resolved, matches...)
		}
	}

	return &FSStats{interval: interval, mountPoints: resolved}
}

func (f *FSStats) ID() string              { return "fsstats" }
func (f *FSStats) Interval() time.Duration { return f.interval }
func (f *FSStats) Init() error             { return nil }

func (f *FSStats) Sample([]int) (interface{}, bool, error) {
	if len(f.mountPoints) == 0 {
		return nil, false, nil
	}

	out := make(map[string]interface{}, len(f.mountPoints))
	for _, mp := range f.mountPoints {
		var stat unix.Statfs_t
		if err := unix.Statfs(mp, &stat); err != nil {
			continue
		}
		size := uint64(stat.Frsize) * stat.Blocks
		free := uint64(stat.Frsize) * stat.Bavail
		out[mp] = map[string]uint64{
			"size": size,
			"free": free,
			"used": size - free,
		}
	}
	return out, true, nil
}

func (f *FSStats) FinalData() (interface{}, error) {
	return map[string]interface{}{}, nil
}
