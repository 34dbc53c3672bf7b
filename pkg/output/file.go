package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/config"
)

// File writes the accumulated per-job record as a single JSON file under a
// jobid-hash-partitioned directory tree, grounded on
// original_source/sams/output/File.py. Writes go to a uniquely-named
// temp file in the same directory and are published with rename, so a
// reader never observes a partial write; the original relied on a fixed
// dotfile name and PID-implicit exclusivity, which this widens slightly to
// be safe under concurrent collector restarts for the same job.
type File struct {
	mu      sync.Mutex
	basePath string
	pattern  string
	hashSize int64
	exclude  map[string]bool
	jobID    int64
	node     string
	data     map[string]interface{}
}

// NewFile builds a File output for jobID/node from the sams.output.File
// config block.
func NewFile(cfg *config.Config, jobID int64, node string) *File {
	exclude := make(map[string]bool)
	for _, e := range cfg.GetStringSlice("sams.output.File.exclude") {
		exclude[e] = true
	}
	return &File{
		basePath: cfg.GetString("sams.output.File.base_path", "/tmp"),
		pattern:  cfg.GetString("sams.output.File.file_pattern", "%(jobid)s.%(node)s.json"),
		hashSize: int64(cfg.GetInt("sams.output.File.jobid_hash_size", 1000)),
		exclude:  exclude,
		jobID:    jobID,
		node:     node,
		data:     make(map[string]interface{}),
	}
}

func (f *File) ID() string { return "file" }

func (f *File) Store(samplerID string, data interface{}, final bool) {
	if f.exclude[samplerID] {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[samplerID] = data
}

func (f *File) Write(ctx context.Context) error {
	f.mu.Lock()
	snapshot := make(map[string]interface{}, len(f.data))
	for k, v := range f.data {
		snapshot[k] = v
	}
	f.mu.Unlock()

	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("output/file: marshal: %w", err)
	}

	dir := f.basePath
	if f.hashSize > 0 {
		dir = filepath.Join(dir, strconv.FormatInt(acct.Partition(f.jobID, f.hashSize), 10))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("output/file: mkdir %s: %w", dir, err)
	}

	filename := expandPattern(f.pattern, f.jobID, f.node)
	tmp := filepath.Join(dir, "."+filename+"."+uuid.NewString())
	final := filepath.Join(dir, filename)

	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("output/file: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("output/file: rename %s -> %s: %w", tmp, final, err)
	}
	return nil
}

func expandPattern(pattern string, jobID int64, node string) string {
	out := strings.ReplaceAll(pattern, "%(jobid)s", strconv.FormatInt(jobID, 10))
	out = strings.ReplaceAll(out, "%(node)s", node)
	return out
}
