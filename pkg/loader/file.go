// Package loader feeds per-job JSON records written by the collector into
// the aggregator, one file at a time, moving each file to an archive or
// error directory once processed. Grounded on
// original_source/sams/loader/File.py.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

// pendingFile is one discovered record file, relative to InPath.
type pendingFile struct {
	relDir string
	name   string
}

// File discovers and consumes per-job JSON files dropped under in_path by
// the collector, matching the original's Loader.
type File struct {
	inPath      string
	archivePath string
	errorPath   string
	pattern     *regexp.Regexp

	files   []pendingFile
	current *pendingFile
}

// NewFile builds a File loader from a sams.aggregator.loader-style config
// sub-tree (in_path/archive_path/error_path/file_pattern).
func NewFile(cfg *config.Config) (*File, error) {
	pattern := cfg.GetString("file_pattern", "^.*$")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("loader: bad file_pattern %q: %w", pattern, err)
	}

	return &File{
		inPath:      cfg.GetString("in_path", ""),
		archivePath: cfg.GetString("archive_path", ""),
		errorPath:   cfg.GetString("error_path", ""),
		pattern:     re,
	}, nil
}

// Load walks in_path and queues every file matching file_pattern.
func (f *File) Load() error {
	f.files = nil
	return filepath.Walk(f.inPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		if !f.pattern.MatchString(name) {
			return nil
		}
		rel, err := filepath.Rel(f.inPath, filepath.Dir(path))
		if err != nil {
			rel = "."
		}
		f.files = append(f.files, pendingFile{relDir: rel, name: name})
		return nil
	})
}

// Next pops the next queued file and parses it as a PerJobRecord-shaped
// JSON document, matching the original's Loader.next(). Returns nil, nil
// when the queue is empty.
func (f *File) Next() (map[string]interface{}, error) {
	if len(f.files) == 0 {
		return nil, nil
	}
	current := f.files[0]
	f.files = f.files[1:]
	f.current = &current

	path := filepath.Join(f.inPath, current.relDir, current.name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w", path, err)
	}

	var record map[string]interface{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("loader: decode %s: %w", path, err)
	}
	return record, nil
}

// Error moves the current file to error_path, for records that failed to
// process.
func (f *File) Error() error {
	return f.move(f.errorPath)
}

// Commit moves the current file to archive_path, for records that were
// successfully aggregated.
func (f *File) Commit() error {
	return f.move(f.archivePath)
}

func (f *File) move(destRoot string) error {
	if f.current == nil {
		return nil
	}
	outDir := filepath.Join(destRoot, f.current.relDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("loader: mkdir %s: %w", outDir, err)
	}

	src := filepath.Join(f.inPath, f.current.relDir, f.current.name)
	dst := filepath.Join(outDir, f.current.name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("loader: move %s -> %s: %w", src, dst, err)
	}
	f.current = nil
	return nil
}
