package loader

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

// SlurmInfoFallback wraps a File loader and backfills the
// "sams.sampler.SlurmInfo" section via sacct for any job record the
// collector produced without scheduler metadata (e.g. a job whose
// SchedulerInfo sampler never managed to run scontrol successfully),
// grounded on original_source/sams/loader/FileSlurmInfoFallback.py.
type SlurmInfoFallback struct {
	*File
	sacctBin string
	env      map[string]string
}

// NewSlurmInfoFallback wraps base with sacct-based backfill configured
// from the same config sub-tree File itself was built from.
func NewSlurmInfoFallback(cfg *config.Config, base *File) *SlurmInfoFallback {
	env := make(map[string]string)
	for k, v := range stringMapOf(cfg.Get("environment", nil)) {
		env[k] = v
	}
	return &SlurmInfoFallback{
		File:     base,
		sacctBin: cfg.GetString("sacct", "/usr/bin/sacct"),
		env:      env,
	}
}

// Next delegates to File.Next and, if the record has no SlurmInfo section,
// shells out to sacct to fill one in.
func (s *SlurmInfoFallback) Next() (map[string]interface{}, error) {
	record, err := s.File.Next()
	if err != nil || record == nil {
		return record, err
	}

	if _, ok := record["sams.sampler.SlurmInfo"]; ok {
		return record, nil
	}

	core, ok := record["sams.sampler.Core"].(map[string]interface{})
	if !ok {
		return record, nil
	}
	jobIDFloat, ok := core["jobid"].(float64)
	if !ok {
		return record, nil
	}

	info, err := s.runSacct(int64(jobIDFloat))
	if err != nil {
		return record, fmt.Errorf("loader: sacct fallback: %w", err)
	}
	record["sams.sampler.SlurmInfo"] = info
	return record, nil
}

func (s *SlurmInfoFallback) runSacct(jobID int64) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.sacctBin,
		"-P", "-j", strconv.FormatInt(jobID, 10), "-X", "-n",
		"-o", "Account,Start,User,NNodes,NCPU,Partition,UID")

	cmd.Env = mergeEnv(s.env)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sacct: %w", err)
	}

	fields := strings.Split(strings.TrimSpace(stdout.String()), "|")
	if len(fields) != 7 {
		return nil, fmt.Errorf("sacct: unexpected output %q", stdout.String())
	}

	return map[string]interface{}{
		"account":   fields[0],
		"starttime": fields[1],
		"username":  fields[2],
		"nodes":     fields[3],
		"cpus":      fields[4],
		"partition": fields[5],
		"uid":       fields[6],
	}, nil
}

func stringMapOf(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

func mergeEnv(overrides map[string]string) []string {
	base := os.Environ()
	for k, v := range overrides {
		base = append(base, k+"="+v)
	}
	return base
}
