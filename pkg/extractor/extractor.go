// Package extractor turns finalized aggregator records into the XML
// feed a SNIC/NeIC software accounting portal ingests, grounded on
// original_source/sams/xmlwriter/File.py and the extract/write/commit
// cycle in original_source/sams-software-extractor.py.
package extractor

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/log"
	"github.com/hpc2n/softwareaccounting/pkg/metrics"
)

// Source is the subset of a store backend the extractor needs: a page of
// finalized jobs past the backend's extraction watermark, and a way to
// advance that watermark once a batch has been durably written. sqlstore.Store
// satisfies this; boltstore does not carry the normalized software identity
// table an extraction pass needs, so it is aggregation-only for now (see
// the design notes on this package).
type Source interface {
	PendingJobs(ctx context.Context, limit int) ([]acct.JobUsageRecord, error)
	MarkExtracted(ctx context.Context, jobIDs []int64) error
}

// Extractor batches acct.JobUsageRecord into namespaced XML files under
// OutputPath, matching sams.xmlwriter.File's output_path/jobs_per_file/
// remove_less_then options.
type Extractor struct {
	source Source

	outputPath     string
	jobsPerFile    int
	removeLessThan float64
	batchSize      int
}

// New builds an Extractor from the sams.xmlwriter.File config section.
func New(cfg *config.Config, source Source) *Extractor {
	return &Extractor{
		source:         source,
		outputPath:     cfg.GetString("sams.xmlwriter.File.output_path", "/var/spool/sams/extracted"),
		jobsPerFile:    cfg.GetInt("sams.xmlwriter.File.jobs_per_file", 1000),
		removeLessThan: cfg.GetFloat("sams.xmlwriter.File.remove_less_then", 1.0),
		batchSize:      cfg.GetInt("core.extract_batch_size", 5000),
	}
}

// Run performs one extract/write/commit pass: fetch pending jobs, write
// them out as one or more namespaced XML files, then advance the
// watermark so the next pass does not re-extract them. Matches
// sams-software-extractor.py's Main.start() single-shot body.
func (e *Extractor) Run(ctx context.Context) error {
	logger := log.WithComponent("extractor")

	jobs, err := e.source.PendingJobs(ctx, e.batchSize)
	if err != nil {
		return fmt.Errorf("extractor: pending jobs: %w", err)
	}
	if len(jobs) == 0 {
		logger.Debug().Msg("no pending jobs")
		return nil
	}

	if err := os.MkdirAll(e.outputPath, 0o755); err != nil {
		return fmt.Errorf("extractor: mkdir %s: %w", e.outputPath, err)
	}

	createTime := gm2isoTime(time.Now())
	extracted := make([]int64, 0, len(jobs))

	for fileNum, batch := range chunk(jobs, e.jobsPerFile) {
		if err := e.writeBatch(batch, createTime, fileNum); err != nil {
			return err
		}
		for _, job := range batch {
			extracted = append(extracted, job.Job.ID)
		}
		logger.Info().Int("file", fileNum).Int("jobs", len(batch)).Msg("wrote accounting record file")
	}

	if err := e.source.MarkExtracted(ctx, extracted); err != nil {
		return fmt.Errorf("extractor: mark extracted: %w", err)
	}
	metrics.JobsExtractedTotal.Add(float64(len(extracted)))
	return nil
}

func (e *Extractor) writeBatch(jobs []acct.JobUsageRecord, createTime string, fileNum int) error {
	root := xmlRoot{XMLNSSA: namespace}

	for _, job := range jobs {
		if totalCPU(job) == 0 {
			continue
		}
		root.Records = append(root.Records, e.generateRecord(job, createTime))
	}

	body, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("extractor: marshal xml: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	name := fmt.Sprintf("%s.%d.xml", time.Now().UTC().Format("20060102T150405"), fileNum)
	finalPath := filepath.Join(e.outputPath, name)
	tmpPath := filepath.Join(e.outputPath, fmt.Sprintf(".%s.%s", name, uuid.NewString()))

	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		return fmt.Errorf("extractor: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("extractor: rename to %s: %w", finalPath, err)
	}
	return nil
}

func (e *Extractor) generateRecord(job acct.JobUsageRecord, createTime string) xmlRecord {
	total := totalCPU(job)

	rec := xmlRecord{
		Identity: xmlIdentity{
			CreateTime: createTime,
			RecordID:   job.Job.RecordID,
		},
		JobRecordID: job.Job.RecordID,
	}

	for _, sw := range job.Usage {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(sw.CPUTime) / float64(total)
		}
		if pct < e.removeLessThan {
			continue
		}
		rec.Software = append(rec.Software, xmlSoftware{
			Name:         sw.Name,
			Version:      sw.Version,
			LocalVersion: sw.VersionStr,
			UserProvided: boolText(sw.UserProvided),
			Usage:        formatUsage(pct),
		})
	}

	return rec
}

func totalCPU(job acct.JobUsageRecord) int64 {
	var total int64
	for _, sw := range job.Usage {
		total += sw.CPUTime
	}
	return total
}

func chunk(jobs []acct.JobUsageRecord, size int) [][]acct.JobUsageRecord {
	if size <= 0 {
		size = len(jobs)
	}
	var out [][]acct.JobUsageRecord
	for size > 0 && len(jobs) > 0 {
		n := size
		if n > len(jobs) {
			n = len(jobs)
		}
		out = append(out, jobs[:n])
		jobs = jobs[n:]
	}
	return out
}
