package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/metrics"
)

// allPartitionFiles globs every partition database matching the store's
// file pattern, regardless of whether that partition has been opened by
// this process yet, so an extractor process started independently of the
// aggregator can see every partition it has ever written.
func (s *Store) allPartitionFiles() ([]string, error) {
	glob := fmt.Sprintf(s.filePattern, 0)
	glob = strings.Replace(glob, "0", "*", 1)
	matches, err := filepath.Glob(filepath.Join(s.dbPath, glob))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: glob %s: %w", s.dbPath, err)
	}
	return matches, nil
}

func (s *Store) openPath(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", path, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: migrate %s: %w", path, err)
		}
	}
	return db, nil
}

type jobRow struct {
	InternalID int64           `db:"id"`
	JobID      string          `db:"jobid"`
	RecordID   sql.NullString  `db:"recordid"`
	User       sql.NullString  `db:"user_name"`
	Project    sql.NullString  `db:"project_name"`
	Node       sql.NullString  `db:"node_name"`
	NCPUs      sql.NullInt64   `db:"ncpus"`
	Partition  sql.NullString  `db:"partition"`
	StartTime  sql.NullInt64   `db:"start_time"`
	EndTime    sql.NullInt64   `db:"end_time"`
	UserTime   sql.NullFloat64 `db:"user_time"`
	SystemTime sql.NullFloat64 `db:"system_time"`
}

const pendingJobsSQL = `
SELECT jobs.id AS id, jobs.jobid AS jobid, jobs.recordid AS recordid, users.user AS user_name,
       projects.project AS project_name, jobs.partition AS partition,
       jobs.ncpus AS ncpus, jobs.start_time AS start_time, jobs.end_time AS end_time,
       jobs.user_time AS user_time, jobs.system_time AS system_time, node.node AS node_name
FROM jobs
LEFT JOIN users ON users.id = jobs.user
LEFT JOIN projects ON projects.id = jobs.project
LEFT JOIN (SELECT jobid, node FROM command GROUP BY jobid) cn ON cn.jobid = jobs.id
LEFT JOIN node ON node.id = cn.node
WHERE jobs.end_time IS NOT NULL
  AND jobs.id > COALESCE((SELECT last_jobid FROM watermark WHERE id = 0), 0)
ORDER BY jobs.id
LIMIT ?
`

const jobSoftwareSQL = `
SELECT software.software AS software, software.path AS path, software.version AS version,
       software.versionstr AS versionstr, software.user_provided AS user_provided,
       command.user AS user_secs, command.sys AS sys_secs
FROM command
JOIN software ON software.id = command.software
WHERE command.jobid = ?
`

type softwareRow struct {
	Software     sql.NullString  `db:"software"`
	Path         string          `db:"path"`
	Version      sql.NullString  `db:"version"`
	VersionStr   sql.NullString  `db:"versionstr"`
	UserProvided sql.NullBool    `db:"user_provided"`
	UserSecs     sql.NullFloat64 `db:"user_secs"`
	SysSecs      sql.NullFloat64 `db:"sys_secs"`
}

// PendingJobs returns up to limit finalized jobs (per partition file) whose
// internal id is past that partition's extraction watermark, each with its
// per-software usage rolled up, matching the query the original's
// SoftwareAccountingPW.Backend.extract() runs before handing job objects to
// the XML writer.
func (s *Store) PendingJobs(ctx context.Context, limit int) ([]acct.JobUsageRecord, error) {
	files, err := s.allPartitionFiles()
	if err != nil {
		return nil, err
	}

	var out []acct.JobUsageRecord
	for _, path := range files {
		db, err := s.openPath(path)
		if err != nil {
			return nil, err
		}

		var rows []jobRow
		err = db.SelectContext(ctx, &rows, pendingJobsSQL, limit)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlstore: pending jobs %s: %w", path, err)
		}

		for _, row := range rows {
			var jobID int64
			if _, err := fmt.Sscanf(row.JobID, "%d", &jobID); err != nil {
				continue
			}

			var swRows []softwareRow
			if err := db.SelectContext(ctx, &swRows, jobSoftwareSQL, row.InternalID); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlstore: job software %s: %w", path, err)
			}

			usage := make([]acct.SoftwareUsage, 0, len(swRows))
			for _, sw := range swRows {
				name := sw.Path
				if sw.Software.Valid && sw.Software.String != "" {
					name = sw.Software.String
				}
				usage = append(usage, acct.SoftwareUsage{
					Name:         name,
					Version:      sw.Version.String,
					VersionStr:   sw.VersionStr.String,
					UserProvided: sw.UserProvided.Bool,
					CPUTime:      int64(sw.UserSecs.Float64 + sw.SysSecs.Float64),
				})
			}

			out = append(out, acct.JobUsageRecord{
				Job: acct.Job{
					ID:         jobID,
					RecordID:   row.RecordID.String,
					Node:       row.Node.String,
					Project:    row.Project.String,
					User:       row.User.String,
					Partition:  row.Partition.String,
					NCPUs:      int(row.NCPUs.Int64),
					StartTime:  unixOrZero(row.StartTime),
					EndTime:    unixOrZero(row.EndTime),
					UserTime:   row.UserTime.Float64,
					SystemTime: row.SystemTime.Float64,
					CPUTime:    int64(row.UserTime.Float64 + row.SystemTime.Float64),
				},
				Usage: usage,
			})
		}

		db.Close()
		if len(out) >= limit {
			break
		}
	}

	return out, nil
}

// MarkExtracted advances each affected partition's watermark to the highest
// internal job id extracted, matching the original's Backend.commit() step
// that records how far extraction has progressed.
func (s *Store) MarkExtracted(ctx context.Context, jobIDs []int64) error {
	files, err := s.allPartitionFiles()
	if err != nil {
		return err
	}

	for _, path := range files {
		db, err := s.openPath(path)
		if err != nil {
			return err
		}

		var maxInternal int64
		for _, jobID := range jobIDs {
			var internalID int64
			err := db.GetContext(ctx, &internalID, "SELECT id FROM jobs WHERE jobid = ?", fmt.Sprintf("%d", jobID))
			if err != nil {
				continue
			}
			if internalID > maxInternal {
				maxInternal = internalID
			}
		}

		if maxInternal > 0 {
			_, err = db.ExecContext(ctx,
				`INSERT INTO watermark (id, last_jobid) VALUES (0, ?)
				 ON CONFLICT(id) DO UPDATE SET last_jobid = MAX(last_jobid, excluded.last_jobid)`,
				maxInternal)
			if err != nil {
				db.Close()
				return fmt.Errorf("sqlstore: advance watermark %s: %w", path, err)
			}
			metrics.ExtractWatermark.WithLabelValues(filepath.Base(path)).Set(float64(maxInternal))
		}
		db.Close()
	}
	return nil
}

func unixOrZero(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
