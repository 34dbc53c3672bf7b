package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SoftwareSummary is one row of the software-updater's show/list output,
// matching the columns original_source/sams/backend/SoftwareAccountingPW.py's
// Backend._print_software prints.
type SoftwareSummary struct {
	Path         string         `db:"path"`
	Software     sql.NullString `db:"software"`
	Version      sql.NullString `db:"version"`
	VersionStr   sql.NullString `db:"versionstr"`
	UserProvided sql.NullBool   `db:"user_provided"`
	CoreHours    float64        `db:"core_time"`
	JobCount     int64          `db:"jobcount"`
}

// SoftwareMatch is what a resolver lookup produces for one unresolved path,
// matching the shape the original's ClassLoader-loaded Software updater's
// get() method returns.
type SoftwareMatch struct {
	Software     string
	Version      string
	VersionStr   string
	UserProvided bool
	Ignore       bool
}

// UnresolvedPaths returns every distinct software path across all
// partitions that has never been resolved to a name, matching the
// original's `Software.select().where(Software.software.is_null())`.
func (s *Store) UnresolvedPaths(ctx context.Context) ([]string, error) {
	files, err := s.allPartitionFiles()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, path := range files {
		db, err := s.openPath(path)
		if err != nil {
			return nil, err
		}
		var paths []string
		err = db.SelectContext(ctx, &paths, "SELECT path FROM software WHERE software IS NULL ORDER BY path")
		db.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: unresolved paths %s: %w", path, err)
		}
		out = append(out, paths...)
	}
	return out, nil
}

// ResolveSoftware writes a resolved identity back to every partition's
// software row for path, matching the original's Backend.update() loop
// body (one row update per resolved path, across the whole db in the
// original's single-database schema; here, across every partition file).
func (s *Store) ResolveSoftware(ctx context.Context, path string, match SoftwareMatch) error {
	files, err := s.allPartitionFiles()
	if err != nil {
		return err
	}
	for _, p := range files {
		db, err := s.openPath(p)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx,
			`UPDATE software SET software = ?, version = ?, versionstr = ?, user_provided = ? WHERE path = ?`,
			match.Software, match.Version, match.VersionStr, match.UserProvided, path)
		db.Close()
		if err != nil {
			return fmt.Errorf("sqlstore: resolve software %s: %w", path, err)
		}
	}
	return nil
}

const showSoftwareSQL = `
SELECT software.path AS path, software.software AS software, software.version AS version,
       software.versionstr AS versionstr, software.user_provided AS user_provided,
       SUM(jobs.ncpus * (command.end_time - command.start_time) *
           (command.sys + command.user) / MAX(jobs.user_time + jobs.system_time, 1)) AS core_time,
       COUNT(DISTINCT jobs.id) AS jobcount
FROM software
JOIN command ON command.software = software.id
JOIN jobs ON jobs.id = command.jobid
WHERE (jobs.user_time + jobs.system_time) > 0
  AND software.software LIKE ?
  AND software.path LIKE ?
GROUP BY software.id, software.path
`

// ShowSoftware lists resolved software usage summaries, filtered by SQL
// LIKE patterns on the resolved name and the raw path, matching the
// original's Backend.show_software(software, path).
func (s *Store) ShowSoftware(ctx context.Context, softwareLike, pathLike string) ([]SoftwareSummary, error) {
	if softwareLike == "" {
		softwareLike = "%"
	}
	if pathLike == "" {
		pathLike = "%"
	}

	files, err := s.allPartitionFiles()
	if err != nil {
		return nil, err
	}

	var out []SoftwareSummary
	for _, path := range files {
		db, err := s.openPath(path)
		if err != nil {
			return nil, err
		}
		var rows []SoftwareSummary
		err = db.SelectContext(ctx, &rows, showSoftwareSQL, softwareLike, pathLike)
		db.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlstore: show software %s: %w", path, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ResetPath clears the resolved identity of every software row whose path
// matches the SQL LIKE pattern, forcing it to be re-resolved on the next
// update pass. Matches the original's Backend.reset_path(path).
func (s *Store) ResetPath(ctx context.Context, pathLike string) error {
	return s.resetWhere(ctx, "path", pathLike)
}

// ResetSoftware clears the resolved identity of every software row whose
// resolved name matches the SQL LIKE pattern. Matches the original's
// Backend.reset_software(software).
func (s *Store) ResetSoftware(ctx context.Context, softwareLike string) error {
	return s.resetWhere(ctx, "software", softwareLike)
}

func (s *Store) resetWhere(ctx context.Context, column, like string) error {
	files, err := s.allPartitionFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		db, err := s.openPath(path)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, fmt.Sprintf("UPDATE software SET software = NULL WHERE %s LIKE ?", column), like)
		db.Close()
		if err != nil {
			return fmt.Errorf("sqlstore: reset %s %s: %w", column, path, err)
		}
	}
	return nil
}
