// Package sqlstore is the canonical store.Store backend: one SQLite
// database per jobid-hash partition, schema and upsert semantics ported
// directly from
// original_source/sams/aggregator/SoftwareAccounting.py's TABLES and
// INSERT_* statements, built with sqlx for scanning and squirrel for
// building the upsert/select statements.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		user TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS node (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		node TEXT NOT NULL UNIQUE
	)`,
	`CREATE INDEX IF NOT EXISTS node_node_idx ON node(node)`,
	`CREATE TABLE IF NOT EXISTS software (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		path          TEXT NOT NULL UNIQUE,
		software      TEXT,
		version       TEXT,
		versionstr    TEXT,
		user_provided BOOLEAN
	)`,
	`CREATE INDEX IF NOT EXISTS software_path_idx ON software(path)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		jobid       TEXT NOT NULL UNIQUE,
		recordid    TEXT,
		user        INTEGER,
		project     INTEGER,
		ncpus       INTEGER,
		partition   TEXT,
		start_time  INTEGER,
		end_time    INTEGER,
		user_time   REAL,
		system_time REAL
	)`,
	`CREATE TABLE IF NOT EXISTS command (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		jobid      INTEGER NOT NULL,
		node       INTEGER,
		software   INTEGER,
		start_time INTEGER,
		end_time   INTEGER,
		user       REAL,
		sys        REAL,
		updated    INTEGER,
		FOREIGN KEY(jobid) REFERENCES jobs(id),
		FOREIGN KEY(node) REFERENCES node(id),
		FOREIGN KEY(software) REFERENCES software(id)
	)`,
	`CREATE INDEX IF NOT EXISTS command_jobid_node_software_idx ON command(jobid,node,software)`,
	`CREATE TABLE IF NOT EXISTS watermark (
		id         INTEGER PRIMARY KEY CHECK (id = 0),
		last_jobid INTEGER NOT NULL DEFAULT 0
	)`,
}

const findMinMaxJobsSQL = `
SELECT jobs.id, MIN(command.start_time), MAX(command.end_time), SUM(command.user), SUM(command.sys)
FROM command
JOIN jobs ON jobs.id = command.jobid
WHERE jobs.start_time IS NULL OR jobs.end_time IS NULL OR jobs.user_time IS NULL OR jobs.system_time IS NULL
GROUP BY jobs.id
`

// Store is the SQLite-backed implementation of store.Store.
type Store struct {
	dbPath      string
	filePattern string
	hashSize    int64
	cluster     string

	mu sync.Mutex
	db map[int64]*sqlx.DB
}

// Option configures a Store.
type Option func(*Store)

// WithFilePattern overrides the default "sa-%d.db" partition filename
// pattern, matching sams.backend.SoftwareAccounting's file_pattern.
func WithFilePattern(pattern string) Option {
	return func(s *Store) { s.filePattern = pattern }
}

// New opens a SQLite-backed Store rooted at dbPath, partitioning jobs into
// one database file per acct.Partition(jobID, hashSize). cluster identifies
// this cluster in derived job recordids, matching
// original_source/sams/aggregator/SoftwareAccounting.py's "cluster" config
// value.
func New(dbPath string, hashSize int64, cluster string, opts ...Option) *Store {
	s := &Store{
		dbPath:      dbPath,
		filePattern: "sa-%d.db",
		hashSize:    hashSize,
		cluster:     cluster,
		db:          make(map[int64]*sqlx.DB),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) partitionDB(jobID int64) (*sqlx.DB, error) {
	partition := acct.Partition(jobID, s.hashSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.db[partition]; ok {
		return db, nil
	}

	if err := os.MkdirAll(s.dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("sqlstore: mkdir %s: %w", s.dbPath, err)
	}
	path := filepath.Join(s.dbPath, fmt.Sprintf(s.filePattern, partition))

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

	s.db[partition] = db
	return db, nil
}

// Aggregate normalizes and persists one per-job record, matching the
// original's Aggregator.aggregate(): one row per project/user/node,
// upserted by natural key, then one job row and one command row per
// distinct software path the job ran.
func (s *Store) Aggregate(ctx context.Context, record store.Record) error {
	parsed, err := store.ParseRecord(record)
	if err != nil {
		return err
	}

	db, err := s.partitionDB(parsed.JobID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var projectID, userID, nodeID sql.NullInt64
	if parsed.Project != "" {
		id, err := upsertNamed(ctx, tx, "projects", "project", parsed.Project)
		if err != nil {
			return err
		}
		projectID = sql.NullInt64{Int64: id, Valid: true}
	}
	if parsed.User != "" {
		id, err := upsertNamed(ctx, tx, "users", "user", parsed.User)
		if err != nil {
			return err
		}
		userID = sql.NullInt64{Int64: id, Valid: true}
	}
	if parsed.Node != "" {
		id, err := upsertNamed(ctx, tx, "node", "node", parsed.Node)
		if err != nil {
			return err
		}
		nodeID = sql.NullInt64{Int64: id, Valid: true}
	}

	jobRowID, err := upsertJob(ctx, tx, parsed, userID, projectID, s.cluster)
	if err != nil {
		return err
	}

	for _, cmd := range parsed.Commands {
		swID, err := upsertNamed(ctx, tx, "software", "path", cmd.Path)
		if err != nil {
			return err
		}
		if err := upsertCommand(ctx, tx, jobRowID, nodeID, swID, cmd); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertNamed(ctx context.Context, tx *sqlx.Tx, table, column, value string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, fmt.Sprintf("SELECT id FROM %s WHERE %s = ?", table, column), value)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlstore: lookup %s.%s=%q: %w", table, column, value, err)
	}

	query, args, err := sq.Insert(table).Columns(column).Values(value).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: insert %s.%s=%q: %w", table, column, value, err)
	}
	return res.LastInsertId()
}

// upsertJob inserts or replaces the jobs row by its natural key (jobid),
// matching the original's "insert or replace into jobs (...)" statement:
// user/project/ncpus/partition/recordid are rewritten on every aggregate
// call, not just the first.
func upsertJob(ctx context.Context, tx *sqlx.Tx, parsed *store.ParsedRecord, userID, projectID sql.NullInt64, cluster string) (int64, error) {
	recordID := store.DeriveRecordID(cluster, parsed.JobID, parsed.SchedulerStartTime)

	var id int64
	err := tx.GetContext(ctx, &id, "SELECT id FROM jobs WHERE jobid = ?", parsed.JobID)
	if err == sql.ErrNoRows {
		query, args, err := sq.Insert("jobs").
			Columns("jobid", "recordid", "user", "project", "ncpus", "partition").
			Values(parsed.JobID, recordID, userID, projectID, parsed.NCPUs, parsed.Partition).
			ToSql()
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("sqlstore: insert jobs: %w", err)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: lookup jobs: %w", err)
	}

	query, args, buildErr := sq.Update("jobs").
		Set("recordid", recordID).
		Set("user", userID).
		Set("project", projectID).
		Set("ncpus", parsed.NCPUs).
		Set("partition", parsed.Partition).
		Where(sq.Eq{"id": id}).
		ToSql()
	if buildErr != nil {
		return 0, buildErr
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("sqlstore: update jobs: %w", err)
	}
	return id, nil
}

func upsertCommand(ctx context.Context, tx *sqlx.Tx, jobRowID int64, nodeID, swID sql.NullInt64, cmd acct.Command) error {
	var existing int64
	err := tx.GetContext(ctx, &existing,
		"SELECT id FROM command WHERE jobid = ? AND node = ? AND software = ?", jobRowID, nodeID, swID)

	if err == sql.ErrNoRows {
		query, args, buildErr := sq.Insert("command").
			Columns("jobid", "node", "software", "start_time", "end_time", "user", "sys", "updated").
			Values(jobRowID, nodeID, swID, cmd.StartTime.Unix(), cmd.EndTime.Unix(), cmd.UserTime, cmd.SystemTime, cmd.EndTime.Unix()).
			ToSql()
		if buildErr != nil {
			return buildErr
		}
		_, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return fmt.Errorf("sqlstore: insert command: %w", execErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("sqlstore: lookup command: %w", err)
	}

	query, args, buildErr := sq.Update("command").
		Set("start_time", cmd.StartTime.Unix()).
		Set("end_time", cmd.EndTime.Unix()).
		Set("user", cmd.UserTime).
		Set("sys", cmd.SystemTime).
		Set("updated", cmd.EndTime.Unix()).
		Where(sq.Eq{"id": existing}).
		ToSql()
	if buildErr != nil {
		return buildErr
	}
	_, execErr := tx.ExecContext(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("sqlstore: update command: %w", execErr)
	}
	return nil
}

// Finalize recomputes jobs.start_time/end_time/user_time/system_time for
// every job whose rollup is still unset, matching the original's
// Aggregator.close()'s FIND_MINMAX_JOBS/UPDATE_MINMAX pass.
func (s *Store) Finalize(ctx context.Context) error {
	s.mu.Lock()
	dbs := make([]*sqlx.DB, 0, len(s.db))
	for _, db := range s.db {
		dbs = append(dbs, db)
	}
	s.mu.Unlock()

	for _, db := range dbs {
		rows, err := db.QueryContext(ctx, findMinMaxJobsSQL)
		if err != nil {
			return fmt.Errorf("sqlstore: finalize query: %w", err)
		}

		type rollup struct {
			id                   int64
			start, end           sql.NullInt64
			userTime, systemTime sql.NullFloat64
		}
		var rollups []rollup
		for rows.Next() {
			var r rollup
			if err := rows.Scan(&r.id, &r.start, &r.end, &r.userTime, &r.systemTime); err != nil {
				rows.Close()
				return fmt.Errorf("sqlstore: finalize scan: %w", err)
			}
			rollups = append(rollups, r)
		}
		rows.Close()

		for _, r := range rollups {
			_, err := db.ExecContext(ctx,
				"UPDATE jobs SET start_time = ?, end_time = ?, user_time = ?, system_time = ? WHERE id = ?",
				r.start, r.end, r.userTime, r.systemTime, r.id)
			if err != nil {
				return fmt.Errorf("sqlstore: finalize update: %w", err)
			}
		}
	}
	return nil
}

// Close releases every open partition's sqlite handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.db {
		db.Close()
	}
	return nil
}
