// Package boltstore is the embedded-file alternative to sqlstore: one
// bbolt database per jobid-hash partition, adapted from the bucket-per-
// entity layout in cuemby-warren/pkg/storage/boltdb.go, applied to the
// jobs/commands schema from
// original_source/sams/aggregator/SoftwareAccounting.py. Picked by tag in
// the aggregator's backend registry for deployments that would rather not
// run SQLite.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/store"
)

var (
	jobsBucket     = []byte("jobs")
	commandsBucket = []byte("commands")
)

// jobRecord is the persisted shape of one job row.
type jobRecord struct {
	JobID      int64   `json:"jobid"`
	RecordID   string  `json:"recordid"`
	User       string  `json:"user"`
	Project    string  `json:"project"`
	Node       string  `json:"node"`
	NCPUs      int     `json:"ncpus"`
	Partition  string  `json:"partition"`
	StartTime  int64   `json:"start_time"`
	EndTime    int64   `json:"end_time"`
	UserTime   float64 `json:"user_time"`
	SystemTime float64 `json:"system_time"`
	Finalized  bool    `json:"finalized"`
}

// Store is the bbolt-backed implementation of store.Store.
type Store struct {
	dbPath      string
	filePattern string
	hashSize    int64
	cluster     string

	mu sync.Mutex
	db map[int64]*bolt.DB
}

// New opens a bbolt-backed Store rooted at dbPath, one file per
// acct.Partition(jobID, hashSize). cluster identifies this cluster in
// derived job recordids, matching
// original_source/sams/aggregator/SoftwareAccounting.py's "cluster"
// config value.
func New(dbPath string, hashSize int64, cluster string) *Store {
	return &Store{
		dbPath:      dbPath,
		filePattern: "sa-%d.bolt",
		hashSize:    hashSize,
		cluster:     cluster,
		db:          make(map[int64]*bolt.DB),
	}
}

func (s *Store) partitionDB(jobID int64) (*bolt.DB, error) {
	partition := acct.Partition(jobID, s.hashSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.db[partition]; ok {
		return db, nil
	}

	if err := os.MkdirAll(s.dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: mkdir %s: %w", s.dbPath, err)
	}
	path := filepath.Join(s.dbPath, fmt.Sprintf(s.filePattern, partition))

	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(jobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(commandsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: init buckets %s: %w", path, err)
	}

	s.db[partition] = db
	return db, nil
}

func jobKey(jobID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(jobID))
	return key
}

func commandKey(jobID int64, path string) []byte {
	return append(jobKey(jobID), []byte(":"+path)...)
}

// Aggregate persists one per-job record: a jobs/<jobid> entry tracking
// job-level metadata and a commands/<jobid>:<path> entry per distinct
// software path, matching the original's Aggregator.aggregate() but
// without the normalized lookup tables the relational schema needs (a
// document store has no join cost to economize on).
func (s *Store) Aggregate(_ context.Context, record store.Record) error {
	parsed, err := store.ParseRecord(record)
	if err != nil {
		return err
	}

	db, err := s.partitionDB(parsed.JobID)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		commands := tx.Bucket(commandsBucket)

		job := jobRecord{
			JobID:     parsed.JobID,
			RecordID:  store.DeriveRecordID(s.cluster, parsed.JobID, parsed.SchedulerStartTime),
			User:      parsed.User,
			Project:   parsed.Project,
			Node:      parsed.Node,
			NCPUs:     parsed.NCPUs,
			Partition: parsed.Partition,
		}
		if existing := jobs.Get(jobKey(parsed.JobID)); existing != nil {
			var prior jobRecord
			if err := json.Unmarshal(existing, &prior); err == nil {
				job.StartTime = prior.StartTime
				job.EndTime = prior.EndTime
				job.UserTime = prior.UserTime
				job.SystemTime = prior.SystemTime
				job.Finalized = prior.Finalized
			}
		}
		body, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := jobs.Put(jobKey(parsed.JobID), body); err != nil {
			return err
		}

		for _, cmd := range parsed.Commands {
			body, err := json.Marshal(cmd)
			if err != nil {
				return err
			}
			if err := commands.Put(commandKey(parsed.JobID, cmd.Path), body); err != nil {
				return err
			}
		}
		return nil
	})
}

// Finalize scans every command row for each job and recomputes the job's
// start/end time and total cpu time, matching the original's
// FIND_MINMAX_JOBS/UPDATE_MINMAX pass over jobs with unset rollups.
func (s *Store) Finalize(_ context.Context) error {
	s.mu.Lock()
	dbs := make([]*bolt.DB, 0, len(s.db))
	for _, db := range s.db {
		dbs = append(dbs, db)
	}
	s.mu.Unlock()

	for _, db := range dbs {
		if err := finalizePartition(db); err != nil {
			return err
		}
	}
	return nil
}

func finalizePartition(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(jobsBucket)
		commands := tx.Bucket(commandsBucket)

		return jobs.ForEach(func(k, v []byte) error {
			var job jobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			if job.Finalized {
				return nil
			}

			prefix := jobKey(job.JobID)
			var start, end int64
			var userTime, systemTime float64
			found := false

			c := commands.Cursor()
			for ck, cv := c.Seek(prefix); ck != nil && hasPrefix(ck, prefix); ck, cv = c.Next() {
				var cmd acct.Command
				if err := json.Unmarshal(cv, &cmd); err != nil {
					continue
				}
				st, et := cmd.StartTime.Unix(), cmd.EndTime.Unix()
				if !found || st < start {
					start = st
				}
				if !found || et > end {
					end = et
				}
				userTime += cmd.UserTime
				systemTime += cmd.SystemTime
				found = true
			}

			if !found {
				return nil
			}
			job.StartTime = start
			job.EndTime = end
			job.UserTime = userTime
			job.SystemTime = systemTime
			job.Finalized = true

			body, err := json.Marshal(job)
			if err != nil {
				return err
			}
			return jobs.Put(k, body)
		})
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Close releases every open partition's bbolt handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range s.db {
		if err := db.Close(); err != nil {
			return err
		}
	}
	return nil
}
