package boltstore

import (
	"context"
	"encoding/json"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/store"
)

func execRecord(jobID int64, node, account, user, partition, starttime string, cpus, uid, startTime, endTime int64, execs map[string]map[string]float64) store.Record {
	execMap := make(map[string]interface{}, len(execs))
	for path, times := range execs {
		execMap[path] = map[string]interface{}{
			"user":   times["user"],
			"system": times["system"],
		}
	}
	return store.Record{
		"sams.sampler.Core": map[string]interface{}{
			"jobid": jobID,
			"node":  node,
		},
		"sams.sampler.SlurmInfo": map[string]interface{}{
			"account":   account,
			"username":  user,
			"partition": partition,
			"starttime": starttime,
			"cpus":      cpus,
			"uid":       uid,
		},
		"sams.sampler.Software": map[string]interface{}{
			"start_time": startTime,
			"end_time":   endTime,
			"execs":      execMap,
		},
	}
}

func readJob(t *testing.T, s *Store, jobID int64) jobRecord {
	t.Helper()
	db, err := s.partitionDB(jobID)
	require.NoError(t, err)

	var job jobRecord
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(jobsBucket).Get(jobKey(jobID))
		require.NotNil(t, v)
		return json.Unmarshal(v, &job)
	}))
	return job
}

func TestAggregate_PersistsUserAndSystemTimeSeparately(t *testing.T) {
	s := New(t.TempDir(), 1000, "cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "2024-01-02T03:04:05", 4, 5000, 100, 200,
		map[string]map[string]float64{"/bin/gromacs": {"user": 30, "system": 5}})
	require.NoError(t, s.Aggregate(context.Background(), rec))

	db, err := s.partitionDB(1001)
	require.NoError(t, err)

	var cmd acct.Command
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(commandsBucket).Get(commandKey(1001, "/bin/gromacs"))
		require.NotNil(t, v)
		return json.Unmarshal(v, &cmd)
	}))
	assert.Equal(t, 30.0, cmd.UserTime)
	assert.Equal(t, 5.0, cmd.SystemTime)
}

func TestAggregate_DerivesRecordIDWithCompactStartTime(t *testing.T) {
	s := New(t.TempDir(), 1000, "snic-cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "2024-01-02T03:04:05", 4, 5000, 100, 200,
		map[string]map[string]float64{"/bin/x": {"user": 1, "system": 1}})
	require.NoError(t, s.Aggregate(context.Background(), rec))

	job := readJob(t, s, 1001)
	assert.Equal(t, "snic-cluster:1001:20240102030405", job.RecordID)
}

func TestAggregate_IsIdempotentOnReobservation(t *testing.T) {
	s := New(t.TempDir(), 1000, "cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "", 4, 5000, 100, 200,
		map[string]map[string]float64{"/bin/x": {"user": 10, "system": 1}})
	require.NoError(t, s.Aggregate(context.Background(), rec))
	require.NoError(t, s.Aggregate(context.Background(), rec))

	db, err := s.partitionDB(1001)
	require.NoError(t, err)

	var jobCount, cmdCount int
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error { jobCount++; return nil })
	}))
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(commandsBucket).ForEach(func(k, v []byte) error { cmdCount++; return nil })
	}))
	assert.Equal(t, 1, jobCount)
	assert.Equal(t, 1, cmdCount)
}

func TestAggregate_ReaggregatePreservesPriorFinalizedRollups(t *testing.T) {
	s := New(t.TempDir(), 1000, "cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "", 4, 5000, 100, 200,
		map[string]map[string]float64{"/bin/x": {"user": 10, "system": 2}})
	require.NoError(t, s.Aggregate(context.Background(), rec))
	require.NoError(t, s.Finalize(context.Background()))

	before := readJob(t, s, 1001)
	require.True(t, before.Finalized)
	require.Equal(t, 10.0, before.UserTime)

	reObserved := execRecord(1001, "node01", "proj1", "alice", "gpu", "", 8, 5000, 100, 200,
		map[string]map[string]float64{"/bin/x": {"user": 10, "system": 2}})
	require.NoError(t, s.Aggregate(context.Background(), reObserved))

	after := readJob(t, s, 1001)
	assert.True(t, after.Finalized, "rollup computed by a prior Finalize must survive re-aggregation")
	assert.Equal(t, 10.0, after.UserTime)
	assert.Equal(t, "gpu", after.Partition, "non-rollup dimensions still refresh on re-aggregation")
}

func TestFinalize_SumsUserAndSystemTimeSeparatelyAcrossCommands(t *testing.T) {
	s := New(t.TempDir(), 1000, "cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "", 4, 5000, 100, 200,
		map[string]map[string]float64{
			"/bin/a": {"user": 20, "system": 2},
			"/bin/b": {"user": 10, "system": 3},
		})
	require.NoError(t, s.Aggregate(context.Background(), rec))
	require.NoError(t, s.Finalize(context.Background()))

	job := readJob(t, s, 1001)
	assert.Equal(t, 30.0, job.UserTime)
	assert.Equal(t, 5.0, job.SystemTime)
	assert.True(t, job.Finalized)
}

func TestFinalize_SkipsJobsWithNoCommands(t *testing.T) {
	s := New(t.TempDir(), 1000, "cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "", 4, 5000, 100, 200, nil)
	require.NoError(t, s.Aggregate(context.Background(), rec))
	require.NoError(t, s.Finalize(context.Background()))

	job := readJob(t, s, 1001)
	assert.False(t, job.Finalized)
}

func TestFinalize_DoesNotRecomputeAlreadyFinalizedJobs(t *testing.T) {
	s := New(t.TempDir(), 1000, "cluster")
	defer s.Close()

	rec := execRecord(1001, "node01", "proj1", "alice", "main", "", 4, 5000, 100, 200,
		map[string]map[string]float64{"/bin/a": {"user": 5, "system": 1}})
	require.NoError(t, s.Aggregate(context.Background(), rec))
	require.NoError(t, s.Finalize(context.Background()))
	require.NoError(t, s.Finalize(context.Background()))

	job := readJob(t, s, 1001)
	assert.Equal(t, 5.0, job.UserTime)
}
