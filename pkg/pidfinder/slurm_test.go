package pidfinder

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProcEntry(t *testing.T, procDir string, pid int, cpuset string) {
	t.Helper()
	dir := filepath.Join(procDir, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if cpuset != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cpuset"), []byte(cpuset), 0o644))
	}
}

func newTestFinder(t *testing.T, jobID int64, gracePeriod time.Duration) (*Finder, string) {
	t.Helper()
	procDir := t.TempDir()
	f := NewFinder(jobID, gracePeriod)
	f.procDir = procDir
	return f, procDir
}

func TestFind_ReturnsOnlyPidsBelongingToTrackedJob(t *testing.T) {
	f, procDir := newTestFinder(t, 1001, time.Minute)

	writeProcEntry(t, procDir, 100, "/slurm/uid_0/job_1001/")
	writeProcEntry(t, procDir, 200, "/slurm/uid_0/job_2002/")
	writeProcEntry(t, procDir, 300, "")

	pids := f.Find()
	assert.ElementsMatch(t, []int{100}, pids)
}

func TestFind_DoesNotReturnAlreadySeenPids(t *testing.T) {
	f, procDir := newTestFinder(t, 1001, time.Minute)
	writeProcEntry(t, procDir, 100, "/slurm/uid_0/job_1001/")

	first := f.Find()
	require.Equal(t, []int{100}, first)

	second := f.Find()
	assert.Empty(t, second)
}

func TestFind_IgnoresNonNumericEntries(t *testing.T) {
	f, procDir := newTestFinder(t, 1001, time.Minute)
	require.NoError(t, os.MkdirAll(filepath.Join(procDir, "self"), 0o755))
	writeProcEntry(t, procDir, 100, "/slurm/uid_0/job_1001/")

	pids := f.Find()
	assert.Equal(t, []int{100}, pids)
}

func TestDone_FalseBeforeGracePeriodWithNoPidsEverSeen(t *testing.T) {
	f, _ := newTestFinder(t, 1001, time.Hour)
	assert.False(t, f.Done())
}

func TestDone_TrueAfterGracePeriodWithNoPidsEverSeen(t *testing.T) {
	f, _ := newTestFinder(t, 1001, time.Millisecond)
	f.createdAt = time.Now().Add(-time.Hour)
	assert.True(t, f.Done())
}

func TestDone_FalseWhileJobPidStillPresent(t *testing.T) {
	f, procDir := newTestFinder(t, 1001, time.Millisecond)
	writeProcEntry(t, procDir, 100, "/slurm/uid_0/job_1001/")
	f.Find()

	assert.False(t, f.Done())
}

func TestDone_TrueAfterGracePeriodSinceLastSeen(t *testing.T) {
	f, procDir := newTestFinder(t, 1001, time.Millisecond)
	writeProcEntry(t, procDir, 100, "/slurm/uid_0/job_1001/")
	f.Find()

	f.processes[100].lastSeen = time.Now().Add(-time.Hour)
	assert.True(t, f.Done())
}
