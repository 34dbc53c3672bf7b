package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpc2n/softwareaccounting/pkg/config"
)

func newFileConfig(t *testing.T, inPath, archivePath, errorPath string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "loader.yaml")
	body := "in_path: " + inPath + "\narchive_path: " + archivePath + "\nerror_path: " + errorPath + "\nfile_pattern: \"^job-.*\\\\.json$\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func writeRecord(t *testing.T, path string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFile_LoadQueuesOnlyMatchingFiles(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	writeRecord(t, filepath.Join(in, "job-1.json"), `{"sams.sampler.Core":{"jobid":1}}`)
	writeRecord(t, filepath.Join(in, "job-2.json"), `{"sams.sampler.Core":{"jobid":2}}`)
	writeRecord(t, filepath.Join(in, "notes.txt"), "ignore me")

	cfg := newFileConfig(t, in, filepath.Join(root, "archive"), filepath.Join(root, "error"))
	f, err := NewFile(cfg)
	require.NoError(t, err)

	require.NoError(t, f.Load())
	assert.Len(t, f.files, 2)
}

func TestFile_NextReturnsNilWhenQueueEmpty(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))

	cfg := newFileConfig(t, in, filepath.Join(root, "archive"), filepath.Join(root, "error"))
	f, err := NewFile(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Load())

	record, err := f.Next()
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestFile_NextParsesRecordJSON(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	writeRecord(t, filepath.Join(in, "job-1.json"), `{"sams.sampler.Core":{"jobid":1}}`)

	cfg := newFileConfig(t, in, filepath.Join(root, "archive"), filepath.Join(root, "error"))
	f, err := NewFile(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Load())

	record, err := f.Next()
	require.NoError(t, err)
	require.NotNil(t, record)
	core := record["sams.sampler.Core"].(map[string]interface{})
	assert.Equal(t, float64(1), core["jobid"])
}

func TestFile_CommitMovesFileToArchiveAndRemovesFromIn(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	archive := filepath.Join(root, "archive")
	require.NoError(t, os.MkdirAll(in, 0o755))
	writeRecord(t, filepath.Join(in, "job-1.json"), `{}`)

	cfg := newFileConfig(t, in, archive, filepath.Join(root, "error"))
	f, err := NewFile(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Load())
	_, err = f.Next()
	require.NoError(t, err)

	require.NoError(t, f.Commit())

	_, statErr := os.Stat(filepath.Join(in, "job-1.json"))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(archive, "job-1.json"))
	assert.NoError(t, statErr)
}

func TestFile_ErrorMovesFileToErrorPath(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	errorPath := filepath.Join(root, "error")
	require.NoError(t, os.MkdirAll(in, 0o755))
	writeRecord(t, filepath.Join(in, "job-1.json"), `{}`)

	cfg := newFileConfig(t, in, filepath.Join(root, "archive"), errorPath)
	f, err := NewFile(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Load())
	_, err = f.Next()
	require.NoError(t, err)

	require.NoError(t, f.Error())

	_, statErr := os.Stat(filepath.Join(errorPath, "job-1.json"))
	assert.NoError(t, statErr)
}

func TestFile_CommitWithoutCurrentIsNoop(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	cfg := newFileConfig(t, in, filepath.Join(root, "archive"), filepath.Join(root, "error"))
	f, err := NewFile(cfg)
	require.NoError(t, err)

	assert.NoError(t, f.Commit())
}

func TestFile_PreservesSubdirectoryLayoutOnMove(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	archive := filepath.Join(root, "archive")
	sub := filepath.Join(in, "2024-01-02")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeRecord(t, filepath.Join(sub, "job-1.json"), `{}`)

	cfg := newFileConfig(t, in, archive, filepath.Join(root, "error"))
	f, err := NewFile(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Load())
	_, err = f.Next()
	require.NoError(t, err)
	require.NoError(t, f.Commit())

	_, statErr := os.Stat(filepath.Join(archive, "2024-01-02", "job-1.json"))
	assert.NoError(t, statErr)
}
