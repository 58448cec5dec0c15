package spooler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, remote RemoteStore) *Pipeline {
	t.Helper()
	return NewPipeline(openTestDB(t), remote, PipelineConfig{PageSize: 10, Logger: zerolog.Nop()})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunner_RunOnceCreatesOnceAndMovesFiles(t *testing.T) {
	tmp := t.TempDir()
	inbox := filepath.Join(tmp, "inbox")
	processed := filepath.Join(tmp, "processed")
	writeFile(t, filepath.Join(inbox, "a.pdf"), "same content")
	writeFile(t, filepath.Join(inbox, "b.pdf"), "same content")
	writeFile(t, filepath.Join(inbox, "notes.txt"), "ignored by glob")

	remote := newFakeRemote()
	pipe := newTestPipeline(t, remote)
	r, err := NewRunner(pipe, RunnerConfig{
		Inputs:       []InputSpec{{Glob: filepath.Join(inbox, "*.pdf"), Partition: Partition(5)}},
		After:        AfterMove,
		ProcessedDir: processed,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesSeen)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 2, stats.Disposed)
	assert.Equal(t, 1, remote.creates())

	assert.FileExists(t, filepath.Join(processed, "a.pdf"))
	assert.FileExists(t, filepath.Join(processed, "b.pdf"))
	assert.NoFileExists(t, filepath.Join(inbox, "a.pdf"))
	assert.FileExists(t, filepath.Join(inbox, "notes.txt"))

	var entries []IngestEntry
	require.NoError(t, pipe.DB.Order("path").Find(&entries).Error)
	require.Len(t, entries, 2)
	assert.Equal(t, journalCreated, entries[0].Outcome)
	assert.Equal(t, journalDuplicate, entries[1].Outcome)
	assert.True(t, entries[0].Disposed)
	require.NotNil(t, entries[0].PartitionID)
	assert.Equal(t, int64(5), *entries[0].PartitionID)
}

func TestRunner_KeptFilesAreNotResubmitted(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "in", "a.pdf"), "alpha")

	remote := newFakeRemote()
	r, err := NewRunner(newTestPipeline(t, remote), RunnerConfig{
		Inputs: []InputSpec{{Glob: filepath.Join(tmp, "in", "*")}},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	lists := remote.lists()

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Created+stats.Duplicates)
	assert.Equal(t, 1, remote.creates())
	assert.Equal(t, lists, remote.lists())
	assert.FileExists(t, filepath.Join(tmp, "in", "a.pdf"))
}

func TestRunner_SkipsEmptyFiles(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "empty.pdf"), "")

	remote := newFakeRemote()
	r, err := NewRunner(newTestPipeline(t, remote), RunnerConfig{
		Inputs: []InputSpec{{Glob: filepath.Join(tmp, "*.pdf")}},
		After:  AfterDelete,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, remote.creates())
	assert.FileExists(t, filepath.Join(tmp, "empty.pdf"))
}

func TestRunner_RejectedFileGoesToErrorDir(t *testing.T) {
	tmp := t.TempDir()
	errDir := filepath.Join(tmp, "errors")
	writeFile(t, filepath.Join(tmp, "in", "bad.pdf"), "rejected")

	remote := newFakeRemote()
	remote.createErr = &HTTPError{StatusCode: http.StatusBadRequest, Message: "invalid document type"}
	r, err := NewRunner(newTestPipeline(t, remote), RunnerConfig{
		Inputs: []InputSpec{{Glob: filepath.Join(tmp, "in", "*.pdf"), ErrorDir: errDir}},
		After:  AfterDelete,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.FileExists(t, filepath.Join(errDir, "bad.pdf"))
}

func TestRunner_TransientFailureLeavesFileForRetry(t *testing.T) {
	tmp := t.TempDir()
	errDir := filepath.Join(tmp, "errors")
	src := filepath.Join(tmp, "in", "later.pdf")
	writeFile(t, src, "retry me")

	remote := newFakeRemote()
	remote.createErr = &HTTPError{StatusCode: http.StatusServiceUnavailable}
	pipe := newTestPipeline(t, remote)
	r, err := NewRunner(pipe, RunnerConfig{
		Inputs: []InputSpec{{Glob: filepath.Join(tmp, "in", "*.pdf"), ErrorDir: errDir}},
		After:  AfterDelete,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.FileExists(t, src)
	assert.NoDirExists(t, errDir)

	remote.mu.Lock()
	remote.createErr = nil
	remote.mu.Unlock()
	stats, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.NoFileExists(t, src)
}

func TestRunner_DoubleStarAndExtensionFilter(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "scans")
	writeFile(t, filepath.Join(root, "a.PDF"), "a")
	writeFile(t, filepath.Join(root, "2026", "03", "b.pdf"), "b")
	writeFile(t, filepath.Join(root, "2026", "c.tmp"), "c")

	remote := newFakeRemote()
	r, err := NewRunner(newTestPipeline(t, remote), RunnerConfig{
		Inputs: []InputSpec{{Glob: filepath.Join(root, "**"), Extensions: []string{"pdf"}}},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 2, remote.count())
}

func TestRunner_SyncsEachPartitionOnce(t *testing.T) {
	tmp := t.TempDir()
	writeFile(t, filepath.Join(tmp, "in", "a.pdf"), "archived before")
	writeFile(t, filepath.Join(tmp, "in", "b.pdf"), "brand new")

	remote := newFakeRemote()
	existing := remote.add(Partition(3), "old.pdf", describedAs(t, "archived before", "old.pdf", ""))
	pipe := newTestPipeline(t, remote)
	r, err := NewRunner(pipe, RunnerConfig{
		Inputs: []InputSpec{{Glob: filepath.Join(tmp, "in", "*.pdf"), Partition: Partition(3)}},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	stats, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Created)

	rec, ok := pipe.Cache.Get(context.Background(), fingerprintOf(t, "archived before"), Partition(3))
	require.True(t, ok)
	assert.Equal(t, existing, rec.DocumentID)
}

func TestNewRunner_Validation(t *testing.T) {
	pipe := newTestPipeline(t, newFakeRemote())

	_, err := NewRunner(pipe, RunnerConfig{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = NewRunner(pipe, RunnerConfig{Inputs: []InputSpec{{Glob: "*.pdf"}}, After: AfterMove})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "directory.processed_dir", ve.Field)

	_, err = NewRunner(pipe, RunnerConfig{Inputs: []InputSpec{{Glob: "*.pdf"}}, After: "archive"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "directory.after", ve.Field)
}

func TestPermanentFailure(t *testing.T) {
	assert.True(t, permanentFailure(&RemoteError{Op: "create", Err: &HTTPError{StatusCode: 400}}))
	assert.True(t, permanentFailure(&ValidationError{Field: "content", Reason: "empty content"}))
	assert.False(t, permanentFailure(&RemoteError{Op: "create", Err: &HTTPError{StatusCode: 429}}))
	assert.False(t, permanentFailure(&RemoteError{Op: "create", Err: &HTTPError{StatusCode: 502}}))
	assert.False(t, permanentFailure(&RemoteError{Op: "create", Err: context.DeadlineExceeded}))
}
