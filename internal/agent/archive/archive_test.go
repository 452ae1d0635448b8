package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/pkg/filetransfer"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0644))
	}
}

var jobFiles = []string{
	"run",
	"stdout",
	"stderr",
	"query.sql",
	"kestrel/logs/agent.log",
	"kestrel/command/cmd-1/config/cmd.conf",
	"kestrel/command/cmd-1/dependencies/tool.jar",
	"kestrel/applications/app-1/dependencies/nested/lib.so",
	"kestrel/cluster/c-1/dependencies/hadoop.tgz",
}

func TestFilesExcludesDependencies(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, jobFiles...)

	a, err := New(nil, nil, nil)
	require.NoError(t, err)
	files, err := a.Files(dir)
	require.NoError(t, err)
	sort.Strings(files)
	assert.Equal(t, []string{
		"kestrel/command/cmd-1/config/cmd.conf",
		"kestrel/logs/agent.log",
		"query.sql",
		"run",
		"stderr",
		"stdout",
	}, files)
}

func TestArchiveToLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, jobFiles...)
	dest := t.TempDir()

	a, err := New(filetransfer.NewRegistry(filetransfer.Local{}), []string{"**/*.log", "kestrel/*/*/dependencies/**"}, nil)
	require.NoError(t, err)

	n, err := a.Archive(context.Background(), dir, "file://"+dest+"/job-1/")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	data, err := os.ReadFile(filepath.Join(dest, "job-1", "kestrel", "command", "cmd-1", "config", "cmd.conf"))
	require.NoError(t, err)
	assert.Equal(t, "kestrel/command/cmd-1/config/cmd.conf", string(data))
	assert.NoFileExists(t, filepath.Join(dest, "job-1", "kestrel", "logs", "agent.log"))
}

func TestArchiveWithoutLocation(t *testing.T) {
	a, err := New(nil, nil, nil)
	require.NoError(t, err)
	n, err := a.Archive(context.Background(), t.TempDir(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingUploader struct{ after, calls int }

func (f *failingUploader) Put(context.Context, string, string) error {
	f.calls++
	if f.calls > f.after {
		return errors.New("bucket unavailable")
	}
	return nil
}

func TestArchiveUploadFailure(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, "a", "b", "c")
	a, err := New(&failingUploader{after: 1}, nil, nil)
	require.NoError(t, err)

	n, err := a.Archive(context.Background(), dir, "s3://bucket/job-1")
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestInvalidExclude(t *testing.T) {
	_, err := New(nil, []string{"[broken"}, nil)
	assert.Error(t, err)
}
