package torrent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResumeStoreWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	rs := NewResumeStore(dest, "file.bin", "deadbeef")

	want := []bool{true, false, true, true, false}
	require.NoError(t, rs.Write(want))

	got, err := rs.Read()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestResumeStorePathFormat(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	rs := NewResumeStore(dest, "file.bin", "deadbeef")
	require.Equal(t, filepath.Join(dir, ".torrentinno_save-file_file.bin_deadbeef"), rs.Path())
}

func TestResumeStoreReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	rs := NewResumeStore(dest, "file.bin", "deadbeef")

	_, err := rs.Read()
	require.True(t, os.IsNotExist(err))
}

func TestResumeStoreRemoveIdempotent(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	rs := NewResumeStore(dest, "file.bin", "deadbeef")

	require.NoError(t, rs.Remove())
	require.NoError(t, rs.Write([]bool{true}))
	require.NoError(t, rs.Remove())
	require.NoError(t, rs.Remove())

	_, err := os.Stat(rs.Path())
	require.True(t, os.IsNotExist(err))
}
