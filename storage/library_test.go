package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("song.flac"))
	for _, bad := range []string{"", ".", "..", "a/b.flac", `a\b`, ".pmp-upload-1", "x\ny"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
}

func TestWriteAtomicListRemove(t *testing.T) {
	lib, err := NewLibrary(t.TempDir())
	require.NoError(t, err)

	n, err := lib.WriteAtomic("b.flac", strings.NewReader("bbbb"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	_, err = lib.WriteAtomic("a.flac", strings.NewReader("aa"))
	require.NoError(t, err)

	tmp, err := lib.CreateTemp()
	require.NoError(t, err)
	defer lib.Discard(tmp)

	files, err := lib.List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.flac", files[0].Name)
	assert.Equal(t, int64(4), files[1].Size)

	f, err := lib.Open("b.flac")
	require.NoError(t, err)
	body, _ := io.ReadAll(f)
	f.Close()
	assert.Equal(t, "bbbb", string(body))

	require.NoError(t, lib.Remove("a.flac"))
	assert.ErrorIs(t, lib.Remove("a.flac"), ErrNotExist)
	_, err = lib.Stat("a.flac")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestNewLibraryCleansStaleTemps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".pmp-upload-123")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))

	_, err := NewLibrary(dir)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 MB", FormatSize(2*1024*1024))
}

func readAll(t *testing.T, lib *Library, name string) string {
	t.Helper()
	f, err := lib.Open(name)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(b)
}

func TestStashRestoreAndDrop(t *testing.T) {
	lib, err := NewLibrary(t.TempDir())
	require.NoError(t, err)
	_, err = lib.WriteAtomic("song.flac", strings.NewReader("old"))
	require.NoError(t, err)

	s, err := lib.Stash("song.flac")
	require.NoError(t, err)
	_, err = lib.Stat("song.flac")
	assert.ErrorIs(t, err, ErrNotExist)
	files, err := lib.List()
	require.NoError(t, err)
	assert.Empty(t, files, "stashed files are hidden from listings")

	// 失败的提交已经装上新文件，Restore 覆盖回旧内容
	_, err = lib.WriteAtomic("song.flac", strings.NewReader("new"))
	require.NoError(t, err)
	require.NoError(t, s.Restore())
	assert.Equal(t, "old", readAll(t, lib, "song.flac"))

	s, err = lib.Stash("song.flac")
	require.NoError(t, err)
	require.NoError(t, s.Drop())
	entries, err := os.ReadDir(lib.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = lib.Stash("missing.flac")
	assert.ErrorIs(t, err, ErrNotExist)
	entries, err = os.ReadDir(lib.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
