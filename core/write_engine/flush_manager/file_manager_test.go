package flushmanager

import (
	"os"
	"path/filepath"
	"testing"

	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFileManager_AppendReadWrite(t *testing.T) {
	fm, err := NewFileManager(filepath.Join(t.TempDir(), "db"), 64, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, fm.Close()) }()
	require.True(t, fm.IsNew())

	n, err := fm.Size("t.tbl")
	require.NoError(t, err)
	require.Zero(t, n)

	p := pagemanager.NewPage(fm.BlockSize())
	require.NoError(t, p.SetInt(0, 11))
	blk, err := fm.Append("t.tbl", p)
	require.NoError(t, err)
	require.Equal(t, pagemanager.NewBlockID("t.tbl", 0), blk)
	require.NoError(t, p.SetInt(0, 22))
	blk, err = fm.Append("t.tbl", p)
	require.NoError(t, err)
	require.Equal(t, int64(1), blk.Number)

	require.NoError(t, p.SetInt(0, 33))
	require.NoError(t, fm.Write(pagemanager.NewBlockID("t.tbl", 0), p))

	got := pagemanager.NewPage(fm.BlockSize())
	require.NoError(t, fm.Read(pagemanager.NewBlockID("t.tbl", 0), got))
	v, err := got.GetInt(0)
	require.NoError(t, err)
	require.Equal(t, int32(33), v)

	// Blocks past the end read as zeroes.
	require.NoError(t, fm.Read(pagemanager.NewBlockID("t.tbl", 9), got))
	v, err = got.GetInt(0)
	require.NoError(t, err)
	require.Zero(t, v)

	n, err = fm.Size("t.tbl")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestFileManager_ExistingDirRemovesTempFiles(t *testing.T) {
	dir := t.TempDir()
	fm, err := NewFileManager(dir, 64, nil)
	require.NoError(t, err)
	require.True(t, fm.IsNew(), "an empty directory holds a new database")
	require.NoError(t, fm.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.tbl"), make([]byte, 64), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, TempFilePrefix+"sort1"), []byte("x"), 0o644))

	fm, err = NewFileManager(dir, 64, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, fm.Close()) }()
	require.False(t, fm.IsNew())
	_, err = os.Stat(filepath.Join(dir, TempFilePrefix+"sort1"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "kept.tbl"))
	require.NoError(t, err)
}

func TestNewFileManager_RejectsBadBlockSize(t *testing.T) {
	_, err := NewFileManager(t.TempDir(), 0, nil)
	require.Error(t, err)
}
