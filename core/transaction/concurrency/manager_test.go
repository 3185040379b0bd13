package concurrency

import (
	"testing"
	"time"

	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
)

func TestSerializable_ReaderBlocksFileWriter(t *testing.T) {
	lt := setupLockTable(t, 80*time.Millisecond)
	t1, err := New(Serializable, 1, lt)
	require.NoError(t, err)
	t2, err := New(Serializable, 2, lt)
	require.NoError(t, err)

	require.NoError(t, t1.RangeLock("F"))
	require.ErrorIs(t, t2.XLockFile("F"), flushmanager.ErrLockAbort)

	done := make(chan error, 1)
	go func() { done <- t2.XLockFile("F") }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, t1.OnTxCommit(1))
	require.NoError(t, <-done)
}

func TestSerializable_HoldsIntentionLocks(t *testing.T) {
	lt := setupLockTable(t, 20*time.Millisecond)
	cm, err := New(Serializable, 1, lt)
	require.NoError(t, err)

	rid := pagemanager.NewRecordID(pagemanager.NewBlockID("t.tbl", 2), 4)
	require.NoError(t, cm.SLockRecord(rid))
	require.True(t, lt.Holds("t.tbl", 1, LockIS))
	require.True(t, lt.Holds(rid.Block, 1, LockIS))
	require.True(t, lt.Holds(rid, 1, LockS))

	require.NoError(t, cm.XLockRecord(rid))
	require.True(t, lt.Holds(rid, 1, LockX))

	require.NoError(t, cm.OnTxEndStatement(1))
	require.True(t, lt.Holds(rid, 1, LockS))

	require.NoError(t, cm.OnTxRollback(1))
	require.Equal(t, 0, lt.Size())
}

func TestRepeatableRead_DropsIntentionAndStatementLocks(t *testing.T) {
	lt := setupLockTable(t, 20*time.Millisecond)
	cm, err := New(RepeatableRead, 1, lt)
	require.NoError(t, err)
	require.Equal(t, RepeatableRead, cm.Isolation())

	blk := pagemanager.NewBlockID("t.tbl", 0)
	rid := pagemanager.NewRecordID(blk, 1)
	require.NoError(t, cm.SLockRecord(rid))
	require.False(t, lt.Holds("t.tbl", 1, LockIS))
	require.False(t, lt.Holds(blk, 1, LockIS))
	require.True(t, lt.Holds(rid, 1, LockS))

	require.NoError(t, cm.RangeLock("t.tbl"))
	require.False(t, lt.Holds("t.tbl", 1, LockS))

	other := pagemanager.NewRecordID(blk, 2)
	require.NoError(t, cm.XLockRecord(other))

	require.NoError(t, cm.OnTxEndStatement(1))
	require.False(t, lt.Holds(rid, 1, LockS))
	require.True(t, lt.Holds(other, 1, LockX))

	require.NoError(t, cm.OnTxCommit(1))
	require.Equal(t, 0, lt.Size())
}

func TestIndexLatches_ModifiedBlocksStayLatched(t *testing.T) {
	lt := setupLockTable(t, 20*time.Millisecond)
	cm, err := New(Serializable, 1, lt)
	require.NoError(t, err)

	root := pagemanager.NewBlockID("idxdir.tbl", 0)
	child := pagemanager.NewBlockID("idxdir.tbl", 1)
	leaf := pagemanager.NewBlockID("idxleaf.tbl", 0)

	require.NoError(t, cm.SLockIndexBlock(leaf))
	cm.ReleaseIndexBlocks(leaf)
	require.False(t, lt.Holds(leaf, 1, LockS))

	require.NoError(t, cm.XLockIndexBlock(root))
	require.NoError(t, cm.XLockIndexBlock(child))
	require.NoError(t, cm.ModifyIndexBlock(child))

	cm.ReleaseIndexXBlocks(root, child)
	require.False(t, lt.Holds(root, 1, LockX))
	require.True(t, lt.Holds(child, 1, LockX))

	require.NoError(t, cm.OnTxCommit(1))
	require.False(t, lt.Holds(child, 1, LockX))
}

func TestParseIsolationLevel(t *testing.T) {
	level, err := ParseIsolationLevel("repeatable_read")
	require.NoError(t, err)
	require.Equal(t, RepeatableRead, level)

	level, err = ParseIsolationLevel(Serializable.String())
	require.NoError(t, err)
	require.Equal(t, Serializable, level)

	_, err = ParseIsolationLevel("read_committed")
	require.Error(t, err)
}
