package transaction

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	return setupManagerIn(t, t.TempDir())
}

func setupManagerIn(t *testing.T, dir string) *Manager {
	t.Helper()
	fm, err := flushmanager.NewFileManager(dir, 400, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fm.Close() })
	lm, err := wal.NewLogManager(fm, "tx_test.log", nil, nil)
	require.NoError(t, err)
	bm := buffer.NewManager(fm, lm, buffer.Config{PoolSize: 8, MaxWait: time.Second, WaitEpsilon: 10 * time.Millisecond, MaxEscapes: 1}, nil, nil)
	locks := concurrency.NewLockTable(concurrency.LockTableConfig{MaxWait: 100 * time.Millisecond, WaitEpsilon: 10 * time.Millisecond}, nil, nil)

	m := NewManager(fm, lm, bm, locks, nil, nil)
	m.AddStartListener(StartListenerFunc(func(tx *Transaction) { tx.AddLifecycleListener(tx.Buffers()) }))
	return m
}

type recordingListener struct {
	name  string
	calls *[]string
	err   error
}

func (r recordingListener) OnTxCommit(int64) error {
	*r.calls = append(*r.calls, r.name+":commit")
	return r.err
}

func (r recordingListener) OnTxRollback(int64) error {
	*r.calls = append(*r.calls, r.name+":rollback")
	return r.err
}

func (r recordingListener) OnTxEndStatement(int64) error {
	*r.calls = append(*r.calls, r.name+":statement")
	return nil
}

func TestManager_NumbersAscend(t *testing.T) {
	m := setupManager(t)

	tx0, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	tx1, err := m.Begin(RepeatableRead, true)
	require.NoError(t, err)

	require.Equal(t, int64(0), tx0.Num())
	require.Equal(t, int64(1), tx1.Num())
	require.Equal(t, RepeatableRead, tx1.Isolation())
	require.Equal(t, RepeatableRead, tx1.Concurrency().Isolation())
	require.True(t, tx1.ReadOnly())
	require.Equal(t, 2, m.ActiveCount())

	require.NoError(t, tx0.Commit())
	require.NoError(t, tx1.Rollback())
	require.Equal(t, 0, m.ActiveCount())
}

func TestTransaction_FinishedTransactionRejectsEnd(t *testing.T) {
	m := setupManager(t)
	tx, err := m.Begin(Serializable, false)
	require.NoError(t, err)

	require.NoError(t, tx.Commit())
	require.Equal(t, TxnStateCommitted, tx.State())
	require.ErrorIs(t, tx.Commit(), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, tx.Rollback(), flushmanager.ErrTxnInvalidState)
	require.ErrorIs(t, tx.EndStatement(), flushmanager.ErrTxnInvalidState)
}

func TestTransaction_ListenersRunInOrderAndErrorsCombine(t *testing.T) {
	m := setupManager(t)
	tx, err := m.Begin(Serializable, false)
	require.NoError(t, err)

	var calls []string
	errFirst := errors.New("first")
	errSecond := errors.New("second")
	tx.AddLifecycleListener(recordingListener{name: "a", calls: &calls, err: errFirst})
	tx.AddLifecycleListener(recordingListener{name: "b", calls: &calls, err: errSecond})

	require.NoError(t, tx.EndStatement())
	err = tx.Rollback()
	require.ErrorIs(t, err, errFirst)
	require.ErrorIs(t, err, errSecond)
	require.Equal(t, []string{"a:statement", "b:statement", "a:rollback", "b:rollback"}, calls)
	require.Equal(t, TxnStateAborted, tx.State())
}

func TestTransaction_CommitReleasesLocksAndBuffers(t *testing.T) {
	m := setupManager(t)
	blk := pagemanager.NewBlockID("data.tbl", 0)

	tx, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	require.NoError(t, tx.Concurrency().XLockBlock(blk))
	buf, err := tx.Buffers().Pin(blk, tx.Num())
	require.NoError(t, err)
	lsn, err := tx.Recovery().SetVal(buf, 0, types.IntegerConstant(11))
	require.NoError(t, err)
	require.NoError(t, buf.SetVal(0, types.IntegerConstant(11), tx.Num(), lsn))
	require.Equal(t, 1, tx.Buffers().PinnedBy(tx.Num()))

	require.NoError(t, tx.Commit())
	require.Equal(t, 0, m.bufs.PinnedBy(tx.Num()))

	// a second writer is not blocked by the finished one
	tx2, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	require.NoError(t, tx2.Concurrency().XLockBlock(blk))
	require.NoError(t, tx2.Rollback())
}

func TestTransaction_RollbackUndoesWrites(t *testing.T) {
	m := setupManager(t)
	blk := pagemanager.NewBlockID("data.tbl", 0)

	write := func(tx *Transaction, v int32) {
		buf, err := tx.Buffers().Pin(blk, tx.Num())
		require.NoError(t, err)
		lsn, err := tx.Recovery().SetVal(buf, 4, types.IntegerConstant(v))
		require.NoError(t, err)
		require.NoError(t, buf.SetVal(4, types.IntegerConstant(v), tx.Num(), lsn))
	}

	tx1, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	write(tx1, 1)
	require.NoError(t, tx1.Commit())

	tx2, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	write(tx2, 2)
	require.NoError(t, tx2.Rollback())

	tx3, err := m.Begin(Serializable, true)
	require.NoError(t, err)
	buf, err := tx3.Buffers().Pin(blk, tx3.Num())
	require.NoError(t, err)
	v, err := buf.GetVal(4, types.Integer)
	require.NoError(t, err)
	require.Equal(t, types.IntegerConstant(1), v)
	require.NoError(t, tx3.Commit())
}

func TestTransaction_FailedCommitRollsBack(t *testing.T) {
	dir := t.TempDir()
	m := setupManagerIn(t, dir)
	blk := pagemanager.NewBlockID("data.tbl", 0)

	write := func(tx *Transaction, v int32) {
		require.NoError(t, tx.Concurrency().XLockBlock(blk))
		buf, err := tx.Buffers().Pin(blk, tx.Num())
		require.NoError(t, err)
		lsn, err := tx.Recovery().SetVal(buf, 4, types.IntegerConstant(v))
		require.NoError(t, err)
		require.NoError(t, buf.SetVal(4, types.IntegerConstant(v), tx.Num(), lsn))
	}

	tx1, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	write(tx1, 1)
	require.NoError(t, tx1.Commit())

	tx2, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	write(tx2, 2)

	// a directory in place of the data file makes every page write fail
	require.NoError(t, m.fm.Close())
	path := filepath.Join(dir, "data.tbl")
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	err = tx2.Commit()
	require.ErrorIs(t, err, flushmanager.ErrIO)
	require.Equal(t, TxnStateAborted, tx2.State())
	require.ErrorIs(t, tx2.Rollback(), flushmanager.ErrTxnInvalidState)
	require.Equal(t, 0, m.bufs.PinnedBy(tx2.Num()))
	require.Equal(t, 0, m.ActiveCount())

	require.NoError(t, os.Remove(path))

	// the lock is free and the page holds the last committed value
	tx3, err := m.Begin(Serializable, false)
	require.NoError(t, err)
	require.NoError(t, tx3.Concurrency().XLockBlock(blk))
	buf, err := tx3.Buffers().Pin(blk, tx3.Num())
	require.NoError(t, err)
	v, err := buf.GetVal(4, types.Integer)
	require.NoError(t, err)
	require.Equal(t, types.IntegerConstant(1), v)
	require.NoError(t, tx3.Rollback())
}

func TestTransaction_ReadOnlyRejectsWrites(t *testing.T) {
	m := setupManager(t)
	tx, err := m.Begin(Serializable, true)
	require.NoError(t, err)

	require.ErrorIs(t, tx.CheckWritable("data.tbl"), flushmanager.ErrUnsupportedOperation)
	require.NoError(t, tx.CheckWritable(flushmanager.TempFilePrefix+"scratch.tbl"))
	require.NoError(t, tx.Commit())
}
