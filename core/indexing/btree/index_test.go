package btree

import (
	"errors"
	"testing"
	"time"

	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const dataFile = "student.tbl"

func setupTxManager(t *testing.T) *transaction.Manager {
	t.Helper()
	fm, err := flushmanager.NewFileManager(t.TempDir(), 256, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fm.Close() })
	lm, err := wal.NewLogManager(fm, "btree_test.log", nil, nil)
	require.NoError(t, err)
	bm := buffer.NewManager(fm, lm, buffer.Config{PoolSize: 32, MaxWait: time.Second, WaitEpsilon: 10 * time.Millisecond, MaxEscapes: 1}, nil, nil)
	locks := concurrency.NewLockTable(concurrency.LockTableConfig{MaxWait: 300 * time.Millisecond, WaitEpsilon: 10 * time.Millisecond}, nil, nil)

	m := transaction.NewManager(fm, lm, bm, locks, nil, nil)
	m.AddStartListener(transaction.StartListenerFunc(func(tx *transaction.Transaction) {
		tx.AddLifecycleListener(tx.Buffers())
	}))
	return m
}

func begin(t *testing.T, m *transaction.Manager) *transaction.Transaction {
	t.Helper()
	tx, err := m.Begin(transaction.Serializable, false)
	require.NoError(t, err)
	return tx
}

func openIndex(t *testing.T, tx *transaction.Transaction) *Index {
	t.Helper()
	idx, err := New(dataFile, "idx_sid", types.Integer, tx)
	require.NoError(t, err)
	return idx
}

func rid(n int) pagemanager.RecordID {
	return pagemanager.NewRecordID(pagemanager.NewBlockID(dataFile, int64(n/10)), int32(n%10))
}

func insertKey(t *testing.T, idx *Index, key, n int) {
	t.Helper()
	require.NoError(t, idx.Insert(types.IntegerConstant(key), rid(n)))
}

func collect(t *testing.T, idx *Index, rng types.Range) []pagemanager.RecordID {
	t.Helper()
	require.NoError(t, idx.BeforeFirst(rng))
	defer idx.Close()
	var rids []pagemanager.RecordID
	for {
		ok, err := idx.Next()
		require.NoError(t, err)
		if !ok {
			return rids
		}
		r, err := idx.DataRecordID()
		require.NoError(t, err)
		rids = append(rids, r)
	}
}

func keyRange(k int) types.Range { return types.NewEqualityRange(types.IntegerConstant(k)) }

func TestIndex_DuplicateKeysThenDelete(t *testing.T) {
	m := setupTxManager(t)
	tx := begin(t, m)
	idx := openIndex(t, tx)

	for i := 0; i < 10; i++ {
		insertKey(t, idx, 5, i)
	}
	insertKey(t, idx, 7, 10)

	require.Len(t, collect(t, idx, keyRange(5)), 10)
	require.Equal(t, []pagemanager.RecordID{rid(10)}, collect(t, idx, keyRange(7)))

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Delete(types.IntegerConstant(5), rid(i)))
	}
	require.Empty(t, collect(t, idx, keyRange(5)))
	require.Len(t, collect(t, idx, keyRange(7)), 1)
	require.NoError(t, tx.Commit())
}

func TestIndex_SplitsKeepOrder(t *testing.T) {
	m := setupTxManager(t)
	tx := begin(t, m)
	idx := openIndex(t, tx)

	const n = 600
	for i := 0; i < n; i++ {
		k := (i * 7919) % n
		insertKey(t, idx, k, k)
	}
	require.NoError(t, tx.Commit())

	tx = begin(t, m)
	idx = openIndex(t, tx)
	all := collect(t, idx, types.FullRange())
	require.Len(t, all, n)
	for i, r := range all {
		require.Equal(t, rid(i), r)
	}

	for _, k := range []int{0, 1, 299, 599} {
		require.Equal(t, []pagemanager.RecordID{rid(k)}, collect(t, idx, keyRange(k)), "key %d", k)
	}
	require.Empty(t, collect(t, idx, keyRange(n)))

	between := types.NewRange(types.IntegerConstant(100), true, types.IntegerConstant(200), false)
	got := collect(t, idx, between)
	require.Len(t, got, 100)
	require.Equal(t, rid(100), got[0])
	require.Equal(t, rid(199), got[99])

	root, err := openPage(idx.rootBlk, dirNumFlags, idx.dirTI, tx)
	require.NoError(t, err)
	lvl, err := level(root)
	root.close()
	require.NoError(t, err)
	require.Positive(t, lvl)
	require.NoError(t, tx.Commit())
}

func TestIndex_OverflowChains(t *testing.T) {
	m := setupTxManager(t)
	tx := begin(t, m)
	idx := openIndex(t, tx)

	const dups = 60
	for i := 0; i < dups; i++ {
		insertKey(t, idx, 5, i)
	}
	// 3 sorts before the chain head and moves the whole chain to a new page
	insertKey(t, idx, 3, 100)
	insertKey(t, idx, 9, 101)

	require.Len(t, collect(t, idx, keyRange(5)), dups)
	require.Equal(t, []pagemanager.RecordID{rid(100)}, collect(t, idx, keyRange(3)))
	require.Equal(t, []pagemanager.RecordID{rid(101)}, collect(t, idx, keyRange(9)))

	all := collect(t, idx, types.FullRange())
	require.Len(t, all, dups+2)
	require.Equal(t, rid(100), all[0])
	require.Equal(t, rid(101), all[len(all)-1])

	for i := 0; i < dups; i += 2 {
		require.NoError(t, idx.Delete(types.IntegerConstant(5), rid(i)))
	}
	left := collect(t, idx, keyRange(5))
	require.Len(t, left, dups/2)
	for _, r := range left {
		require.Equal(t, int32(1), r.Slot%2)
	}
	for i := 1; i < dups; i += 2 {
		require.NoError(t, idx.Delete(types.IntegerConstant(5), rid(i)))
	}
	require.Empty(t, collect(t, idx, keyRange(5)))
	require.Len(t, collect(t, idx, types.FullRange()), 2)
	require.NoError(t, tx.Commit())
}

func TestIndex_RollbackUndoesInserts(t *testing.T) {
	m := setupTxManager(t)
	tx := begin(t, m)
	openIndex(t, tx)
	require.NoError(t, tx.Commit())

	tx = begin(t, m)
	idx := openIndex(t, tx)
	for i := 0; i < 100; i++ {
		insertKey(t, idx, i, i)
	}
	idx.Close()
	require.NoError(t, tx.Rollback())

	tx = begin(t, m)
	idx = openIndex(t, tx)
	require.Empty(t, collect(t, idx, types.FullRange()))
	require.NoError(t, tx.Commit())
}

func TestIndex_ReadOnlyTransactionCannotInsert(t *testing.T) {
	m := setupTxManager(t)
	tx := begin(t, m)
	openIndex(t, tx)
	require.NoError(t, tx.Commit())

	ro, err := m.Begin(transaction.Serializable, true)
	require.NoError(t, err)
	idx := openIndex(t, ro)
	require.ErrorIs(t, idx.Insert(types.IntegerConstant(1), rid(1)), flushmanager.ErrUnsupportedOperation)
	require.NoError(t, ro.Commit())
}

func TestIndex_ConcurrentInserts(t *testing.T) {
	m := setupTxManager(t)
	tx := begin(t, m)
	openIndex(t, tx)
	require.NoError(t, tx.Commit())

	const workers, perWorker = 4, 40
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := w*perWorker + i
				if err := insertWithRetry(m, k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	tx = begin(t, m)
	idx := openIndex(t, tx)
	all := collect(t, idx, types.FullRange())
	require.Len(t, all, workers*perWorker)
	for i, r := range all {
		require.Equal(t, rid(i), r)
	}
	require.NoError(t, tx.Commit())
}

func insertWithRetry(m *transaction.Manager, k int) error {
	for {
		tx, err := m.Begin(transaction.Serializable, false)
		if err != nil {
			return err
		}
		idx, err := New(dataFile, "idx_sid", types.Integer, tx)
		if err == nil {
			err = idx.Insert(types.IntegerConstant(k), rid(k))
			idx.Close()
		}
		if err == nil {
			return tx.Commit()
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			return rbErr
		}
		if !errors.Is(err, flushmanager.ErrLockAbort) {
			return err
		}
	}
}

func TestSearchCost(t *testing.T) {
	require.Equal(t, int64(1), SearchCost(types.Integer, 10, 1, 4096))
	require.Greater(t, SearchCost(types.Integer, 1_000_000, 10, 4096), SearchCost(types.Integer, 1000, 10, 4096))
	require.Equal(t, int64(0), SearchCost(types.Integer, 0, 0, 4096))
}
