package catalog

import (
	"testing"
	"time"

	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTxManager(t *testing.T) *transaction.Manager {
	t.Helper()
	fm, err := flushmanager.NewFileManager(t.TempDir(), 1024, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fm.Close() })
	lm, err := wal.NewLogManager(fm, "catalog_test.log", nil, nil)
	require.NoError(t, err)
	bm := buffer.NewManager(fm, lm, buffer.Config{PoolSize: 16, MaxWait: time.Second, WaitEpsilon: 10 * time.Millisecond, MaxEscapes: 1}, nil, nil)
	locks := concurrency.NewLockTable(concurrency.LockTableConfig{MaxWait: 200 * time.Millisecond, WaitEpsilon: 10 * time.Millisecond}, nil, nil)

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

// setupCatalog bootstraps the catalog tables in a committed transaction.
func setupCatalog(t *testing.T, m *transaction.Manager) *Catalog {
	t.Helper()
	tx := begin(t, m)
	c, err := New(DefaultConfig(), true, tx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	t.Cleanup(c.Close)
	return c
}

// reopen returns a catalog over the same files with an empty cache.
func reopen(t *testing.T, m *transaction.Manager) *Catalog {
	t.Helper()
	tx := begin(t, m)
	c, err := New(DefaultConfig(), false, tx, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	t.Cleanup(c.Close)
	return c
}

func studentSchema() *types.Schema {
	return types.NewSchema().
		AddField("sid", types.Integer).
		AddField("sname", types.Varchar(10)).
		AddField("gpa", types.Double)
}

func TestCatalog_TableLayoutSurvivesReopen(t *testing.T) {
	m := setupTxManager(t)
	c := setupCatalog(t, m)

	tx := begin(t, m)
	require.NoError(t, c.CreateTable("student", studentSchema(), tx))
	require.NoError(t, tx.Commit())

	tx = begin(t, m)
	ti, err := reopen(t, m).TableInfo("student", tx)
	require.NoError(t, err)
	want := studentSchema()
	require.Equal(t, want.Fields(), ti.Schema().Fields())
	for _, fld := range want.Fields() {
		wt, _ := want.Type(fld)
		got, ok := ti.Schema().Type(fld)
		require.True(t, ok)
		require.Equal(t, wt, got, fld)
	}
	require.Equal(t, 8+4+44, ti.RecordSize())
	off, _ := ti.Offset("sname")
	require.Equal(t, 12, off)
	require.Equal(t, "student.tbl", ti.FileName())

	cat, err := c.TableInfo(TableCatalog, tx)
	require.NoError(t, err)
	require.True(t, cat.Schema().HasField(fieldRecordSize))
	require.NoError(t, tx.Commit())
}

func TestCatalog_Errors(t *testing.T) {
	m := setupTxManager(t)
	c := setupCatalog(t, m)
	tx := begin(t, m)
	defer func() { require.NoError(t, tx.Commit()) }()

	_, err := c.TableInfo("nope", tx)
	require.ErrorIs(t, err, flushmanager.ErrTableNotFound)

	require.ErrorIs(t, c.CreateTable("a_name_longer_than_16", studentSchema(), tx), flushmanager.ErrNameTooLong)

	require.NoError(t, c.CreateTable("student", studentSchema(), tx))
	require.ErrorIs(t, c.CreateTable("student", studentSchema(), tx), ErrTableExists)

	require.ErrorIs(t, c.CreateIndex("idx", "nope", "sid", indexing.BTree, tx), flushmanager.ErrTableNotFound)
	require.Error(t, c.CreateIndex("idx", "student", "missing", indexing.BTree, tx))
}

func TestCatalog_RollbackForgetsCreatedTable(t *testing.T) {
	m := setupTxManager(t)
	c := setupCatalog(t, m)

	tx := begin(t, m)
	require.NoError(t, c.CreateTable("enroll", studentSchema(), tx))
	_, err := c.TableInfo("enroll", tx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	c.tables.Wait()

	tx = begin(t, m)
	_, err = c.TableInfo("enroll", tx)
	require.ErrorIs(t, err, flushmanager.ErrTableNotFound)
	require.NoError(t, tx.Commit())
}

func TestCatalog_TableInfoIsCachedOnFirstLookup(t *testing.T) {
	m := setupTxManager(t)
	c := setupCatalog(t, m)

	tx := begin(t, m)
	require.NoError(t, c.CreateTable("enroll", studentSchema(), tx))
	ti, err := c.TableInfo("enroll", tx)
	require.NoError(t, err)

	cached, ok := c.tables.Get("enroll")
	require.True(t, ok)
	require.Same(t, ti, cached)

	again, err := c.TableInfo("enroll", tx)
	require.NoError(t, err)
	require.Same(t, ti, again)
	require.NoError(t, tx.Commit())
}

func TestCatalog_IndexesOpenAndSearch(t *testing.T) {
	m := setupTxManager(t)
	c := setupCatalog(t, m)

	tx := begin(t, m)
	require.NoError(t, c.CreateTable("student", studentSchema(), tx))
	require.NoError(t, c.CreateIndex("idx_sid", "student", "sid", indexing.BTree, tx))
	require.NoError(t, c.CreateIndex("idx_sname", "student", "sname", indexing.Hash, tx))
	require.NoError(t, tx.Commit())

	tx = begin(t, m)
	infos, err := reopen(t, m).IndexInfo("student", tx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Len(t, infos["sid"], 1)
	require.Equal(t, indexing.BTree, infos["sid"][0].Type())
	require.Equal(t, "idx_sname", infos["sname"][0].Name())
	require.Equal(t, indexing.Hash, infos["sname"][0].Type())

	rid := pagemanager.NewRecordID(pagemanager.NewBlockID("student.tbl", 0), 3)
	for fld, key := range map[string]types.Constant{"sid": types.IntegerConstant(7), "sname": types.VarcharConstant("ada")} {
		idx, err := infos[fld][0].Open(tx)
		require.NoError(t, err)
		require.NoError(t, idx.Insert(key, rid))
		require.NoError(t, idx.BeforeFirst(types.NewEqualityRange(key)))
		ok, err := idx.Next()
		require.NoError(t, err)
		require.True(t, ok, fld)
		got, err := idx.DataRecordID()
		require.NoError(t, err)
		require.Equal(t, rid, got)
		idx.Close()
	}
	require.NoError(t, tx.Commit())

	require.Positive(t, infos["sid"][0].SearchCost(100_000, 10, 1024))
}
