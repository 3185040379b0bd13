package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sushant-115/gojokernel/config"
	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.BlockSize = 1024
	cfg.Buffer.PoolSize = 32
	cfg.Buffer.MaxWait = time.Second
	cfg.Lock.MaxWait = 500 * time.Millisecond
	return cfg
}

func setupDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(testConfig(dir), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return db
}

func accountSchema() *types.Schema {
	return types.NewSchema().
		AddField("id", types.Integer).
		AddField("owner", types.Varchar(12)).
		AddField("balance", types.BigInt)
}

func createAccounts(t *testing.T, db *DB) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), func(tx *transaction.Transaction) error {
		if err := db.Catalog().CreateTable("account", accountSchema(), tx); err != nil {
			return err
		}
		return db.Catalog().CreateIndex("idx_acc_id", "account", "id", indexing.BTree, tx)
	}))
}

func insertAccount(ctx context.Context, db *DB, tx *transaction.Transaction, id int32, balance int64) error {
	ti, err := db.Catalog().TableInfo("account", tx)
	if err != nil {
		return err
	}
	rf := ti.Open(tx)
	defer rf.Close()
	if err := rf.Insert(); err != nil {
		return err
	}
	if err := rf.SetVal("id", types.IntegerConstant(id)); err != nil {
		return err
	}
	if err := rf.SetVal("owner", types.VarcharConstant(fmt.Sprintf("owner%d", id))); err != nil {
		return err
	}
	if err := rf.SetVal("balance", types.BigIntConstant(balance)); err != nil {
		return err
	}
	idx, err := db.OpenIndex(tx, "account", "id")
	if err != nil {
		return err
	}
	defer idx.Close()
	return idx.Insert(ctx, types.IntegerConstant(id), rf.CurrentRecordID())
}

// balanceOf looks an account up through its index.
func balanceOf(t *testing.T, db *DB, tx *transaction.Transaction, id int32) (int64, bool) {
	t.Helper()
	idx, err := db.OpenIndex(tx, "account", "id")
	require.NoError(t, err)
	defer idx.Close()
	rids, err := idx.Search(context.Background(), types.NewEqualityRange(types.IntegerConstant(id)), 0)
	require.NoError(t, err)
	if len(rids) == 0 {
		return 0, false
	}
	require.Len(t, rids, 1)

	ti, err := db.Catalog().TableInfo("account", tx)
	require.NoError(t, err)
	rf := ti.Open(tx)
	defer rf.Close()
	require.NoError(t, rf.MoveToRecordID(rids[0]))
	v, err := rf.GetVal("balance")
	require.NoError(t, err)
	return int64(v.(types.BigIntConstant)), true
}

func countRecords(t *testing.T, tx *transaction.Transaction, ti *record.TableInfo) int {
	t.Helper()
	rf := ti.Open(tx)
	defer rf.Close()
	n := 0
	for {
		ok, err := rf.Next()
		require.NoError(t, err)
		if !ok {
			return n
		}
		n++
	}
}

func TestDB_DataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db := setupDB(t, dir)
	createAccounts(t, db)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *transaction.Transaction) error {
		for i := int32(1); i <= 50; i++ {
			if err := insertAccount(ctx, db, tx, i, int64(i)*100); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Close())

	db = setupDB(t, dir)
	defer func() { require.NoError(t, db.Close()) }()
	require.NoError(t, db.View(ctx, func(tx *transaction.Transaction) error {
		ti, err := db.Catalog().TableInfo("account", tx)
		require.NoError(t, err)
		require.Equal(t, 50, countRecords(t, tx, ti))
		bal, ok := balanceOf(t, db, tx, 42)
		require.True(t, ok)
		require.Equal(t, int64(4200), bal)
		return nil
	}))
}

func TestDB_RecoveryUndoesUncommittedWork(t *testing.T) {
	dir := t.TempDir()
	db := setupDB(t, dir)
	createAccounts(t, db)
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx *transaction.Transaction) error {
		return insertAccount(ctx, db, tx, 1, 100)
	}))

	tx, err := db.Begin(false)
	require.NoError(t, err)
	require.NoError(t, insertAccount(ctx, db, tx, 2, 200))
	// the uncommitted insert reaches disk, then the process dies
	require.NoError(t, db.bufs.FlushDirty())
	require.NoError(t, db.fm.Close())

	db = setupDB(t, dir)
	defer func() { require.NoError(t, db.Close()) }()
	require.NoError(t, db.View(ctx, func(tx *transaction.Transaction) error {
		ti, err := db.Catalog().TableInfo("account", tx)
		require.NoError(t, err)
		require.Equal(t, 1, countRecords(t, tx, ti))
		_, ok := balanceOf(t, db, tx, 2)
		require.False(t, ok)
		bal, ok := balanceOf(t, db, tx, 1)
		require.True(t, ok)
		require.Equal(t, int64(100), bal)
		return nil
	}))
}

func TestDB_UpdateRollsBackOnError(t *testing.T) {
	db := setupDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()
	createAccounts(t, db)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *transaction.Transaction) error {
		if err := insertAccount(ctx, db, tx, 7, 700); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, db.Transactions().ActiveCount())

	require.NoError(t, db.View(ctx, func(tx *transaction.Transaction) error {
		_, ok := balanceOf(t, db, tx, 7)
		require.False(t, ok)
		return nil
	}))
}

func TestDB_ViewIsReadOnly(t *testing.T) {
	db := setupDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()
	createAccounts(t, db)
	ctx := context.Background()

	err := db.View(ctx, func(tx *transaction.Transaction) error {
		return insertAccount(ctx, db, tx, 1, 1)
	})
	require.ErrorIs(t, err, flushmanager.ErrUnsupportedOperation)
}

func TestDB_CheckpointNeedsQuiescence(t *testing.T) {
	db := setupDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()

	tx, err := db.Begin(false)
	require.NoError(t, err)
	require.ErrorIs(t, db.Checkpoint(), ErrActiveTransactions)
	require.NoError(t, tx.Commit())
	require.NoError(t, db.Checkpoint())
}

func TestDB_MissingIndex(t *testing.T) {
	db := setupDB(t, t.TempDir())
	defer func() { require.NoError(t, db.Close()) }()
	createAccounts(t, db)

	require.NoError(t, db.View(context.Background(), func(tx *transaction.Transaction) error {
		_, err := db.OpenIndex(tx, "account", "owner")
		require.ErrorIs(t, err, flushmanager.ErrIndexNotFound)
		return nil
	}))
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.BlockSize = 0
	_, err := Open(cfg, nil, nil)
	require.Error(t, err)
}
