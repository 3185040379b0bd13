// Package engine wires the storage kernel together: files, log, buffers,
// locks, transactions and the catalog. A DB owns every component it builds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojokernel/config"
	"github.com/sushant-115/gojokernel/core/catalog"
	"github.com/sushant-115/gojokernel/core/indexmanager"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/transaction/recovery"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"github.com/sushant-115/gojokernel/pkg/logger"
	"github.com/sushant-115/gojokernel/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrActiveTransactions is returned by Checkpoint while transactions run.
var ErrActiveTransactions = errors.New("checkpoint requires no active transactions")

type DB struct {
	id  uuid.UUID
	cfg config.Config

	fm      *flushmanager.FileManager
	lm      *wal.LogManager
	bufs    *buffer.Manager
	locks   *concurrency.LockTable
	txs     *transaction.Manager
	catalog *catalog.Catalog

	// mu keeps new transactions out while a checkpoint runs.
	mu     sync.Mutex
	closed bool

	tel     *telemetry.Telemetry
	metrics *internaltelemetry.KernelMetrics
	logger  *zap.Logger
}

// Open boots the kernel over cfg.DataDir. An existing database is
// recovered before the catalog is opened. base and tel may be nil.
func Open(cfg config.Config, base *zap.Logger, tel *telemetry.Telemetry) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kernel config: %w", err)
	}
	if base == nil {
		base = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewKernelMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create kernel metrics: %w", err)
	}

	db := &DB{
		id:      uuid.New(),
		cfg:     cfg,
		tel:     tel,
		metrics: metrics,
	}
	db.logger = logger.Component(base, "engine").With(zap.Stringer("instance", db.id))

	db.fm, err = flushmanager.NewFileManager(cfg.DataDir, cfg.BlockSize, logger.Component(base, "file"))
	if err != nil {
		return nil, err
	}
	if err := db.boot(base); err != nil {
		return nil, multierr.Append(err, db.fm.Close())
	}
	db.logger.Info("Kernel opened",
		zap.String("dir", cfg.DataDir),
		zap.Bool("new", db.fm.IsNew()),
		zap.Int("block_size", cfg.BlockSize),
		zap.Int("buffer_pool", cfg.Buffer.PoolSize),
	)
	return db, nil
}

func (db *DB) boot(base *zap.Logger) error {
	var err error
	db.lm, err = wal.NewLogManager(db.fm, db.cfg.LogFile, logger.Component(base, "wal"), db.metrics)
	if err != nil {
		return err
	}
	db.bufs = buffer.NewManager(db.fm, db.lm, db.cfg.BufferConfig(), logger.Component(base, "buffer"), db.metrics)
	db.locks = concurrency.NewLockTable(db.cfg.LockTableConfig(), logger.Component(base, "lock"), db.metrics)
	db.txs = transaction.NewManager(db.fm, db.lm, db.bufs, db.locks, logger.Component(base, "tx"), db.metrics)
	db.txs.AddStartListener(transaction.StartListenerFunc(func(tx *transaction.Transaction) {
		tx.AddLifecycleListener(tx.Buffers())
	}))

	tx, err := db.txs.Begin(transaction.Serializable, false)
	if err != nil {
		return err
	}
	if !db.fm.IsNew() {
		db.logger.Info("Recovering database")
		if err := tx.Recovery().Recover(); err != nil {
			return multierr.Append(fmt.Errorf("recovery failed: %w", err), tx.Rollback())
		}
	}
	db.catalog, err = catalog.New(db.cfg.Catalog, db.fm.IsNew(), tx, base)
	if err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		db.catalog.Close()
		return fmt.Errorf("failed to commit boot transaction: %w", err)
	}
	return nil
}

func (db *DB) ID() uuid.UUID                             { return db.id }
func (db *DB) Config() config.Config                     { return db.cfg }
func (db *DB) Catalog() *catalog.Catalog                 { return db.catalog }
func (db *DB) Transactions() *transaction.Manager        { return db.txs }
func (db *DB) Buffers() *buffer.Manager                  { return db.bufs }
func (db *DB) Metrics() *internaltelemetry.KernelMetrics { return db.metrics }

// Begin starts a transaction at the configured isolation level.
func (db *DB) Begin(readOnly bool) (*transaction.Transaction, error) {
	return db.BeginIsolation(db.cfg.IsolationLevel(), readOnly)
}

func (db *DB) BeginIsolation(level transaction.IsolationLevel, readOnly bool) (*transaction.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, errors.New("kernel is closed")
	}
	return db.txs.Begin(level, readOnly)
}

// Update runs fn in a read-write transaction. The transaction is committed
// when fn succeeds and rolled back otherwise; fn's error is returned as is.
func (db *DB) Update(ctx context.Context, fn func(tx *transaction.Transaction) error) error {
	return db.run(ctx, false, fn)
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *transaction.Transaction) error) error {
	return db.run(ctx, true, fn)
}

func (db *DB) run(ctx context.Context, readOnly bool, fn func(tx *transaction.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := db.Begin(readOnly)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn("Rollback failed", zap.Int64("tx", tx.Num()), zap.Error(rbErr))
		}
		return err
	}
	if err := ctx.Err(); err != nil {
		return multierr.Append(err, tx.Rollback())
	}
	return tx.Commit()
}

// OpenIndex opens the first index on tblName.fldName for tx, wrapped with
// tracing and metrics.
func (db *DB) OpenIndex(tx *transaction.Transaction, tblName, fldName string) (*indexmanager.IndexManager, error) {
	infos, err := db.catalog.IndexInfo(tblName, tx)
	if err != nil {
		return nil, err
	}
	candidates := infos[fldName]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%s.%s: %w", tblName, fldName, flushmanager.ErrIndexNotFound)
	}
	ii := candidates[0]
	idx, err := ii.Open(tx)
	if err != nil {
		return nil, err
	}
	return indexmanager.New(idx, ii.Name(), ii.Type(), db.tel, db.metrics), nil
}

// Checkpoint flushes every dirty buffer and writes a checkpoint record so
// that recovery stops there. It fails while any transaction is active.
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.checkpointLocked()
}

func (db *DB) checkpointLocked() error {
	if n := db.txs.ActiveCount(); n > 0 {
		return fmt.Errorf("%w: %d running", ErrActiveTransactions, n)
	}
	if err := recovery.Checkpoint(db.lm, db.bufs.FlushDirty); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	db.logger.Info("Checkpoint written", zap.Int64("lsn", int64(db.lm.CurrentLSN())))
	return nil
}

// Close writes a checkpoint when no transaction is running and closes the
// data files. Transactions still running are abandoned and undone by the
// next recovery.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var err error
	if db.txs.ActiveCount() == 0 {
		err = multierr.Append(err, db.checkpointLocked())
	} else {
		err = multierr.Append(err, db.bufs.FlushDirty())
		db.logger.Warn("Closing with active transactions", zap.Int("active", db.txs.ActiveCount()))
	}
	db.catalog.Close()
	err = multierr.Append(err, db.fm.Close())
	db.logger.Info("Kernel closed")
	return err
}
