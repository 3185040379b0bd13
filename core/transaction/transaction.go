// Package transaction ties a unit of work to its lock and recovery
// managers and to the buffers it pins.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/transaction/recovery"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type IsolationLevel = concurrency.IsolationLevel

const (
	Serializable   = concurrency.Serializable
	RepeatableRead = concurrency.RepeatableRead
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStateCommitted                         // Commit completed
	TxnStateAborted                           // Rolled back by the caller or after a failed commit
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// LifecycleListener is told when a transaction it is attached to ends or
// finishes a statement.
type LifecycleListener interface {
	OnTxCommit(txNum int64) error
	OnTxRollback(txNum int64) error
	OnTxEndStatement(txNum int64) error
}

// Transaction is one unit of work. It is not safe for concurrent use by
// several goroutines.
type Transaction struct {
	num       int64
	isolation IsolationLevel
	readOnly  bool

	concurMgr   concurrency.Manager
	recoveryMgr *recovery.Manager
	bufs        *buffer.Manager
	fm          *flushmanager.FileManager

	mu        sync.Mutex
	state     TransactionState
	ending    bool // Commit or Rollback has taken the listeners
	listeners []LifecycleListener

	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics
}

func (tx *Transaction) Num() int64                       { return tx.num }
func (tx *Transaction) Isolation() IsolationLevel        { return tx.isolation }
func (tx *Transaction) ReadOnly() bool                   { return tx.readOnly }
func (tx *Transaction) Concurrency() concurrency.Manager { return tx.concurMgr }
func (tx *Transaction) Recovery() *recovery.Manager      { return tx.recoveryMgr }
func (tx *Transaction) Buffers() *buffer.Manager         { return tx.bufs }
func (tx *Transaction) Files() *flushmanager.FileManager { return tx.fm }

func (tx *Transaction) State() TransactionState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// AddLifecycleListener appends l. Listeners are called in the order they
// were added.
func (tx *Transaction) AddLifecycleListener(l LifecycleListener) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.listeners = append(tx.listeners, l)
}

// Commit makes the transaction's writes durable and releases its locks and
// buffers. When the commit record cannot be made durable the transaction is
// rolled back instead and ends aborted.
func (tx *Transaction) Commit() error {
	listeners, err := tx.detach()
	if err != nil {
		return err
	}
	// durability point: nothing is released before the commit record is on disk
	if err := tx.recoveryMgr.OnTxCommit(tx.num); err != nil {
		return tx.abortCommit(listeners, err)
	}
	for _, l := range listeners {
		if l == LifecycleListener(tx.recoveryMgr) {
			continue
		}
		err = multierr.Append(err, l.OnTxCommit(tx.num))
	}
	tx.setState(TxnStateCommitted)
	tx.metrics.TxCommittedCounter.Add(context.Background(), 1)
	if err != nil {
		// committed, but some listener did not release cleanly
		tx.logger.Warn("commit cleanup failed", zap.Int64("tx", tx.num), zap.Error(err))
		return fmt.Errorf("commit of tx %d: %w", tx.num, err)
	}
	tx.logger.Debug("transaction committed", zap.Int64("tx", tx.num))
	return nil
}

// abortCommit runs the rollback path after the recovery manager failed to
// commit. Every listener is called even when an earlier one fails.
func (tx *Transaction) abortCommit(listeners []LifecycleListener, cause error) error {
	err := cause
	for _, l := range listeners {
		err = multierr.Append(err, l.OnTxRollback(tx.num))
	}
	tx.setState(TxnStateAborted)
	tx.metrics.TxRolledBackCounter.Add(context.Background(), 1)
	tx.logger.Warn("commit failed, transaction rolled back", zap.Int64("tx", tx.num), zap.Error(err))
	return fmt.Errorf("commit of tx %d: %w", tx.num, err)
}

// Rollback undoes the transaction's writes and releases its locks and
// buffers. Every listener is called even when an earlier one fails.
func (tx *Transaction) Rollback() error {
	listeners, err := tx.detach()
	if err != nil {
		return err
	}
	for _, l := range listeners {
		err = multierr.Append(err, l.OnTxRollback(tx.num))
	}
	tx.setState(TxnStateAborted)
	tx.metrics.TxRolledBackCounter.Add(context.Background(), 1)
	if err != nil {
		tx.logger.Error("rollback failed", zap.Int64("tx", tx.num), zap.Error(err))
		return fmt.Errorf("rollback of tx %d: %w", tx.num, err)
	}
	tx.logger.Debug("transaction rolled back", zap.Int64("tx", tx.num))
	return nil
}

// EndStatement marks a statement boundary. Under repeatable read it gives up
// the transaction's shared locks.
func (tx *Transaction) EndStatement() error {
	tx.mu.Lock()
	if tx.state != TxnStateRunning || tx.ending {
		tx.mu.Unlock()
		return fmt.Errorf("%w: tx %d is %s", flushmanager.ErrTxnInvalidState, tx.num, tx.stateLocked())
	}
	listeners := tx.listeners
	tx.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.OnTxEndStatement(tx.num))
	}
	return err
}

// detach takes the listeners of a running transaction. The state changes only
// once the listeners have run, so a second Commit or Rollback is rejected
// through ending.
func (tx *Transaction) detach() ([]LifecycleListener, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxnStateRunning || tx.ending {
		return nil, fmt.Errorf("%w: tx %d is already %s", flushmanager.ErrTxnInvalidState, tx.num, tx.stateLocked())
	}
	tx.ending = true
	listeners := tx.listeners
	tx.listeners = nil
	return listeners, nil
}

func (tx *Transaction) setState(s TransactionState) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

func (tx *Transaction) stateLocked() string {
	if tx.state == TxnStateRunning && tx.ending {
		return "ending"
	}
	return tx.state.String()
}

// CheckWritable fails when the transaction may not write fileName.
func (tx *Transaction) CheckWritable(fileName string) error {
	if !tx.readOnly || isTempFile(fileName) {
		return nil
	}
	return fmt.Errorf("%w: tx %d writing %s", flushmanager.ErrUnsupportedOperation, tx.num, fileName)
}
