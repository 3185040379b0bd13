// Package recovery implements undo-only write-ahead logging: every write
// saves the value it replaces, rollback and restart recovery put those
// values back.
package recovery

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	"go.uber.org/zap"
)

// Manager logs the writes of one transaction.
type Manager struct {
	txNum  int64
	lm     *wal.LogManager
	bufs   BufferPool
	logger *zap.Logger
}

// New appends the start record of txNum.
func New(txNum int64, lm *wal.LogManager, bufs BufferPool, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{txNum: txNum, lm: lm, bufs: bufs, logger: logger}
	if _, err := writeRecord(lm, StartRecord{Tx: txNum}); err != nil {
		return nil, fmt.Errorf("failed to log start of tx %d: %w", txNum, err)
	}
	return m, nil
}

// OnTxCommit forces the transaction's pages and then its commit record.
func (m *Manager) OnTxCommit(int64) error {
	if err := m.bufs.FlushAll(m.txNum); err != nil {
		return err
	}
	return m.writeAndFlush(CommitRecord{Tx: m.txNum})
}

// OnTxRollback undoes every write of the transaction, newest first.
func (m *Manager) OnTxRollback(int64) error {
	if err := m.rollback(); err != nil {
		return err
	}
	if err := m.bufs.FlushAll(m.txNum); err != nil {
		return err
	}
	return m.writeAndFlush(RollbackRecord{Tx: m.txNum})
}

func (m *Manager) OnTxEndStatement(int64) error { return nil }

// Recover undoes the writes of every transaction that neither committed nor
// rolled back since the last checkpoint, then writes a new checkpoint.
func (m *Manager) Recover() error {
	undone, err := m.recover()
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	if err := m.bufs.FlushAll(m.txNum); err != nil {
		return err
	}
	if err := m.writeAndFlush(CheckpointRecord{}); err != nil {
		return err
	}
	m.logger.Info("recovery complete", zap.Int("undone_records", undone))
	return nil
}

// SetVal logs the value at offset in buf before newVal overwrites it. The
// returned LSN must accompany the buffer write.
func (m *Manager) SetVal(buf *buffer.Buffer, offset int, newVal types.Constant) (wal.LSN, error) {
	blk := buf.Block()
	if strings.HasPrefix(blk.FileName, flushmanager.TempFilePrefix) {
		return wal.NoLSN, nil
	}
	old, err := buf.GetVal(offset, newVal.Type())
	if err != nil {
		return wal.NoLSN, err
	}
	return writeRecord(m.lm, SetValueRecord{Tx: m.txNum, Block: blk, Offset: offset, Old: old})
}

// Checkpoint flushes every dirty page and marks the log so that later
// recoveries stop here. No transaction may be active.
func Checkpoint(lm *wal.LogManager, flushDirty func() error) error {
	if err := flushDirty(); err != nil {
		return err
	}
	lsn, err := writeRecord(lm, CheckpointRecord{})
	if err != nil {
		return err
	}
	return lm.Flush(lsn)
}

func (m *Manager) rollback() error {
	iter, err := NewIterator(m.lm)
	if err != nil {
		return err
	}
	for iter.HasNext() {
		rec, err := iter.Next()
		if err != nil {
			return err
		}
		if rec.TxNum() != m.txNum {
			continue
		}
		if rec.Op() == OpStart {
			return nil
		}
		if err := rec.Undo(m.txNum, m.bufs); err != nil {
			return fmt.Errorf("failed to undo %s: %w", rec, err)
		}
	}
	return nil
}

func (m *Manager) recover() (int, error) {
	finished := make(map[int64]struct{})
	undone := 0

	iter, err := NewIterator(m.lm)
	if err != nil {
		return 0, err
	}
	for iter.HasNext() {
		rec, err := iter.Next()
		if err != nil {
			return undone, err
		}
		switch rec.Op() {
		case OpCheckpoint:
			return undone, nil
		case OpCommit, OpRollback:
			finished[rec.TxNum()] = struct{}{}
			continue
		}
		if _, ok := finished[rec.TxNum()]; ok {
			continue
		}
		if err := rec.Undo(m.txNum, m.bufs); err != nil {
			return undone, fmt.Errorf("failed to undo %s: %w", rec, err)
		}
		if _, ok := rec.(SetValueRecord); ok {
			undone++
		}
	}
	return undone, nil
}

func (m *Manager) writeAndFlush(rec Record) error {
	lsn, err := writeRecord(m.lm, rec)
	if err != nil {
		return fmt.Errorf("failed to log %s: %w", rec, err)
	}
	return m.lm.Flush(lsn)
}
