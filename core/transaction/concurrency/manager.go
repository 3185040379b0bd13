package concurrency

import (
	"fmt"

	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// IsolationLevel selects the locking protocol of a transaction.
type IsolationLevel int

const (
	Serializable IsolationLevel = iota
	RepeatableRead
)

func (l IsolationLevel) String() string {
	switch l {
	case Serializable:
		return "serializable"
	case RepeatableRead:
		return "repeatable_read"
	}
	return fmt.Sprintf("IsolationLevel(%d)", int(l))
}

// ParseIsolationLevel accepts the names produced by IsolationLevel.String.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "serializable", "":
		return Serializable, nil
	case "repeatable_read", "repeatable-read":
		return RepeatableRead, nil
	}
	return Serializable, fmt.Errorf("unknown isolation level %q", s)
}

// Manager takes the locks of a single transaction on its behalf. Every
// method that can wait returns ErrLockAbort on timeout and the transaction
// must then roll back.
type Manager interface {
	Isolation() IsolationLevel

	SLockFile(fileName string) error
	SLockBlock(blk pagemanager.BlockID) error
	SLockRecord(rid pagemanager.RecordID) error
	XLockFile(fileName string) error
	XLockBlock(blk pagemanager.BlockID) error
	XLockRecord(rid pagemanager.RecordID) error
	SIXLockFile(fileName string) error
	SIXLockBlock(blk pagemanager.BlockID) error
	// RangeLock protects a scan of fileName against phantoms.
	RangeLock(fileName string) error

	SLockIndexBlock(blk pagemanager.BlockID) error
	XLockIndexBlock(blk pagemanager.BlockID) error
	// ModifyIndexBlock X-latches blk ahead of a write. The latch is kept
	// until the transaction ends.
	ModifyIndexBlock(blk pagemanager.BlockID) error
	ReleaseIndexBlocks(blks ...pagemanager.BlockID)
	// ReleaseIndexXBlocks drops X latches on blocks the transaction has not
	// modified.
	ReleaseIndexXBlocks(blks ...pagemanager.BlockID)

	OnTxCommit(txNum int64) error
	OnTxRollback(txNum int64) error
	OnTxEndStatement(txNum int64) error
}

// New returns the Manager implementing level for txNum.
func New(level IsolationLevel, txNum int64, table *LockTable) (Manager, error) {
	if table == nil {
		return nil, fmt.Errorf("concurrency.New: nil lock table")
	}
	b := base{txNum: txNum, table: table, modified: make(map[pagemanager.BlockID]struct{})}
	switch level {
	case Serializable:
		return &serializable{base: b}, nil
	case RepeatableRead:
		return &repeatableRead{base: b}, nil
	}
	return nil, fmt.Errorf("concurrency.New: unsupported isolation level %s", level)
}

// base holds what both protocols do the same way: exclusive locks and index
// latches.
type base struct {
	txNum    int64
	table    *LockTable
	modified map[pagemanager.BlockID]struct{}
}

func (b *base) XLockFile(fileName string) error { return b.table.XLock(fileName, b.txNum) }

func (b *base) XLockBlock(blk pagemanager.BlockID) error {
	if err := b.table.IXLock(blk.FileName, b.txNum); err != nil {
		return err
	}
	return b.table.XLock(blk, b.txNum)
}

func (b *base) XLockRecord(rid pagemanager.RecordID) error {
	if err := b.table.IXLock(rid.Block.FileName, b.txNum); err != nil {
		return err
	}
	if err := b.table.IXLock(rid.Block, b.txNum); err != nil {
		return err
	}
	return b.table.XLock(rid, b.txNum)
}

func (b *base) SIXLockFile(fileName string) error { return b.table.SIXLock(fileName, b.txNum) }

func (b *base) SIXLockBlock(blk pagemanager.BlockID) error {
	if err := b.table.IXLock(blk.FileName, b.txNum); err != nil {
		return err
	}
	return b.table.SIXLock(blk, b.txNum)
}

func (b *base) SLockIndexBlock(blk pagemanager.BlockID) error { return b.table.SLock(blk, b.txNum) }
func (b *base) XLockIndexBlock(blk pagemanager.BlockID) error { return b.table.XLock(blk, b.txNum) }

func (b *base) ModifyIndexBlock(blk pagemanager.BlockID) error {
	if err := b.table.XLock(blk, b.txNum); err != nil {
		return err
	}
	b.modified[blk] = struct{}{}
	return nil
}

func (b *base) ReleaseIndexBlocks(blks ...pagemanager.BlockID) {
	for _, blk := range blks {
		b.table.Release(blk, b.txNum, LockS)
	}
}

func (b *base) ReleaseIndexXBlocks(blks ...pagemanager.BlockID) {
	for _, blk := range blks {
		if _, ok := b.modified[blk]; ok {
			continue
		}
		b.table.Release(blk, b.txNum, LockX)
	}
}

func (b *base) OnTxCommit(int64) error {
	b.releaseAll()
	return nil
}

func (b *base) OnTxRollback(int64) error {
	b.releaseAll()
	return nil
}

func (b *base) releaseAll() {
	b.table.ReleaseAll(b.txNum, false)
	clear(b.modified)
}
