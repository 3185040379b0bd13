package concurrency

import pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"

// repeatableRead drops intention locks as soon as the shared lock below
// them is granted, does not lock ranges, and gives up shared locks at the
// end of each statement.
type repeatableRead struct {
	base
}

func (r *repeatableRead) Isolation() IsolationLevel { return RepeatableRead }

func (r *repeatableRead) SLockFile(fileName string) error { return r.table.SLock(fileName, r.txNum) }

func (r *repeatableRead) SLockBlock(blk pagemanager.BlockID) error {
	if err := r.table.ISLock(blk.FileName, r.txNum); err != nil {
		return err
	}
	defer r.table.Release(blk.FileName, r.txNum, LockIS)
	return r.table.SLock(blk, r.txNum)
}

func (r *repeatableRead) SLockRecord(rid pagemanager.RecordID) error {
	if err := r.table.ISLock(rid.Block.FileName, r.txNum); err != nil {
		return err
	}
	defer r.table.Release(rid.Block.FileName, r.txNum, LockIS)
	if err := r.table.ISLock(rid.Block, r.txNum); err != nil {
		return err
	}
	defer r.table.Release(rid.Block, r.txNum, LockIS)
	return r.table.SLock(rid, r.txNum)
}

func (r *repeatableRead) RangeLock(string) error { return nil }

func (r *repeatableRead) OnTxEndStatement(int64) error {
	r.table.ReleaseAll(r.txNum, true)
	return nil
}
