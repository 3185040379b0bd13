package concurrency

import pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"

// serializable holds every lock until the transaction ends and locks whole
// files for scans.
type serializable struct {
	base
}

func (s *serializable) Isolation() IsolationLevel { return Serializable }

func (s *serializable) SLockFile(fileName string) error { return s.table.SLock(fileName, s.txNum) }

func (s *serializable) SLockBlock(blk pagemanager.BlockID) error {
	if err := s.table.ISLock(blk.FileName, s.txNum); err != nil {
		return err
	}
	return s.table.SLock(blk, s.txNum)
}

func (s *serializable) SLockRecord(rid pagemanager.RecordID) error {
	if err := s.table.ISLock(rid.Block.FileName, s.txNum); err != nil {
		return err
	}
	if err := s.table.ISLock(rid.Block, s.txNum); err != nil {
		return err
	}
	return s.table.SLock(rid, s.txNum)
}

func (s *serializable) RangeLock(fileName string) error { return s.table.SLock(fileName, s.txNum) }

func (s *serializable) OnTxEndStatement(int64) error { return nil }
