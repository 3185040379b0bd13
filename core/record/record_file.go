package record

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// RecordFile is a cursor over every record of a table. Lock errors are
// returned as is; the caller must roll the transaction back.
type RecordFile struct {
	ti       *TableInfo
	tx       *transaction.Transaction
	fileName string
	rp       *RecordPage
	blkNum   int64
}

func newRecordFile(ti *TableInfo, tx *transaction.Transaction) *RecordFile {
	return &RecordFile{ti: ti, tx: tx, fileName: ti.FileName(), blkNum: -1}
}

// Close unpins the current block.
func (rf *RecordFile) Close() {
	if rf.rp != nil {
		rf.rp.Close()
		rf.rp = nil
	}
}

// BeforeFirst positions the cursor before the first record.
func (rf *RecordFile) BeforeFirst() {
	rf.Close()
	rf.blkNum = -1
}

// Next moves to the next in-use record and reports whether there was one.
func (rf *RecordFile) Next() (bool, error) {
	size, err := rf.FileSize()
	if err != nil || size == 0 {
		return false, err
	}
	if rf.blkNum == -1 {
		if err := rf.moveTo(0); err != nil {
			return false, err
		}
	}
	for {
		ok, err := rf.rp.Next()
		if err != nil || ok {
			return ok, err
		}
		last, err := rf.atLastBlock()
		if err != nil || last {
			return false, err
		}
		if err := rf.moveTo(rf.blkNum + 1); err != nil {
			return false, err
		}
	}
}

func (rf *RecordFile) GetVal(field string) (types.Constant, error) {
	if err := rf.positioned(); err != nil {
		return nil, err
	}
	if err := rf.tx.Concurrency().SLockRecord(rf.CurrentRecordID()); err != nil {
		return nil, err
	}
	return rf.rp.GetVal(field)
}

// SetVal casts val to the field's type and writes it into the current
// record.
func (rf *RecordFile) SetVal(field string, val types.Constant) error {
	if err := rf.tx.CheckWritable(rf.fileName); err != nil {
		return err
	}
	if err := rf.positioned(); err != nil {
		return err
	}
	t, _, err := rf.ti.fieldType(field)
	if err != nil {
		return err
	}
	v, err := val.CastTo(t)
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", flushmanager.ErrSchemaIncompatible, rf.ti.name, field, err)
	}
	if v.Size() > t.MaxSize() {
		return fmt.Errorf("%w: %s.%s holds %d bytes, value needs %d",
			flushmanager.ErrSchemaIncompatible, rf.ti.name, field, t.MaxSize(), v.Size())
	}
	if err := rf.tx.Concurrency().XLockRecord(rf.CurrentRecordID()); err != nil {
		return err
	}
	return rf.rp.SetVal(field, v)
}

// Delete removes the current record.
func (rf *RecordFile) Delete() error {
	if err := rf.tx.CheckWritable(rf.fileName); err != nil {
		return err
	}
	if err := rf.positioned(); err != nil {
		return err
	}
	cm := rf.tx.Concurrency()
	if err := cm.SIXLockFile(rf.fileName); err != nil {
		return err
	}
	if err := cm.XLockRecord(rf.CurrentRecordID()); err != nil {
		return err
	}
	return rf.rp.Delete()
}

// Insert claims an empty slot, appending a block when the file has none,
// and positions the cursor on it.
func (rf *RecordFile) Insert() error {
	if err := rf.tx.CheckWritable(rf.fileName); err != nil {
		return err
	}
	if err := rf.tx.Concurrency().SIXLockFile(rf.fileName); err != nil {
		return err
	}
	size, err := rf.FileSize()
	if err != nil {
		return err
	}
	if size == 0 {
		if err := rf.appendBlock(); err != nil {
			return err
		}
	}
	if err := rf.moveTo(0); err != nil {
		return err
	}
	for {
		ok, err := rf.rp.Insert()
		if err != nil || ok {
			return err
		}
		last, err := rf.atLastBlock()
		if err != nil {
			return err
		}
		if last {
			if err := rf.appendBlock(); err != nil {
				return err
			}
		}
		if err := rf.moveTo(rf.blkNum + 1); err != nil {
			return err
		}
	}
}

// MoveToRecordID positions the cursor on rid.
func (rf *RecordFile) MoveToRecordID(rid pagemanager.RecordID) error {
	if err := rf.tx.Concurrency().SLockRecord(rid); err != nil {
		return err
	}
	if err := rf.moveTo(rid.Block.Number); err != nil {
		return err
	}
	return rf.rp.MoveToID(rid.Slot)
}

func (rf *RecordFile) CurrentRecordID() pagemanager.RecordID {
	return pagemanager.NewRecordID(pagemanager.NewBlockID(rf.fileName, rf.blkNum), rf.rp.CurrentID())
}

// FileSize is the number of blocks of the table. The range lock taken here
// keeps other transactions from appending blocks under a serializable scan.
func (rf *RecordFile) FileSize() (int64, error) {
	if err := rf.tx.Concurrency().RangeLock(rf.fileName); err != nil {
		return 0, err
	}
	return rf.tx.Files().Size(rf.fileName)
}

func (rf *RecordFile) moveTo(blkNum int64) error {
	rf.Close()
	rf.blkNum = blkNum
	blk := pagemanager.NewBlockID(rf.fileName, blkNum)
	if err := rf.tx.Concurrency().SLockBlock(blk); err != nil {
		return err
	}
	rp, err := NewRecordPage(blk, rf.ti, rf.tx, false)
	if err != nil {
		return err
	}
	rf.rp = rp
	return nil
}

func (rf *RecordFile) atLastBlock() (bool, error) {
	size, err := rf.FileSize()
	if err != nil {
		return false, err
	}
	return rf.blkNum == size-1, nil
}

func (rf *RecordFile) appendBlock() error {
	if err := rf.tx.Concurrency().XLockFile(rf.fileName); err != nil {
		return err
	}
	buf, err := rf.tx.Buffers().PinNew(rf.fileName, NewFormatter(rf.ti), rf.tx.Num())
	if err != nil {
		return err
	}
	rf.tx.Buffers().Unpin(rf.tx.Num(), buf)
	return nil
}

func (rf *RecordFile) positioned() error {
	if rf.rp == nil {
		return fmt.Errorf("record file %s: cursor is not on a record", rf.fileName)
	}
	return nil
}
