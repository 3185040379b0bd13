package record

import (
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// RecordPage is a cursor over the slots of one pinned block.
type RecordPage struct {
	blk      pagemanager.BlockID
	buf      *buffer.Buffer
	ti       *TableInfo
	tx       *transaction.Transaction
	slotSize int
	slot     int32

	// controlConcurrency makes the page take record locks itself.
	controlConcurrency bool
}

// NewRecordPage pins blk for tx and positions before the first slot.
func NewRecordPage(blk pagemanager.BlockID, ti *TableInfo, tx *transaction.Transaction, controlConcurrency bool) (*RecordPage, error) {
	buf, err := tx.Buffers().Pin(blk, tx.Num())
	if err != nil {
		return nil, err
	}
	return &RecordPage{
		blk:                blk,
		buf:                buf,
		ti:                 ti,
		tx:                 tx,
		slotSize:           ti.recordSize + pagemanager.IntSize,
		slot:               -1,
		controlConcurrency: controlConcurrency,
	}, nil
}

// Close unpins the block. It is safe to call more than once.
func (rp *RecordPage) Close() {
	if rp.buf == nil {
		return
	}
	rp.tx.Buffers().Unpin(rp.tx.Num(), rp.buf)
	rp.buf = nil
}

// Next moves to the next in-use slot.
func (rp *RecordPage) Next() (bool, error) { return rp.searchFor(InUse) }

func (rp *RecordPage) GetVal(field string) (types.Constant, error) {
	t, off, err := rp.ti.fieldType(field)
	if err != nil {
		return nil, err
	}
	if rp.controlConcurrency {
		if err := rp.tx.Concurrency().SLockRecord(rp.CurrentRecordID()); err != nil {
			return nil, err
		}
	}
	return rp.buf.GetVal(rp.fieldPos(off), t)
}

// SetVal logs and writes val into field of the current record. val must
// already have the field's type.
func (rp *RecordPage) SetVal(field string, val types.Constant) error {
	if err := rp.tx.CheckWritable(rp.ti.FileName()); err != nil {
		return err
	}
	_, off, err := rp.ti.fieldType(field)
	if err != nil {
		return err
	}
	if rp.controlConcurrency {
		if err := rp.tx.Concurrency().XLockRecord(rp.CurrentRecordID()); err != nil {
			return err
		}
	}
	return rp.write(rp.fieldPos(off), val)
}

// Delete marks the current slot empty.
func (rp *RecordPage) Delete() error {
	if err := rp.tx.CheckWritable(rp.ti.FileName()); err != nil {
		return err
	}
	if rp.controlConcurrency {
		if err := rp.tx.Concurrency().XLockRecord(rp.CurrentRecordID()); err != nil {
			return err
		}
	}
	return rp.write(rp.slotPos(), types.IntegerConstant(Empty))
}

// Insert claims the first empty slot of the page. It reports false when the
// page is full.
func (rp *RecordPage) Insert() (bool, error) {
	if err := rp.tx.CheckWritable(rp.ti.FileName()); err != nil {
		return false, err
	}
	rp.slot = -1
	found, err := rp.searchFor(Empty)
	if err != nil || !found {
		return false, err
	}
	if err := rp.tx.Concurrency().XLockRecord(rp.CurrentRecordID()); err != nil {
		return false, err
	}
	return true, rp.write(rp.slotPos(), types.IntegerConstant(InUse))
}

// MoveToID positions on slot id. -1 positions before the first slot.
func (rp *RecordPage) MoveToID(id int32) error {
	if rp.controlConcurrency && id == -1 {
		if err := rp.tx.Concurrency().SLockBlock(rp.blk); err != nil {
			return err
		}
	}
	rp.slot = id
	return nil
}

func (rp *RecordPage) CurrentID() int32                      { return rp.slot }
func (rp *RecordPage) CurrentBlock() pagemanager.BlockID     { return rp.blk }
func (rp *RecordPage) CurrentRecordID() pagemanager.RecordID { return pagemanager.NewRecordID(rp.blk, rp.slot) }

func (rp *RecordPage) write(pos int, val types.Constant) error {
	lsn, err := rp.tx.Recovery().SetVal(rp.buf, pos, val)
	if err != nil {
		return err
	}
	return rp.buf.SetVal(pos, val, rp.tx.Num(), lsn)
}

func (rp *RecordPage) slotPos() int { return int(rp.slot) * rp.slotSize }

func (rp *RecordPage) fieldPos(offset int) int {
	return rp.slotPos() + pagemanager.IntSize + offset
}

func (rp *RecordPage) validSlot() bool {
	return rp.slotPos()+rp.slotSize <= rp.tx.Files().BlockSize()
}

func (rp *RecordPage) searchFor(flag int32) (bool, error) {
	for rp.slot++; rp.validSlot(); rp.slot++ {
		v, err := rp.buf.GetVal(rp.slotPos(), types.Integer)
		if err != nil {
			return false, err
		}
		if int32(v.(types.IntegerConstant)) == flag {
			return true, nil
		}
	}
	return false, nil
}
