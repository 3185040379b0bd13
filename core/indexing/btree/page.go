package btree

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

const flagSize = 8 // every flag is a BigInt

// btreePage is a pinned B-tree block laid out as
// [record count][flags...][records...]. The caller latches the block before
// opening it; every write X-latches it again and is logged.
type btreePage struct {
	ti       *record.TableInfo
	blk      pagemanager.BlockID
	buf      *buffer.Buffer
	numFlags int
	tx       *transaction.Transaction
}

func openPage(blk pagemanager.BlockID, numFlags int, ti *record.TableInfo, tx *transaction.Transaction) (*btreePage, error) {
	buf, err := tx.Buffers().Pin(blk, tx.Num())
	if err != nil {
		return nil, err
	}
	return &btreePage{ti: ti, blk: blk, buf: buf, numFlags: numFlags, tx: tx}, nil
}

// close unpins the block. Latches are left to the caller.
func (p *btreePage) close() {
	if p.buf != nil {
		p.tx.Buffers().Unpin(p.tx.Num(), p.buf)
		p.buf = nil
	}
}

func (p *btreePage) numRecs() (int, error) {
	// the record count lives at offset 0, ahead of the flags
	v, err := p.buf.GetVal(0, types.Integer)
	if err != nil {
		return 0, err
	}
	return int(v.(types.IntegerConstant)), nil
}

func (p *btreePage) setNumRecs(n int) error {
	return p.write(0, types.IntegerConstant(int32(n)))
}

func (p *btreePage) flag(i int) (int64, error) {
	v, err := p.buf.GetVal(flagPosition(i), types.BigInt)
	if err != nil {
		return 0, err
	}
	return int64(v.(types.BigIntConstant)), nil
}

func (p *btreePage) setFlag(i int, v int64) error {
	return p.write(flagPosition(i), types.BigIntConstant(v))
}

func (p *btreePage) getVal(slot int, field string) (types.Constant, error) {
	t, ok := p.ti.Schema().Type(field)
	if !ok {
		return nil, fmt.Errorf("b-tree page %s has no field %q", p.blk, field)
	}
	off, _ := p.ti.Offset(field) // known present: Type succeeded
	return p.buf.GetVal(p.slotPosition(slot)+off, t)
}

func (p *btreePage) setVal(slot int, field string, val types.Constant) error {
	t, ok := p.ti.Schema().Type(field)
	if !ok {
		return fmt.Errorf("b-tree page %s has no field %q", p.blk, field)
	}
	v, err := val.CastTo(t)
	if err != nil {
		return err
	}
	// an oversized varchar would run into the next field
	if v.Size() > t.MaxSize() {
		return fmt.Errorf("%w: b-tree %s field %q holds %d bytes, value needs %d",
			flushmanager.ErrSchemaIncompatible, p.ti.FileName(), field, t.MaxSize(), v.Size())
	}
	off, _ := p.ti.Offset(field)
	return p.write(p.slotPosition(slot)+off, v)
}

func (p *btreePage) key(slot int) (types.Constant, error) { return p.getVal(slot, fieldKey) }

func (p *btreePage) blockNum(slot int, field string) (int64, error) {
	v, err := p.getVal(slot, field)
	if err != nil {
		return 0, err
	}
	return int64(v.(types.BigIntConstant)), nil
}

// insert opens an empty slot at slot by shifting later records right.
func (p *btreePage) insert(slot int) error {
	n, err := p.numRecs()
	if err != nil {
		return err
	}
	// back to front so nothing is overwritten before it is moved
	for i := n; i > slot; i-- {
		if err := p.copyRecord(i-1, i); err != nil {
			return err
		}
	}
	return p.setNumRecs(n + 1)
}

// delete removes slot by shifting later records left.
func (p *btreePage) delete(slot int) error {
	n, err := p.numRecs()
	if err != nil {
		return err
	}
	for i := slot + 1; i < n; i++ {
		if err := p.copyRecord(i, i-1); err != nil {
			return err
		}
	}
	return p.setNumRecs(n - 1)
}

// isFull reports whether the page has no room for another record.
func (p *btreePage) isFull() (bool, error) {
	n, err := p.numRecs()
	if err != nil {
		return false, err
	}
	return p.slotPosition(n+1) >= p.blockSize(), nil // end of slot n past the block
}

// isGettingFull reports whether one more record would fill the page.
func (p *btreePage) isGettingFull() (bool, error) {
	n, err := p.numRecs()
	if err != nil {
		return false, err
	}
	return p.slotPosition(n+2) >= p.blockSize(), nil
}

// split moves the records from splitSlot on into a new block formatted with
// flags and returns the new block number.
func (p *btreePage) split(splitSlot int, flags []int64) (int64, error) {
	newBlk, err := p.appendNew(flags)
	if err != nil {
		return 0, err
	}
	newPage, err := openPage(newBlk, len(flags), p.ti, p.tx)
	if err != nil {
		return 0, err
	}
	defer newPage.close()

	if err := p.transferTail(splitSlot, newPage); err != nil {
		return 0, err
	}
	return newBlk.Number, nil
}

// transferTail appends the records from start on to dest and drops them
// from p.
func (p *btreePage) transferTail(start int, dest *btreePage) error {
	n, err := p.numRecs()
	if err != nil {
		return err
	}
	destN, err := dest.numRecs()
	if err != nil {
		return err
	}
	fields := p.ti.Schema().Fields()
	for i := start; i < n; i++ {
		// dest may already hold records, append after them
		for _, fld := range fields {
			v, err := p.getVal(i, fld)
			if err != nil {
				return err
			}
			if err := dest.setVal(destN+i-start, fld, v); err != nil {
				return err
			}
		}
	}
	if err := dest.setNumRecs(destN + n - start); err != nil {
		return err
	}
	return p.setNumRecs(start)
}

// copyRecordTo copies slot from of p into slot to of dest.
func (p *btreePage) copyRecordTo(from int, dest *btreePage, to int) error {
	for _, fld := range p.ti.Schema().Fields() {
		v, err := p.getVal(from, fld)
		if err != nil {
			return err
		}
		if err := dest.setVal(to, fld, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *btreePage) copyRecord(from, to int) error { return p.copyRecordTo(from, p, to) }

func (p *btreePage) appendNew(flags []int64) (pagemanager.BlockID, error) {
	bufs := p.tx.Buffers()
	buf, err := bufs.PinNew(p.ti.FileName(), newPageFormatter(p.ti, flags), p.tx.Num())
	if err != nil {
		return pagemanager.BlockID{}, err
	}
	blk := buf.Block()
	// split reopens the block through openPage
	bufs.Unpin(p.tx.Num(), buf)
	return blk, nil
}

func (p *btreePage) write(pos int, val types.Constant) error {
	// the old value is logged before the page changes
	if err := p.tx.Concurrency().ModifyIndexBlock(p.blk); err != nil {
		return err
	}
	lsn, err := p.tx.Recovery().SetVal(p.buf, pos, val)
	if err != nil {
		return err
	}
	return p.buf.SetVal(pos, val, p.tx.Num(), lsn)
}

func (p *btreePage) slotPosition(slot int) int {
	return pagemanager.IntSize + flagSize*p.numFlags + slot*p.ti.RecordSize()
}

func (p *btreePage) blockSize() int { return p.tx.Files().BlockSize() }

func flagPosition(i int) int { return pagemanager.IntSize + flagSize*i }

// findSlotBefore returns the last slot whose key is below key, or -1.
func (p *btreePage) findSlotBefore(key types.Constant) (int, error) {
	n, err := p.numRecs()
	if err != nil {
		return 0, err
	}
	// linear scan; pages hold few records
	slot := 0
	for slot < n {
		k, err := p.key(slot)
		if err != nil {
			return 0, err
		}
		if k.Compare(key) >= 0 {
			break
		}
		slot++
	}
	return slot - 1, nil
}

// pageFormatter initialises a new B-tree block with no records and the
// given flags.
type pageFormatter struct {
	ti    *record.TableInfo
	flags []int64
}

func newPageFormatter(ti *record.TableInfo, flags []int64) *pageFormatter {
	return &pageFormatter{ti: ti, flags: flags}
}

func (f *pageFormatter) Format(page *pagemanager.Page) error {
	if err := page.SetInt(0, 0); err != nil {
		return err
	}
	for i, flag := range f.flags {
		if err := page.SetVal(flagPosition(i), types.BigIntConstant(flag)); err != nil {
			return err
		}
	}
	// fill every slot with defaults so stale bytes never decode as keys
	recSize := f.ti.RecordSize()
	fields := f.ti.Schema().Fields()
	for pos := flagPosition(len(f.flags)); pos+recSize <= page.Size(); pos += recSize {
		for _, fld := range fields {
			t, _ := f.ti.Schema().Type(fld)
			off, _ := f.ti.Offset(fld)
			if err := page.SetVal(pos+off, t.DefaultValue()); err != nil {
				return err
			}
		}
	}
	return nil
}
