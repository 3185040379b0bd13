package wal

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// Iterator walks the log backward: blocks in descending order, records
// within a block from last to first.
type Iterator struct {
	fm         *flushmanager.FileManager
	blk        pagemanager.BlockID
	page       *pagemanager.Page
	currentRec int
}

func newIterator(fm *flushmanager.FileManager, blk pagemanager.BlockID) (*Iterator, error) {
	it := &Iterator{fm: fm, blk: blk, page: pagemanager.NewPage(fm.BlockSize())}
	if err := it.load(); err != nil {
		return nil, err
	}
	return it, nil
}

// HasNext reports whether an older record exists.
func (it *Iterator) HasNext() bool {
	return it.currentRec > 0 || it.blk.Number > 0
}

// Next returns the next older record. The record reads from the iterator's
// page and is only valid until the following call to Next.
func (it *Iterator) Next() (*BasicLogRecord, error) {
	if !it.HasNext() {
		return nil, fmt.Errorf("log iterator exhausted")
	}
	if it.currentRec == 0 {
		it.blk = pagemanager.NewBlockID(it.blk.FileName, it.blk.Number-1)
		if err := it.load(); err != nil {
			return nil, err
		}
	}
	prev, err := it.page.GetInt(it.currentRec)
	if err != nil {
		return nil, fmt.Errorf("corrupt log link in block %d: %w", it.blk.Number, err)
	}
	it.currentRec = int(prev)
	return &BasicLogRecord{page: it.page, pos: it.currentRec + pagemanager.IntSize, lsn: LSN(it.blk.Number)}, nil
}

func (it *Iterator) load() error {
	if err := it.fm.Read(it.blk, it.page); err != nil {
		return fmt.Errorf("failed to read log block %d: %w", it.blk.Number, err)
	}
	last, err := it.page.GetInt(lastPos)
	if err != nil {
		return err
	}
	it.currentRec = int(last)
	return nil
}

// BasicLogRecord is an undecoded record. Values are read in the order they
// were appended.
type BasicLogRecord struct {
	page *pagemanager.Page
	pos  int
	lsn  LSN
}

func (r *BasicLogRecord) LSN() LSN { return r.lsn }

// NextVal decodes the next value of the record as type t.
func (r *BasicLogRecord) NextVal(t types.Type) (types.Constant, error) {
	v, err := r.page.GetVal(r.pos, t)
	if err != nil {
		return nil, err
	}
	r.pos += v.Size()
	return v, nil
}
