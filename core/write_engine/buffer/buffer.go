// Package buffer caches blocks in a fixed pool of frames and hands them out
// to transactions.
package buffer

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
)

// PageFormatter initialises the contents of a block that is about to be
// appended to a file.
type PageFormatter interface {
	Format(p *pagemanager.Page) error
}

// Buffer is one frame of the pool. The frame is reused for the lifetime of
// the process; only the block it holds changes.
type Buffer struct {
	contents *pagemanager.Page

	mu         sync.Mutex
	blk        pagemanager.BlockID
	bound      bool
	pins       int
	modifiedBy map[int64]struct{}
	maxLSN     wal.LSN
}

func newBuffer(blockSize int) *Buffer {
	return &Buffer{
		contents:   pagemanager.NewPage(blockSize),
		modifiedBy: make(map[int64]struct{}),
		maxLSN:     wal.NoLSN,
	}
}

// GetVal reads a value of type t at offset.
func (b *Buffer) GetVal(offset int, t types.Type) (types.Constant, error) {
	return b.contents.GetVal(offset, t)
}

// SetVal writes val at offset on behalf of txNum. lsn is the record that
// protects the write, or wal.NoLSN.
func (b *Buffer) SetVal(offset int, val types.Constant, txNum int64, lsn wal.LSN) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.contents.SetVal(offset, val); err != nil {
		return fmt.Errorf("failed to write %s at %d: %w", b.blk, offset, err)
	}
	b.modifiedBy[txNum] = struct{}{}
	if lsn > b.maxLSN {
		b.maxLSN = lsn
	}
	return nil
}

// Block returns the block the frame currently holds.
func (b *Buffer) Block() pagemanager.BlockID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blk
}

func (b *Buffer) IsPinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins > 0
}

func (b *Buffer) PinCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins
}

// IsModifiedBy reports whether txNum dirtied the frame since its last flush.
func (b *Buffer) IsModifiedBy(txNum int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.modifiedBy[txNum]
	return ok
}

func (b *Buffer) pin() {
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
}

// unpin reports whether the frame became unpinned.
func (b *Buffer) unpin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins > 0 {
		b.pins--
	}
	return b.pins == 0
}

// flush writes a dirty frame, forcing the log first so that the pre-images of
// every write to the page are durable before the page is.
func (b *Buffer) flush(fm *flushmanager.FileManager, lm *wal.LogManager) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(fm, lm)
}

func (b *Buffer) flushLocked(fm *flushmanager.FileManager, lm *wal.LogManager) error {
	if len(b.modifiedBy) == 0 || !b.bound {
		return nil
	}
	if b.maxLSN != wal.NoLSN {
		if err := lm.Flush(b.maxLSN); err != nil {
			return fmt.Errorf("failed to flush log before %s: %w", b.blk, err)
		}
	}
	if err := fm.Write(b.blk, b.contents); err != nil {
		return err
	}
	clear(b.modifiedBy)
	b.maxLSN = wal.NoLSN
	return nil
}

func (b *Buffer) assignToBlock(blk pagemanager.BlockID, fm *flushmanager.FileManager, lm *wal.LogManager) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.flushLocked(fm, lm); err != nil {
		return err
	}
	b.bound = false
	if err := fm.Read(blk, b.contents); err != nil {
		return err
	}
	b.blk, b.bound, b.pins = blk, true, 0
	return nil
}

func (b *Buffer) assignToNew(fileName string, fmtr PageFormatter, fm *flushmanager.FileManager, lm *wal.LogManager) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.flushLocked(fm, lm); err != nil {
		return err
	}
	b.bound = false
	b.contents.Clear()
	if err := fmtr.Format(b.contents); err != nil {
		return fmt.Errorf("failed to format new block of %s: %w", fileName, err)
	}
	blk, err := fm.Append(fileName, b.contents)
	if err != nil {
		return err
	}
	b.blk, b.bound, b.pins = blk, true, 0
	return nil
}

func (b *Buffer) binding() (pagemanager.BlockID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blk, b.bound
}
