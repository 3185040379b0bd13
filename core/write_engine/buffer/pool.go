package buffer

import (
	"sync"

	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
	"go.uber.org/multierr"
)

// pool is the non-blocking frame cache underneath Manager. Pins that cannot
// be served return a nil frame; waiting is the manager's job.
type pool struct {
	fm *flushmanager.FileManager
	lm *wal.LogManager

	mu           sync.Mutex
	frames       []*Buffer
	blockMap     map[pagemanager.BlockID]*Buffer // bound frames only
	lastReplaced int                             // clock hand for chooseUnpinned
	numAvailable int                             // frames with no pins
}

func newPool(size int, fm *flushmanager.FileManager, lm *wal.LogManager) *pool {
	p := &pool{
		fm:           fm,
		lm:           lm,
		frames:       make([]*Buffer, size),
		blockMap:     make(map[pagemanager.BlockID]*Buffer, size),
		lastReplaced: size - 1, // first scan starts at frame 0
		numAvailable: size,
	}
	for i := range p.frames {
		p.frames[i] = newBuffer(fm.BlockSize())
	}
	return p
}

func (p *pool) size() int { return len(p.frames) }

func (p *pool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numAvailable
}

func (p *pool) pin(blk pagemanager.BlockID) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinLocked(blk)
}

func (p *pool) pinLocked(blk pagemanager.BlockID) (*Buffer, error) {
	buf := p.blockMap[blk]
	if buf == nil {
		buf = p.chooseUnpinned()
		if buf == nil {
			// pool full; the manager decides whether to wait
			return nil, nil
		}
		if err := p.rebind(buf, func() error { return buf.assignToBlock(blk, p.fm, p.lm) }); err != nil {
			return nil, err
		}
	}
	p.pinFrame(buf)
	return buf, nil
}

func (p *pool) pinNew(fileName string, fmtr PageFormatter) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := p.chooseUnpinned()
	if buf == nil {
		return nil, nil
	}
	if err := p.rebind(buf, func() error { return buf.assignToNew(fileName, fmtr, p.fm, p.lm) }); err != nil {
		return nil, err
	}
	p.pinFrame(buf)
	return buf, nil
}

// repin pins blk again after its frame was released, preferring the frame
// that held it before so that callers keep a valid reference.
func (p *pool) repin(prev *Buffer, blk pagemanager.BlockID) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// someone else already brought the block back in
	if buf := p.blockMap[blk]; buf != nil {
		p.pinFrame(buf)
		return buf, nil
	}
	if !prev.IsPinned() {
		if err := p.rebind(prev, func() error { return prev.assignToBlock(blk, p.fm, p.lm) }); err != nil {
			return nil, err
		}
		p.pinFrame(prev)
		return prev, nil
	}
	return p.pinLocked(blk)
}

func (p *pool) unpin(bufs ...*Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, buf := range bufs {
		// only the last pin frees the frame
		if buf.unpin() {
			p.numAvailable++
		}
	}
}

func (p *pool) flushAll(txNum int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, buf := range p.frames {
		if buf.IsModifiedBy(txNum) {
			err = multierr.Append(err, buf.flush(p.fm, p.lm))
		}
	}
	return err
}

func (p *pool) flushDirty() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for _, buf := range p.frames {
		// clean frames are a no-op inside flush
		err = multierr.Append(err, buf.flush(p.fm, p.lm))
	}
	return err
}

func (p *pool) pinFrame(buf *Buffer) {
	if !buf.IsPinned() {
		p.numAvailable--
	}
	buf.pin()
}

// rebind moves buf to a new block, keeping blockMap in step even when the
// assignment fails half way.
func (p *pool) rebind(buf *Buffer, assign func() error) error {
	old, wasBound := buf.binding()
	if wasBound {
		delete(p.blockMap, old)
	}
	if err := assign(); err != nil {
		// a failed read leaves the frame unbound, a failed flush keeps the old block
		if blk, bound := buf.binding(); bound {
			p.blockMap[blk] = buf
		}
		return err
	}
	p.blockMap[buf.Block()] = buf
	return nil
}

// chooseUnpinned scans circularly from the frame after the last replaced one.
func (p *pool) chooseUnpinned() *Buffer {
	n := len(p.frames)
	for i := 1; i <= n; i++ {
		idx := (p.lastReplaced + i) % n
		if !p.frames[idx].IsPinned() {
			p.lastReplaced = idx
			return p.frames[idx]
		}
	}
	return nil
}
