package btree

import (
	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

const (
	leafNumFlags = 2
	overflowFlag = 0
	siblingFlag  = 1

	noBlock int64 = -1
)

func leafSchema(keyType types.Type) *types.Schema {
	return types.NewSchema().
		AddField(fieldKey, keyType).
		AddField(fieldBlock, types.BigInt).
		AddField(fieldID, types.Integer)
}

// leaf is a cursor over leaf records within a range. It follows sibling
// links to the right and walks overflow chains, which hold extra records
// whose key equals the first key of the chain's head page.
type leaf struct {
	ti           *record.TableInfo
	tx           *transaction.Transaction
	dataFileName string
	rng          types.Range
	searchKey    types.Constant
	exclusive    bool

	page *btreePage
	slot int

	// origin is the chain head while its overflow chain is walked; the scan
	// resumes there at originSlot.
	origin     *btreePage
	originSlot int
	chainDone  bool
}

// openLeaf positions before the first record not below searchKey. The
// caller has already latched blk.
func openLeaf(blk pagemanager.BlockID, ti *record.TableInfo, rng types.Range, searchKey types.Constant,
	tx *transaction.Transaction, dataFileName string, exclusive bool) (*leaf, error) {
	page, err := openPage(blk, leafNumFlags, ti, tx)
	if err != nil {
		return nil, err
	}
	slot, err := page.findSlotBefore(searchKey)
	if err != nil {
		page.close()
		return nil, err
	}
	return &leaf{
		ti:           ti,
		tx:           tx,
		dataFileName: dataFileName,
		rng:          rng,
		searchKey:    searchKey,
		exclusive:    exclusive,
		page:         page,
		slot:         slot,
	}, nil
}

// close unpins the leaf's pages and gives up the latches that guarded no
// write.
func (l *leaf) close() {
	for _, p := range []*btreePage{l.page, l.origin} {
		if p != nil {
			unlatch(l.tx, p.blk, l.exclusive)
			p.close()
		}
	}
	l.page, l.origin = nil, nil
}

func (l *leaf) next() (bool, error) {
	for {
		l.slot++
		n, err := l.page.numRecs()
		if err != nil {
			return false, err
		}

		if l.origin != nil {
			if l.slot < n {
				return true, nil
			}
			ovf, err := l.page.flag(overflowFlag)
			if err != nil {
				return false, err
			}
			if ovf != noBlock {
				if err := l.step(ovf); err != nil {
					return false, err
				}
				continue
			}
			unlatch(l.tx, l.page.blk, l.exclusive)
			l.page.close()
			l.page, l.slot = l.origin, l.originSlot
			l.origin, l.chainDone = nil, true
			continue
		}

		if !l.chainDone {
			enter, ovf, err := l.chainStartsHere(n)
			if err != nil {
				return false, err
			}
			if enter {
				if err := l.enterChain(ovf); err != nil {
					return false, err
				}
				continue
			}
		}

		if l.slot >= n {
			sib, err := l.page.flag(siblingFlag)
			if err != nil || sib == noBlock {
				return false, err
			}
			if err := l.step(sib); err != nil {
				return false, err
			}
			l.chainDone = false
			continue
		}

		k, err := l.page.key(l.slot)
		if err != nil {
			return false, err
		}
		if l.rng.Exceeds(k) {
			return false, nil
		}
		if l.rng.Contains(k) {
			return true, nil
		}
	}
}

func (l *leaf) dataRecordID() (pagemanager.RecordID, error) {
	blkNum, err := l.page.blockNum(l.slot, fieldBlock)
	if err != nil {
		return pagemanager.RecordID{}, err
	}
	id, err := l.page.getVal(l.slot, fieldID)
	if err != nil {
		return pagemanager.RecordID{}, err
	}
	return pagemanager.NewRecordID(pagemanager.NewBlockID(l.dataFileName, blkNum), int32(id.(types.IntegerConstant))), nil
}

// safeForInsert reports whether inserting searchKey cannot produce a
// directory entry.
func (l *leaf) safeForInsert() (bool, error) {
	gettingFull, err := l.page.isGettingFull()
	if err != nil || gettingFull {
		return false, err
	}
	splitsChain, err := l.insertSplitsChain()
	return !splitsChain, err
}

// insertSplitsChain reports whether searchKey sorts before the records of an
// overflow chain head, which then has to move out of the way.
func (l *leaf) insertSplitsChain() (bool, error) {
	ovf, err := l.page.flag(overflowFlag)
	if err != nil || ovf == noBlock {
		return false, err
	}
	n, err := l.page.numRecs()
	if err != nil || n == 0 {
		return false, err
	}
	first, err := l.page.key(0)
	if err != nil {
		return false, err
	}
	return first.Compare(l.searchKey) > 0, nil
}

// insert adds (searchKey, rid). It returns the directory entry of a new
// sibling page when the leaf had to split.
func (l *leaf) insert(rid pagemanager.RecordID) (*dirEntry, error) {
	p := l.page
	splitsChain, err := l.insertSplitsChain()
	if err != nil {
		return nil, err
	}
	if splitsChain {
		// the new key sorts before an overflow chain: move the whole chain to
		// a new block and keep only the new record here
		first, err := p.key(0)
		if err != nil {
			return nil, err
		}
		flags, err := pageFlags(p)
		if err != nil {
			return nil, err
		}
		newBlk, err := p.split(0, flags)
		if err != nil {
			return nil, err
		}
		if err := p.setFlag(overflowFlag, noBlock); err != nil {
			return nil, err
		}
		if err := p.setFlag(siblingFlag, newBlk); err != nil {
			return nil, err
		}
		l.slot = 0
		if err := insertLeafRecord(p, 0, l.searchKey, rid); err != nil {
			return nil, err
		}
		return &dirEntry{key: first, blkNum: newBlk}, nil
	}

	l.slot++
	if err := insertLeafRecord(p, l.slot, l.searchKey, rid); err != nil {
		return nil, err
	}
	full, err := p.isFull()
	if err != nil || !full {
		return nil, err
	}

	n, err := p.numRecs()
	if err != nil {
		return nil, err
	}
	first, err := p.key(0)
	if err != nil {
		return nil, err
	}
	last, err := p.key(n - 1)
	if err != nil {
		return nil, err
	}
	ovf, err := p.flag(overflowFlag)
	if err != nil {
		return nil, err
	}
	if last.Equal(first) {
		// every record has the same key: keep the first and chain the rest
		newBlk, err := p.split(1, []int64{ovf, noBlock})
		if err != nil {
			return nil, err
		}
		return nil, p.setFlag(overflowFlag, newBlk)
	}

	// distinct keys: split near the middle, never inside a run of duplicates
	splitPos, splitKey, err := leafSplitPoint(p, n, first)
	if err != nil {
		return nil, err
	}
	sib, err := p.flag(siblingFlag)
	if err != nil {
		return nil, err
	}
	newBlk, err := p.split(splitPos, []int64{noBlock, sib})
	if err != nil {
		return nil, err
	}
	if err := p.setFlag(siblingFlag, newBlk); err != nil {
		return nil, err
	}
	return &dirEntry{key: splitKey, blkNum: newBlk}, nil
}

// delete removes the record pointing at rid. Pages are never merged.
func (l *leaf) delete(rid pagemanager.RecordID) (bool, error) {
	for {
		ok, err := l.next()
		if err != nil || !ok {
			return false, err
		}
		cur, err := l.dataRecordID()
		if err != nil {
			return false, err
		}
		if cur != rid {
			continue
		}

		headKey, err := l.page.key(0)
		if err != nil {
			return false, err
		}
		if err := l.page.delete(l.slot); err != nil {
			return false, err
		}
		if l.origin == nil && l.slot == 0 {
			if err := l.refillChainHead(headKey); err != nil {
				return false, err
			}
		}
		return true, nil
	}
}

// refillChainHead keeps the first record of a chain head equal to the
// chain's key by pulling a record up from the chain. When the chain has no
// records left it is unlinked.
func (l *leaf) refillChainHead(chainKey types.Constant) error {
	head := l.page
	ovf, err := head.flag(overflowFlag)
	if err != nil || ovf == noBlock {
		return err
	}
	n, err := head.numRecs()
	if err != nil {
		return err
	}
	if n > 0 {
		first, err := head.key(0)
		if err != nil || first.Equal(chainKey) {
			return err
		}
	}

	for blkNum := ovf; blkNum != noBlock; {
		blk := pagemanager.NewBlockID(head.blk.FileName, blkNum)
		if err := l.tx.Concurrency().XLockIndexBlock(blk); err != nil {
			return err
		}
		chain, err := openPage(blk, leafNumFlags, l.ti, l.tx)
		if err != nil {
			return err
		}
		cn, err := chain.numRecs()
		if err == nil && cn > 0 {
			err = pullUp(chain, cn-1, head)
			chain.close()
			return err
		}
		next, flagErr := chain.flag(overflowFlag)
		chain.close()
		l.tx.Concurrency().ReleaseIndexXBlocks(blk)
		if err != nil {
			return err
		}
		if flagErr != nil {
			return flagErr
		}
		blkNum = next
	}
	return head.setFlag(overflowFlag, noBlock)
}

func pullUp(chain *btreePage, slot int, head *btreePage) error {
	if err := head.insert(0); err != nil {
		return err
	}
	if err := chain.copyRecordTo(slot, head, 0); err != nil {
		return err
	}
	return chain.delete(slot)
}

// step moves the cursor to another page of the same leaf file, latching
// it before letting go of the current one.
func (l *leaf) step(blkNum int64) error {
	blk := pagemanager.NewBlockID(l.page.blk.FileName, blkNum)
	if err := latch(l.tx, blk, l.exclusive); err != nil {
		return err
	}
	next, err := openPage(blk, leafNumFlags, l.ti, l.tx)
	if err != nil {
		unlatch(l.tx, blk, l.exclusive)
		return err
	}
	unlatch(l.tx, l.page.blk, l.exclusive)
	l.page.close()
	l.page, l.slot = next, -1
	return nil
}

// chainStartsHere reports whether the cursor just passed the records of the
// page's first key and the page heads an overflow chain worth walking.
func (l *leaf) chainStartsHere(n int) (bool, int64, error) {
	ovf, err := l.page.flag(overflowFlag)
	if err != nil || ovf == noBlock || n == 0 {
		return false, 0, err
	}
	first, err := l.page.key(0)
	if err != nil {
		return false, 0, err
	}
	if l.slot < n {
		k, err := l.page.key(l.slot)
		if err != nil || k.Equal(first) {
			return false, 0, err
		}
	}
	return l.rng.Contains(first), ovf, nil
}

func (l *leaf) enterChain(ovf int64) error {
	blk := pagemanager.NewBlockID(l.page.blk.FileName, ovf)
	if err := latch(l.tx, blk, l.exclusive); err != nil {
		return err
	}
	chain, err := openPage(blk, leafNumFlags, l.ti, l.tx)
	if err != nil {
		unlatch(l.tx, blk, l.exclusive)
		return err
	}
	l.origin, l.originSlot = l.page, l.slot-1
	l.page, l.slot = chain, -1
	return nil
}

func insertLeafRecord(p *btreePage, slot int, key types.Constant, rid pagemanager.RecordID) error {
	if err := p.insert(slot); err != nil {
		return err
	}
	if err := p.setVal(slot, fieldKey, key); err != nil {
		return err
	}
	if err := p.setVal(slot, fieldBlock, types.BigIntConstant(rid.Block.Number)); err != nil {
		return err
	}
	return p.setVal(slot, fieldID, types.IntegerConstant(rid.Slot))
}

// leafSplitPoint picks the middle record, moved so that records sharing
// the split key all end up on the same side.
func leafSplitPoint(p *btreePage, n int, first types.Constant) (int, types.Constant, error) {
	splitPos := n / 2
	splitKey, err := p.key(splitPos)
	if err != nil {
		return 0, nil, err
	}
	if splitKey.Equal(first) {
		// the first key runs past the middle, split after its last copy
		for splitPos < n {
			k, err := p.key(splitPos)
			if err != nil {
				return 0, nil, err
			}
			if !k.Equal(splitKey) {
				return splitPos, k, nil
			}
			splitPos++
		}
		return 0, nil, errNoSplitPoint
	}
	// otherwise back up to the first copy of the split key
	for splitPos > 1 {
		k, err := p.key(splitPos - 1)
		if err != nil {
			return 0, nil, err
		}
		if !k.Equal(splitKey) {
			break
		}
		splitPos--
	}
	return splitPos, splitKey, nil
}

func pageFlags(p *btreePage) ([]int64, error) {
	flags := make([]int64, p.numFlags)
	for i := range flags {
		f, err := p.flag(i)
		if err != nil {
			return nil, err
		}
		flags[i] = f
	}
	return flags, nil
}
