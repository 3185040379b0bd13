// Package btree implements a B-tree index over the records of a data file.
// Directory and leaf records live in two record-style files; the root is
// always block 0 of the directory file.
package btree

import (
	"errors"
	"fmt"
	"math"

	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

var errNoSplitPoint = errors.New("b-tree leaf holds a single key and cannot split")

// Index is a B-tree index opened by one transaction. It is not safe for
// concurrent use; concurrent transactions each open their own Index.
type Index struct {
	dataFileName string
	keyType      types.Type
	tx           *transaction.Transaction
	leafTI       *record.TableInfo
	dirTI        *record.TableInfo
	rootBlk      pagemanager.BlockID

	leaf *leaf
}

// New opens the index idxName over dataFileName, creating its files on
// first use.
func New(dataFileName, idxName string, keyType types.Type, tx *transaction.Transaction) (*Index, error) {
	idx := &Index{
		dataFileName: dataFileName,
		keyType:      keyType,
		tx:           tx,
		leafTI:       record.NewTableInfo(idxName+"leaf", leafSchema(keyType)),
		dirTI:        record.NewTableInfo(idxName+"dir", dirSchema(keyType)),
	}
	idx.rootBlk = pagemanager.NewBlockID(idx.dirTI.FileName(), 0)

	if err := idx.ensureFile(idx.leafTI, []int64{noBlock, noBlock}); err != nil {
		return nil, fmt.Errorf("btree: create leaf file of %s: %w", idxName, err)
	}
	if err := idx.ensureFile(idx.dirTI, []int64{0}); err != nil {
		return nil, fmt.Errorf("btree: create directory file of %s: %w", idxName, err)
	}
	if err := idx.ensureRoot(); err != nil {
		return nil, fmt.Errorf("btree: initialise root of %s: %w", idxName, err)
	}
	return idx, nil
}

// ensureFile formats block 0 of an empty index file.
func (idx *Index) ensureFile(ti *record.TableInfo, flags []int64) error {
	fileName := ti.FileName()
	size, err := idx.tx.Files().Size(fileName)
	if err != nil || size > 0 {
		return err
	}
	if err := idx.tx.Concurrency().XLockFile(fileName); err != nil {
		return err
	}
	if size, err = idx.tx.Files().Size(fileName); err != nil || size > 0 {
		return err
	}
	buf, err := idx.tx.Buffers().PinNew(fileName, newPageFormatter(ti, flags), idx.tx.Num())
	if err != nil {
		return err
	}
	idx.tx.Buffers().Unpin(idx.tx.Num(), buf)
	return nil
}

// ensureRoot inserts the entry (minimum key, leaf 0) into an empty root.
func (idx *Index) ensureRoot() error {
	cc := idx.tx.Concurrency()
	empty, err := idx.rootIsEmpty(false)
	if err != nil || !empty {
		return err
	}
	if empty, err = idx.rootIsEmpty(true); err != nil || !empty {
		return err
	}
	defer cc.ReleaseIndexXBlocks(idx.rootBlk)
	root, err := openPage(idx.rootBlk, dirNumFlags, idx.dirTI, idx.tx)
	if err != nil {
		return err
	}
	defer root.close()
	return insertDirRecord(root, 0, idx.keyType.MinValue(), 0)
}

// rootIsEmpty checks the root under a latch. An exclusive latch is kept
// when the root turns out to be empty.
func (idx *Index) rootIsEmpty(exclusive bool) (bool, error) {
	if err := latch(idx.tx, idx.rootBlk, exclusive); err != nil {
		return false, err
	}
	root, err := openPage(idx.rootBlk, dirNumFlags, idx.dirTI, idx.tx)
	if err != nil {
		unlatch(idx.tx, idx.rootBlk, exclusive)
		return false, err
	}
	n, err := root.numRecs()
	root.close()
	if err != nil || n > 0 || !exclusive {
		unlatch(idx.tx, idx.rootBlk, exclusive)
	}
	return err == nil && n == 0, err
}

// BeforeFirst positions the index before the first entry in rng.
func (idx *Index) BeforeFirst(rng types.Range) error {
	idx.Close()
	if !rng.IsValid() {
		return nil
	}
	searchKey := idx.keyType.MinValue()
	if rng.HasLowerBound() {
		k, err := idx.castKey(rng.Low())
		if err != nil {
			return err
		}
		searchKey = k
	}
	leafBlk, err := idx.descend(searchKey, false)
	if err != nil {
		return err
	}
	l, err := openLeaf(leafBlk, idx.leafTI, rng, searchKey, idx.tx, idx.dataFileName, false)
	if err != nil {
		unlatch(idx.tx, leafBlk, false)
		return err
	}
	idx.leaf = l
	return nil
}

// Next moves to the next entry in the range given to BeforeFirst.
func (idx *Index) Next() (bool, error) {
	if idx.leaf == nil {
		return false, nil
	}
	return idx.leaf.next()
}

// DataRecordID returns the data record the current entry points at.
func (idx *Index) DataRecordID() (pagemanager.RecordID, error) {
	if idx.leaf == nil {
		return pagemanager.RecordID{}, errors.New("btree: index is not positioned")
	}
	return idx.leaf.dataRecordID()
}

// Insert adds the entry (key, rid).
func (idx *Index) Insert(key types.Constant, rid pagemanager.RecordID) error {
	if err := idx.tx.CheckWritable(idx.leafTI.FileName()); err != nil {
		return err
	}
	idx.Close()
	key, err := idx.castKey(key)
	if err != nil {
		return err
	}

	leafBlk, err := idx.descend(key, true)
	if err != nil {
		return err
	}
	l, err := openLeaf(leafBlk, idx.leafTI, types.NewEqualityRange(key), key, idx.tx, idx.dataFileName, true)
	if err != nil {
		unlatch(idx.tx, leafBlk, true)
		return err
	}
	safe, err := l.safeForInsert()
	if err == nil && safe {
		_, err = l.insert(rid)
	}
	l.close()
	if err != nil || safe {
		return err
	}
	return idx.insertWithSplits(key, rid)
}

// Delete removes the entry (key, rid). Deleting an absent entry is not an
// error.
func (idx *Index) Delete(key types.Constant, rid pagemanager.RecordID) error {
	if err := idx.tx.CheckWritable(idx.leafTI.FileName()); err != nil {
		return err
	}
	idx.Close()
	key, err := idx.castKey(key)
	if err != nil {
		return err
	}

	leafBlk, err := idx.descend(key, true)
	if err != nil {
		return err
	}
	l, err := openLeaf(leafBlk, idx.leafTI, types.NewEqualityRange(key), key, idx.tx, idx.dataFileName, true)
	if err != nil {
		unlatch(idx.tx, leafBlk, true)
		return err
	}
	defer l.close()
	_, err = l.delete(rid)
	return err
}

// Close releases the current leaf. The index can be positioned again.
func (idx *Index) Close() {
	if idx.leaf != nil {
		idx.leaf.close()
		idx.leaf = nil
	}
}

// PreLoadToMemory pins every block of the index once so that later
// searches find them in the buffer pool.
func (idx *Index) PreLoadToMemory() error {
	for _, ti := range []*record.TableInfo{idx.dirTI, idx.leafTI} {
		size, err := idx.tx.Files().Size(ti.FileName())
		if err != nil {
			return err
		}
		for i := int64(0); i < size; i++ {
			buf, err := idx.tx.Buffers().Pin(pagemanager.NewBlockID(ti.FileName(), i), idx.tx.Num())
			if err != nil {
				return err
			}
			idx.tx.Buffers().Unpin(idx.tx.Num(), buf)
		}
	}
	return nil
}

func (idx *Index) castKey(key types.Constant) (types.Constant, error) {
	k, err := key.CastTo(idx.keyType)
	if err != nil {
		return nil, fmt.Errorf("btree: key %s: %w", key, err)
	}
	return k, nil
}

// descend walks from the root to the leaf that may hold key with shared
// latch coupling and returns the leaf block, latched in the requested mode.
func (idx *Index) descend(key types.Constant, exclusiveLeaf bool) (pagemanager.BlockID, error) {
	cc := idx.tx.Concurrency()
	blk := idx.rootBlk
	if err := cc.SLockIndexBlock(blk); err != nil {
		return pagemanager.BlockID{}, err
	}
	for {
		lvl, child, err := idx.route(blk, key)
		if err != nil {
			cc.ReleaseIndexBlocks(blk)
			return pagemanager.BlockID{}, err
		}
		var next pagemanager.BlockID
		if lvl == 0 {
			next = pagemanager.NewBlockID(idx.leafTI.FileName(), child)
			err = latch(idx.tx, next, exclusiveLeaf)
		} else {
			next = pagemanager.NewBlockID(idx.dirTI.FileName(), child)
			err = cc.SLockIndexBlock(next)
		}
		cc.ReleaseIndexBlocks(blk)
		if err != nil {
			return pagemanager.BlockID{}, err
		}
		if lvl == 0 {
			return next, nil
		}
		blk = next
	}
}

// route reads the level of a directory block and the child to follow.
func (idx *Index) route(blk pagemanager.BlockID, key types.Constant) (int64, int64, error) {
	p, err := openPage(blk, dirNumFlags, idx.dirTI, idx.tx)
	if err != nil {
		return 0, 0, err
	}
	defer p.close()
	lvl, err := level(p)
	if err != nil {
		return 0, 0, err
	}
	child, err := findChildBlockNumber(p, key)
	return lvl, child, err
}

// insertWithSplits inserts under exclusive latches taken from the root
// down. Directory pages that might split stay latched so that split
// entries can be added to them bottom-up.
func (idx *Index) insertWithSplits(key types.Constant, rid pagemanager.RecordID) error {
	cc := idx.tx.Concurrency()
	var path []*btreePage
	defer func() {
		for _, p := range path {
			p.close()
			cc.ReleaseIndexXBlocks(p.blk)
		}
	}()

	blk := idx.rootBlk
	if err := cc.XLockIndexBlock(blk); err != nil {
		return err
	}
	var leafBlk pagemanager.BlockID
	for {
		p, err := openPage(blk, dirNumFlags, idx.dirTI, idx.tx)
		if err != nil {
			cc.ReleaseIndexXBlocks(blk)
			return err
		}
		gettingFull, err := p.isGettingFull()
		if err == nil && !gettingFull {
			for _, anc := range path {
				anc.close()
				cc.ReleaseIndexXBlocks(anc.blk)
			}
			path = path[:0]
		}
		path = append(path, p)
		if err != nil {
			return err
		}

		lvl, err := level(p)
		if err != nil {
			return err
		}
		child, err := findChildBlockNumber(p, key)
		if err != nil {
			return err
		}
		if lvl == 0 {
			leafBlk = pagemanager.NewBlockID(idx.leafTI.FileName(), child)
			if err := cc.XLockIndexBlock(leafBlk); err != nil {
				return err
			}
			break
		}
		blk = pagemanager.NewBlockID(idx.dirTI.FileName(), child)
		if err := cc.XLockIndexBlock(blk); err != nil {
			return err
		}
	}

	l, err := openLeaf(leafBlk, idx.leafTI, types.NewEqualityRange(key), key, idx.tx, idx.dataFileName, true)
	if err != nil {
		cc.ReleaseIndexXBlocks(leafBlk)
		return err
	}
	e, err := l.insert(rid)
	l.close()
	if err != nil {
		return err
	}

	for i := len(path) - 1; i >= 0 && e != nil; i-- {
		if e, err = insertDirEntry(path[i], *e); err != nil {
			return err
		}
	}
	if e != nil {
		return makeNewRoot(path[0], *e)
	}
	return nil
}

func latch(tx *transaction.Transaction, blk pagemanager.BlockID, exclusive bool) error {
	if exclusive {
		return tx.Concurrency().XLockIndexBlock(blk)
	}
	return tx.Concurrency().SLockIndexBlock(blk)
}

// unlatch releases a latch taken by latch. Exclusive latches on blocks the
// transaction modified are kept until it ends.
func unlatch(tx *transaction.Transaction, blk pagemanager.BlockID, exclusive bool) {
	if exclusive {
		tx.Concurrency().ReleaseIndexXBlocks(blk)
		return
	}
	tx.Concurrency().ReleaseIndexBlocks(blk)
}

// SearchCost estimates the blocks read to find matchRecs of totRecs
// entries: one directory block per level plus the matching leaves.
func SearchCost(keyType types.Type, totRecs, matchRecs int64, blockSize int) int64 {
	dirRPB := blockSize / record.NewTableInfo("", dirSchema(keyType)).RecordSize()
	leafRPB := blockSize / record.NewTableInfo("", leafSchema(keyType)).RecordSize()
	leafs := int64(math.Ceil(float64(totRecs) / float64(leafRPB)))
	matchLeafs := int64(math.Ceil(float64(matchRecs) / float64(leafRPB)))
	if leafs <= 1 || dirRPB <= 1 {
		return matchLeafs
	}
	return int64(math.Ceil(math.Log(float64(leafs))/math.Log(float64(dirRPB)))) + matchLeafs
}
