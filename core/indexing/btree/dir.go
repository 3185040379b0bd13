package btree

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/types"
)

const (
	fieldKey   = "key"
	fieldChild = "child"
	fieldBlock = "block"
	fieldID    = "id"

	dirNumFlags = 1
	levelFlag   = 0
)

func dirSchema(keyType types.Type) *types.Schema {
	return types.NewSchema().
		AddField(fieldKey, keyType).
		AddField(fieldChild, types.BigInt)
}

// dirEntry is a separator key and the block holding keys from it on.
type dirEntry struct {
	key    types.Constant
	blkNum int64
}

func level(p *btreePage) (int64, error) { return p.flag(levelFlag) }

// findChildBlockNumber picks the child whose subtree may hold key.
func findChildBlockNumber(p *btreePage, key types.Constant) (int64, error) {
	slot, err := p.findSlotBefore(key)
	if err != nil {
		return 0, err
	}
	n, err := p.numRecs()
	if err != nil {
		return 0, err
	}
	if slot+1 < n {
		next, err := p.key(slot + 1)
		if err != nil {
			return 0, err
		}
		if next.Equal(key) {
			slot++
		}
	}
	if slot < 0 {
		slot = 0
	}
	return p.blockNum(slot, fieldChild)
}

func insertDirRecord(p *btreePage, slot int, key types.Constant, blkNum int64) error {
	if err := p.insert(slot); err != nil {
		return err
	}
	if err := p.setVal(slot, fieldKey, key); err != nil {
		return err
	}
	return p.setVal(slot, fieldChild, types.BigIntConstant(blkNum))
}

// insertDirEntry adds e to the directory page p. When p fills up it is split
// and the entry for the new half is returned.
func insertDirEntry(p *btreePage, e dirEntry) (*dirEntry, error) {
	before, err := p.findSlotBefore(e.key)
	if err != nil {
		return nil, err
	}
	if err := insertDirRecord(p, before+1, e.key, e.blkNum); err != nil {
		return nil, err
	}
	full, err := p.isFull()
	if err != nil || !full {
		return nil, err
	}

	lvl, err := level(p)
	if err != nil {
		return nil, err
	}
	n, err := p.numRecs()
	if err != nil {
		return nil, err
	}
	// the middle key moves up to the parent
	splitPos := n / 2
	splitKey, err := p.key(splitPos)
	if err != nil {
		return nil, err
	}
	newBlk, err := p.split(splitPos, []int64{lvl})
	if err != nil {
		return nil, err
	}
	return &dirEntry{key: splitKey, blkNum: newBlk}, nil
}

// makeNewRoot grows the tree by one level. The root stays at block 0: its
// records move to a new block and it is refilled with two entries.
func makeNewRoot(root *btreePage, e dirEntry) error {
	if root.blk.Number != 0 {
		return fmt.Errorf("b-tree root must be block 0, got %s", root.blk)
	}
	firstKey, err := root.key(0)
	if err != nil {
		return err
	}
	lvl, err := level(root)
	if err != nil {
		return err
	}
	newBlk, err := root.split(0, []int64{lvl})
	if err != nil {
		return err
	}
	if _, err := insertDirEntry(root, dirEntry{key: firstKey, blkNum: newBlk}); err != nil {
		return err
	}
	if _, err := insertDirEntry(root, e); err != nil {
		return err
	}
	return root.setFlag(levelFlag, lvl+1)
}
