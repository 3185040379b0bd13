package pagemanager

import "fmt"

// BlockID identifies one block of a file.
type BlockID struct {
	FileName string
	Number   int64
}

func NewBlockID(fileName string, number int64) BlockID {
	return BlockID{FileName: fileName, Number: number}
}

func (b BlockID) String() string {
	return fmt.Sprintf("[file %s, block %d]", b.FileName, b.Number)
}

// RecordID identifies one slot of a block.
type RecordID struct {
	Block BlockID
	Slot  int32
}

func NewRecordID(blk BlockID, slot int32) RecordID {
	return RecordID{Block: blk, Slot: slot}
}

func (r RecordID) String() string {
	return fmt.Sprintf("[%s, slot %d]", r.Block, r.Slot)
}
