package recovery

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/types"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	"github.com/sushant-115/gojokernel/core/write_engine/wal"
)

// Op codes of the control records. A set-value record uses the SQL type code
// of the value it saved.
const (
	OpCheckpoint int32 = -41
	OpStart      int32 = -42
	OpCommit     int32 = -43
	OpRollback   int32 = -44
)

// noTx is reported by records that belong to no transaction.
const noTx int64 = -1

// BufferPool is the part of the buffer manager that undo needs.
type BufferPool interface {
	Pin(blk pagemanager.BlockID, txNum int64) (*buffer.Buffer, error)
	Unpin(txNum int64, bufs ...*buffer.Buffer)
	FlushAll(txNum int64) error
}

// Record is one decoded log record.
type Record interface {
	Op() int32
	TxNum() int64
	// Undo reverts the record on behalf of the transaction undoing it.
	Undo(undoTx int64, bufs BufferPool) error
	String() string
}

type StartRecord struct{ Tx int64 }

func (r StartRecord) Op() int32                    { return OpStart }
func (r StartRecord) TxNum() int64                 { return r.Tx }
func (r StartRecord) Undo(int64, BufferPool) error { return nil }
func (r StartRecord) String() string               { return fmt.Sprintf("<START %d>", r.Tx) }

type CommitRecord struct{ Tx int64 }

func (r CommitRecord) Op() int32                    { return OpCommit }
func (r CommitRecord) TxNum() int64                 { return r.Tx }
func (r CommitRecord) Undo(int64, BufferPool) error { return nil }
func (r CommitRecord) String() string               { return fmt.Sprintf("<COMMIT %d>", r.Tx) }

type RollbackRecord struct{ Tx int64 }

func (r RollbackRecord) Op() int32                    { return OpRollback }
func (r RollbackRecord) TxNum() int64                 { return r.Tx }
func (r RollbackRecord) Undo(int64, BufferPool) error { return nil }
func (r RollbackRecord) String() string               { return fmt.Sprintf("<ROLLBACK %d>", r.Tx) }

type CheckpointRecord struct{}

func (r CheckpointRecord) Op() int32                    { return OpCheckpoint }
func (r CheckpointRecord) TxNum() int64                 { return noTx }
func (r CheckpointRecord) Undo(int64, BufferPool) error { return nil }
func (r CheckpointRecord) String() string               { return "<CHECKPOINT>" }

// SetValueRecord saves the value a transaction is about to overwrite.
type SetValueRecord struct {
	Tx     int64
	Block  pagemanager.BlockID
	Offset int
	Old    types.Constant
}

func (r SetValueRecord) Op() int32    { return r.Old.Type().SQLType() }
func (r SetValueRecord) TxNum() int64 { return r.Tx }

func (r SetValueRecord) String() string {
	return fmt.Sprintf("<SETVAL %d %d %s %d %s>", r.Op(), r.Tx, r.Block, r.Offset, r.Old)
}

// Undo writes the saved value back. The write is not logged.
func (r SetValueRecord) Undo(undoTx int64, bufs BufferPool) error {
	buf, err := bufs.Pin(r.Block, r.Tx)
	if err != nil {
		return fmt.Errorf("failed to pin %s for undo: %w", r.Block, err)
	}
	defer bufs.Unpin(r.Tx, buf)
	return buf.SetVal(r.Offset, r.Old, undoTx, wal.NoLSN)
}

func writeRecord(lm *wal.LogManager, rec Record) (wal.LSN, error) {
	op := types.IntegerConstant(rec.Op())
	switch r := rec.(type) {
	case CheckpointRecord:
		return lm.Append(op)
	case SetValueRecord:
		return lm.Append(op,
			types.BigIntConstant(r.Tx),
			types.VarcharConstant(r.Block.FileName),
			types.BigIntConstant(r.Block.Number),
			types.IntegerConstant(int32(r.Offset)),
			r.Old)
	default:
		return lm.Append(op, types.BigIntConstant(rec.TxNum()))
	}
}

func readRecord(rec *wal.BasicLogRecord) (Record, error) {
	opVal, err := rec.NextVal(types.Integer)
	if err != nil {
		return nil, err
	}
	op := int32(opVal.(types.IntegerConstant))
	if op == OpCheckpoint {
		return CheckpointRecord{}, nil
	}

	txVal, err := rec.NextVal(types.BigInt)
	if err != nil {
		return nil, err
	}
	tx := int64(txVal.(types.BigIntConstant))

	switch op {
	case OpStart:
		return StartRecord{Tx: tx}, nil
	case OpCommit:
		return CommitRecord{Tx: tx}, nil
	case OpRollback:
		return RollbackRecord{Tx: tx}, nil
	}

	oldType, err := types.NewType(op, 0)
	if err != nil {
		return nil, fmt.Errorf("unknown log record op %d: %w", op, err)
	}
	vals := make([]types.Constant, 0, 4)
	for _, t := range []types.Type{types.Varchar(0), types.BigInt, types.Integer, oldType} {
		v, err := rec.NextVal(t)
		if err != nil {
			return nil, fmt.Errorf("corrupt set-value record: %w", err)
		}
		vals = append(vals, v)
	}
	return SetValueRecord{
		Tx:     tx,
		Block:  pagemanager.NewBlockID(string(vals[0].(types.VarcharConstant)), int64(vals[1].(types.BigIntConstant))),
		Offset: int(vals[2].(types.IntegerConstant)),
		Old:    vals[3],
	}, nil
}

// Iterator decodes the log newest first.
type Iterator struct {
	it *wal.Iterator
}

func NewIterator(lm *wal.LogManager) (*Iterator, error) {
	it, err := lm.Iterator()
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

func (i *Iterator) HasNext() bool { return i.it.HasNext() }

func (i *Iterator) Next() (Record, error) {
	rec, err := i.it.Next()
	if err != nil {
		return nil, err
	}
	return readRecord(rec)
}
