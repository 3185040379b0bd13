// Package hash implements a static hash index. Each bucket is a record
// file named after the index and the bucket number.
package hash

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojokernel/core/record"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	flushmanager "github.com/sushant-115/gojokernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

const DefaultBuckets = 100

const (
	fieldKey   = "key"
	fieldBlock = "block"
	fieldID    = "id"
)

func schema(keyType types.Type) *types.Schema {
	return types.NewSchema().
		AddField(fieldKey, keyType).
		AddField(fieldBlock, types.BigInt).
		AddField(fieldID, types.Integer)
}

type Index struct {
	dataFileName string
	idxName      string
	keyType      types.Type
	buckets      int
	tx           *transaction.Transaction

	searchKey types.Constant
	rf        *record.RecordFile
}

// New opens the hash index idxName. A non-positive bucket count selects
// DefaultBuckets.
func New(dataFileName, idxName string, keyType types.Type, buckets int, tx *transaction.Transaction) *Index {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return &Index{dataFileName: dataFileName, idxName: idxName, keyType: keyType, buckets: buckets, tx: tx}
}

// BeforeFirst opens the bucket of the range's key. Only equality ranges
// can be searched.
func (idx *Index) BeforeFirst(rng types.Range) error {
	idx.Close()
	if !rng.IsEquality() {
		return fmt.Errorf("hash index %s, range %s: %w", idx.idxName, rng, flushmanager.ErrUnsupportedRange)
	}
	key, err := rng.Low().CastTo(idx.keyType)
	if err != nil {
		return fmt.Errorf("hash index %s: %w", idx.idxName, err)
	}
	idx.searchKey = key
	idx.rf = idx.bucketTable(key).Open(idx.tx)
	idx.rf.BeforeFirst()
	return nil
}

func (idx *Index) Next() (bool, error) {
	if idx.rf == nil {
		return false, nil
	}
	for {
		ok, err := idx.rf.Next()
		if err != nil || !ok {
			return false, err
		}
		k, err := idx.rf.GetVal(fieldKey)
		if err != nil {
			return false, err
		}
		if k.Equal(idx.searchKey) {
			return true, nil
		}
	}
}

func (idx *Index) DataRecordID() (pagemanager.RecordID, error) {
	if idx.rf == nil {
		return pagemanager.RecordID{}, errors.New("hash index is not positioned")
	}
	blk, err := idx.rf.GetVal(fieldBlock)
	if err != nil {
		return pagemanager.RecordID{}, err
	}
	id, err := idx.rf.GetVal(fieldID)
	if err != nil {
		return pagemanager.RecordID{}, err
	}
	return pagemanager.NewRecordID(
		pagemanager.NewBlockID(idx.dataFileName, int64(blk.(types.BigIntConstant))),
		int32(id.(types.IntegerConstant)),
	), nil
}

func (idx *Index) Insert(key types.Constant, rid pagemanager.RecordID) error {
	if err := idx.BeforeFirst(types.NewEqualityRange(key)); err != nil {
		return err
	}
	if err := idx.rf.Insert(); err != nil {
		return err
	}
	if err := idx.rf.SetVal(fieldKey, idx.searchKey); err != nil {
		return err
	}
	if err := idx.rf.SetVal(fieldBlock, types.BigIntConstant(rid.Block.Number)); err != nil {
		return err
	}
	return idx.rf.SetVal(fieldID, types.IntegerConstant(rid.Slot))
}

func (idx *Index) Delete(key types.Constant, rid pagemanager.RecordID) error {
	if err := idx.BeforeFirst(types.NewEqualityRange(key)); err != nil {
		return err
	}
	for {
		ok, err := idx.Next()
		if err != nil || !ok {
			return err
		}
		cur, err := idx.DataRecordID()
		if err != nil {
			return err
		}
		if cur == rid {
			return idx.rf.Delete()
		}
	}
}

func (idx *Index) Close() {
	if idx.rf != nil {
		idx.rf.Close()
		idx.rf = nil
	}
}

func (idx *Index) bucketTable(key types.Constant) *record.TableInfo {
	bucket := key.Hash() % uint64(idx.buckets)
	return record.NewTableInfo(fmt.Sprintf("%s%d", idx.idxName, bucket), schema(idx.keyType))
}

// SearchCost estimates the blocks of one bucket.
func SearchCost(keyType types.Type, totRecs int64, blockSize, buckets int) int64 {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	rpb := int64(blockSize / record.NewTableInfo("", schema(keyType)).RecordSize())
	return (totRecs / rpb) / int64(buckets)
}
