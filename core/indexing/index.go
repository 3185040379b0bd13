// Package indexing defines the operations shared by all index kinds and
// opens an index of a given kind.
package indexing

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojokernel/core/indexing/btree"
	"github.com/sushant-115/gojokernel/core/indexing/hash"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// Index maps search keys to data record ids. An Index belongs to the
// transaction that opened it.
type Index interface {
	// BeforeFirst positions the index before the first entry in rng.
	BeforeFirst(rng types.Range) error
	Next() (bool, error)
	DataRecordID() (pagemanager.RecordID, error)
	Insert(key types.Constant, rid pagemanager.RecordID) error
	Delete(key types.Constant, rid pagemanager.RecordID) error
	Close()
}

// IndexType is stored in the index catalog.
type IndexType int32

const (
	BTree IndexType = 1
	Hash  IndexType = 2
)

func (t IndexType) String() string {
	switch t {
	case BTree:
		return "btree"
	case Hash:
		return "hash"
	}
	return fmt.Sprintf("IndexType(%d)", int32(t))
}

func ParseIndexType(s string) (IndexType, error) {
	switch strings.ToLower(s) {
	case "btree", "b-tree", "":
		return BTree, nil
	case "hash":
		return Hash, nil
	}
	return 0, fmt.Errorf("unknown index type %q", s)
}

// Options carries the settings an index kind may need.
type Options struct {
	HashBuckets int
}

// Open opens the index idxName of kind t over dataFileName.
func Open(t IndexType, dataFileName, idxName string, keyType types.Type, opts Options, tx *transaction.Transaction) (Index, error) {
	switch t {
	case BTree:
		return btree.New(dataFileName, idxName, keyType, tx)
	case Hash:
		return hash.New(dataFileName, idxName, keyType, opts.HashBuckets, tx), nil
	}
	return nil, fmt.Errorf("open index %s: unsupported %s", idxName, t)
}

// SearchCost estimates the blocks read by a search of kind t.
func SearchCost(t IndexType, keyType types.Type, totRecs, matchRecs int64, blockSize int, opts Options) int64 {
	if t == Hash {
		return hash.SearchCost(keyType, totRecs, blockSize, opts.HashBuckets)
	}
	return btree.SearchCost(keyType, totRecs, matchRecs, blockSize)
}
