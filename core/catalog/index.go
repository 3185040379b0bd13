package catalog

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
	"go.uber.org/zap"
)

// IndexInfo describes one index recorded in the catalog.
type IndexInfo struct {
	name      string
	tableName string
	fieldName string
	kind      indexing.IndexType
	keyType   types.Type
	dataFile  string
	opts      indexing.Options
}

func (ii *IndexInfo) Name() string             { return ii.name }
func (ii *IndexInfo) TableName() string        { return ii.tableName }
func (ii *IndexInfo) FieldName() string        { return ii.fieldName }
func (ii *IndexInfo) Type() indexing.IndexType { return ii.kind }
func (ii *IndexInfo) KeyType() types.Type      { return ii.keyType }

// Open opens the index on behalf of tx.
func (ii *IndexInfo) Open(tx *transaction.Transaction) (indexing.Index, error) {
	return indexing.Open(ii.kind, ii.dataFile, ii.name, ii.keyType, ii.opts, tx)
}

// SearchCost estimates the blocks read to find matchRecs of totRecs
// entries through this index.
func (ii *IndexInfo) SearchCost(totRecs, matchRecs int64, blockSize int) int64 {
	return indexing.SearchCost(ii.kind, ii.keyType, totRecs, matchRecs, blockSize, ii.opts)
}

// CreateIndex records an index on tblName.fldName and creates its files.
func (c *Catalog) CreateIndex(idxName, tblName, fldName string, kind indexing.IndexType, tx *transaction.Transaction) error {
	if err := c.checkName(idxName); err != nil {
		return err
	}
	ti, err := c.TableInfo(tblName, tx)
	if err != nil {
		return err
	}
	if !ti.Schema().HasField(fldName) {
		return fmt.Errorf("catalog: create index %s: table %s has no field %q", idxName, tblName, fldName)
	}

	icat := c.idxcat.Open(tx)
	defer icat.Close()
	if err := insertRow(icat, map[string]types.Constant{
		fieldIndexName: types.VarcharConstant(idxName),
		fieldTableName: types.VarcharConstant(tblName),
		fieldFieldName: types.VarcharConstant(fldName),
		fieldIndexType: types.IntegerConstant(int32(kind)),
	}); err != nil {
		return fmt.Errorf("catalog: create index %s: %w", idxName, err)
	}

	keyType, _ := ti.Schema().Type(fldName)
	ii := c.newIndexInfo(idxName, tblName, fldName, kind, keyType, ti.FileName())
	idx, err := ii.Open(tx)
	if err != nil {
		return fmt.Errorf("catalog: create index %s: %w", idxName, err)
	}
	idx.Close()
	c.logger.Info("Created index",
		zap.String("index", idxName),
		zap.String("table", tblName),
		zap.String("field", fldName),
		zap.Stringer("type", kind),
	)
	return nil
}

// IndexInfo returns the indexes of tblName grouped by indexed field.
func (c *Catalog) IndexInfo(tblName string, tx *transaction.Transaction) (map[string][]*IndexInfo, error) {
	ti, err := c.TableInfo(tblName, tx)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]*IndexInfo)
	err = scan(c.idxcat, tx, func(row rowReader) (bool, error) {
		match, err := row.matches(fieldTableName, tblName)
		if err != nil || !match {
			return false, err
		}
		idxName, err := row.str(fieldIndexName)
		if err != nil {
			return false, err
		}
		fld, err := row.str(fieldFieldName)
		if err != nil {
			return false, err
		}
		kind, err := row.int(fieldIndexType)
		if err != nil {
			return false, err
		}
		keyType, ok := ti.Schema().Type(fld)
		if !ok {
			return false, fmt.Errorf("catalog: index %s refers to missing field %s.%s", idxName, tblName, fld)
		}
		result[fld] = append(result[fld], c.newIndexInfo(idxName, tblName, fld, indexing.IndexType(kind), keyType, ti.FileName()))
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Catalog) newIndexInfo(idxName, tblName, fldName string, kind indexing.IndexType, keyType types.Type, dataFile string) *IndexInfo {
	return &IndexInfo{
		name:      idxName,
		tableName: tblName,
		fieldName: fldName,
		kind:      kind,
		keyType:   keyType,
		dataFile:  dataFile,
		opts:      indexing.Options{HashBuckets: c.cfg.HashBuckets},
	}
}
