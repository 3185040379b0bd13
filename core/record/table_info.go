// Package record stores fixed-size records in slotted blocks.
package record

import (
	"fmt"

	"github.com/sushant-115/gojokernel/core/transaction"
	"github.com/sushant-115/gojokernel/core/types"
)

// FileSuffix is appended to a table name to form its file name.
const FileSuffix = ".tbl"

// TableInfo is the physical layout of a table's records.
type TableInfo struct {
	name       string
	schema     *types.Schema
	offsets    map[string]int
	recordSize int
}

// NewTableInfo lays fields out in the schema's field order, each at its
// type's maximum width.
func NewTableInfo(name string, schema *types.Schema) *TableInfo {
	offsets := make(map[string]int)
	pos := 0
	for _, fld := range schema.Fields() {
		t, _ := schema.Type(fld)
		offsets[fld] = pos
		pos += t.MaxSize()
	}
	return &TableInfo{name: name, schema: schema, offsets: offsets, recordSize: pos}
}

// NewTableInfoWithOffsets rebuilds a layout read back from the catalog.
func NewTableInfoWithOffsets(name string, schema *types.Schema, offsets map[string]int, recordSize int) *TableInfo {
	return &TableInfo{name: name, schema: schema, offsets: offsets, recordSize: recordSize}
}

func (ti *TableInfo) TableName() string     { return ti.name }
func (ti *TableInfo) FileName() string      { return ti.name + FileSuffix }
func (ti *TableInfo) Schema() *types.Schema { return ti.schema }
func (ti *TableInfo) RecordSize() int       { return ti.recordSize }

// Offset returns the position of a field within a record.
func (ti *TableInfo) Offset(field string) (int, bool) {
	off, ok := ti.offsets[field]
	return off, ok
}

func (ti *TableInfo) fieldType(field string) (types.Type, int, error) {
	t, ok := ti.schema.Type(field)
	if !ok {
		return types.Type{}, 0, fmt.Errorf("table %s has no field %q", ti.name, field)
	}
	return t, ti.offsets[field], nil
}

// Open returns a cursor over the table's records on behalf of tx.
func (ti *TableInfo) Open(tx *transaction.Transaction) *RecordFile {
	return newRecordFile(ti, tx)
}
