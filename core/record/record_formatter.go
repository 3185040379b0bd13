package record

import (
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
)

// Slot flags.
const (
	Empty int32 = 0
	InUse int32 = 1
)

// Formatter fills a new block with empty slots holding default values.
type Formatter struct {
	ti *TableInfo
}

func NewFormatter(ti *TableInfo) *Formatter { return &Formatter{ti: ti} }

func (f *Formatter) Format(p *pagemanager.Page) error {
	slotSize := f.ti.recordSize + pagemanager.IntSize
	for pos := 0; pos+slotSize <= p.Size(); pos += slotSize {
		if err := p.SetInt(pos, Empty); err != nil {
			return err
		}
		for _, fld := range f.ti.schema.Fields() {
			t, off, err := f.ti.fieldType(fld)
			if err != nil {
				return err
			}
			if err := p.SetVal(pos+pagemanager.IntSize+off, t.DefaultValue()); err != nil {
				return err
			}
		}
	}
	return nil
}

var _ buffer.PageFormatter = (*Formatter)(nil)
