package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sushant-115/gojokernel/core/types"
)

// DefaultBlockSize is the page size used when none is configured.
const DefaultBlockSize = 4096

// IntSize is the width of the INTEGER slots used for headers, flags and links.
const IntSize = 4

// ErrPageOverflow is returned by reads and writes that cross the end of a page.
var ErrPageOverflow = errors.New("value crosses the end of the page")

// Page is the in-memory copy of one block. It carries no identity; the
// caller decides which block it is read from or written to.
type Page struct {
	mu   sync.Mutex
	data []byte
}

// NewPage creates a zeroed page of the given size.
func NewPage(size int) *Page {
	return &Page{data: make([]byte, size)}
}

func (p *Page) Size() int { return len(p.data) }

// GetVal decodes the value of type t stored at offset.
func (p *Page) GetVal(offset int, t types.Type) (types.Constant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.IsFixedSize() {
		end := offset + t.MaxSize()
		if offset < 0 || end > len(p.data) {
			return nil, fmt.Errorf("read %s at %d: %w", t, offset, ErrPageOverflow)
		}
		return types.FromBytes(t, p.data[offset:end])
	}

	if offset < 0 || offset+IntSize > len(p.data) {
		return nil, fmt.Errorf("read length of %s at %d: %w", t, offset, ErrPageOverflow)
	}
	n := int(binary.LittleEndian.Uint32(p.data[offset:]))
	start := offset + IntSize
	if n < 0 || start+n > len(p.data) {
		return nil, fmt.Errorf("read %d bytes of %s at %d: %w", n, t, offset, ErrPageOverflow)
	}
	return types.FromBytes(t, p.data[start:start+n])
}

// SetVal encodes val at offset. Nothing is written when the encoded value
// would cross the end of the page.
func (p *Page) SetVal(offset int, val types.Constant) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload := val.Bytes()
	if offset < 0 || offset+val.Size() > len(p.data) {
		return fmt.Errorf("write %d bytes at %d: %w", val.Size(), offset, ErrPageOverflow)
	}
	if val.Type().IsFixedSize() {
		copy(p.data[offset:], payload)
		return nil
	}
	binary.LittleEndian.PutUint32(p.data[offset:], uint32(len(payload)))
	copy(p.data[offset+IntSize:], payload)
	return nil
}

// GetInt reads a raw INTEGER header slot.
func (p *Page) GetInt(offset int) (int32, error) {
	v, err := p.GetVal(offset, types.Integer)
	if err != nil {
		return 0, err
	}
	return int32(v.(types.IntegerConstant)), nil
}

// SetInt writes a raw INTEGER header slot.
func (p *Page) SetInt(offset int, v int32) error {
	return p.SetVal(offset, types.IntegerConstant(v))
}

// Clear zeroes the page.
func (p *Page) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.data)
}

// LoadFrom fills the page from r at off. Bytes past the end of r are zeroed.
func (p *Page) LoadFrom(r io.ReaderAt, off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := r.ReadAt(p.data, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(p.data[n:])
	return nil
}

// StoreTo writes the page to w at off.
func (p *Page) StoreTo(w io.WriterAt, off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := w.WriteAt(p.data, off)
	return err
}
