// Package page defines the fixed-size on-disk page format shared by the
// disk manager, the buffer pool and the B+tree node codecs.
package page

import "github.com/tuannm99/kvtree/internal/bx"

// ID identifies a page within the data file. -1 denotes "no page".
// Ids are dense and allocated monotonically starting at 1; id 0 is reserved
// for the buffer-pool meta page.
type ID int64

// NoID is the sentinel value for "no page".
const NoID ID = -1

// Size is the fixed size, in bytes, of every page in the data file.
// Changing it breaks on-disk compatibility.
const Size = 1024

// Page type tags stored in the page header.
const (
	TypeInvalid  = 0
	TypeInternal = 1
	TypeLeaf     = 2
)

// idSize/typeSize commit to little-endian, fixed-width integers for
// portability: PageId is 8 bytes, int is 4 bytes.
const (
	idSize   = 8
	typeSize = 4
	// HeaderSize is sizeof(PageId) + sizeof(int), the offset at which a
	// page's data area begins.
	HeaderSize = idSize + typeSize
)

// Page is one fixed-size frame's backing buffer: a 12-byte header (id, type)
// followed by a Size-HeaderSize data area that node codecs and the meta page
// read from and write into.
type Page struct {
	buf [Size]byte
}

// New returns a zeroed page.
func New() *Page {
	return &Page{}
}

// ID returns the page id stored in the header.
func (p *Page) ID() ID {
	return ID(bx.I64At(p.buf[:], 0))
}

// SetID overwrites the page id stored in the header.
func (p *Page) SetID(id ID) {
	bx.PutU64At(p.buf[:], 0, uint64(int64(id)))
}

// Type returns the page type tag stored in the header.
func (p *Page) Type() int {
	return int(bx.I32At(p.buf[:], idSize))
}

// SetType overwrites the page type tag stored in the header.
func (p *Page) SetType(t int) {
	bx.PutU32At(p.buf[:], idSize, uint32(int32(t)))
}

// Data returns the page's data area, i.e. everything past the 12-byte
// header. Node codecs and the meta page decode/encode into this slice.
func (p *Page) Data() []byte {
	return p.buf[HeaderSize:]
}

// Raw returns the full Size-byte backing buffer, used by the disk manager
// for whole-page reads and writes.
func (p *Page) Raw() []byte {
	return p.buf[:]
}

// Reset zeroes the page and writes a fresh id/type header. Used when a
// frame is repurposed for a newly allocated or newly fetched page id.
func (p *Page) Reset(id ID, typ int) {
	p.buf = [Size]byte{}
	p.SetID(id)
	p.SetType(typ)
}
