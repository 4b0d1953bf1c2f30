package page

import "github.com/tuannm99/kvtree/internal/bx"

// MetaPage wraps page 0, the buffer pool's persistent allocator state.
//
// Layout of the data area (all fields little-endian, fixed width),
// following the page-count/free-list fields byte for byte and appending a
// root slot: next/prev free-list-extension links are reserved for chaining
// additional free-list pages once a single meta page's array fills up, but
// this implementation never allocates an extension page, so they are
// always written as NoID.
//
//	pageCount          int64   offset 0
//	freeListSize       int64   offset 8
//	nextFreeListPage   int64   offset 16 (always NoID)
//	prevFreeListPage   int64   offset 24 (always NoID)
//	root               int64   offset 32
//	freeIDs            []int64 offset 40, freeListSize entries
type MetaPage struct {
	p *Page
}

const (
	metaPageCountOff = 0
	metaFreeCountOff = 8
	metaNextFreeOff  = 16
	metaPrevFreeOff  = 24
	metaRootOff      = 32
	metaFreeIDsOff   = 40
)

// MaxFreeIDs bounds how many reclaimed ids a single meta page can hold.
const MaxFreeIDs = (Size - HeaderSize - metaFreeIDsOff) / idSize

// NewMetaPage initializes page 0 in place: page count 1 (page 0 itself),
// empty free list, no root.
func NewMetaPage(p *Page) *MetaPage {
	p.Reset(ID(0), TypeInvalid)
	m := &MetaPage{p: p}
	m.SetPageCount(1)
	m.setFreeCount(0)
	noID := int64(NoID)
	bx.PutU64At(m.p.Data(), metaNextFreeOff, uint64(noID))
	bx.PutU64At(m.p.Data(), metaPrevFreeOff, uint64(noID))
	m.SetRoot(NoID)
	return m
}

// LoadMetaPage wraps an already-populated page 0.
func LoadMetaPage(p *Page) *MetaPage {
	return &MetaPage{p: p}
}

func (m *MetaPage) Page() *Page { return m.p }

func (m *MetaPage) Root() ID {
	return ID(bx.I64At(m.p.Data(), metaRootOff))
}

func (m *MetaPage) SetRoot(id ID) {
	bx.PutU64At(m.p.Data(), metaRootOff, uint64(int64(id)))
}

func (m *MetaPage) PageCount() int64 {
	return bx.I64At(m.p.Data(), metaPageCountOff)
}

func (m *MetaPage) SetPageCount(n int64) {
	bx.PutU64At(m.p.Data(), metaPageCountOff, uint64(n))
}

func (m *MetaPage) freeCount() int64 {
	return bx.I64At(m.p.Data(), metaFreeCountOff)
}

func (m *MetaPage) setFreeCount(n int64) {
	bx.PutU64At(m.p.Data(), metaFreeCountOff, uint64(n))
}

func (m *MetaPage) freeIDOffset(i int64) int {
	return metaFreeIDsOff + int(i)*idSize
}

// PushFree records id as reclaimed and reusable by a future NewPage call.
// Returns false if the free list is full (callers fall back to leaving the
// id unreclaimed rather than overflowing the meta page).
func (m *MetaPage) PushFree(id ID) bool {
	n := m.freeCount()
	if n >= MaxFreeIDs {
		return false
	}
	bx.PutU64At(m.p.Data(), m.freeIDOffset(n), uint64(int64(id)))
	m.setFreeCount(n + 1)
	return true
}

// PopFree removes and returns the most recently reclaimed id, if any.
func (m *MetaPage) PopFree() (ID, bool) {
	n := m.freeCount()
	if n == 0 {
		return NoID, false
	}
	n--
	id := ID(bx.I64At(m.p.Data(), m.freeIDOffset(n)))
	m.setFreeCount(n)
	return id, true
}

// FreeListSize reports how many ids are currently reclaimed and unused.
func (m *MetaPage) FreeListSize() int {
	return int(m.freeCount())
}
