// Package buffer implements the fixed-size page cache sitting between the
// B+tree and the disk manager: pin/unpin bookkeeping, victim selection
// through a pluggable replacer, and the persistent meta page.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tuannm99/kvtree/internal/disk"
	"github.com/tuannm99/kvtree/internal/page"
	"github.com/tuannm99/kvtree/internal/replacer"
)

const logPrefix = "buffer: "

// DefaultCapacity is used when Open is called with capacity <= 0.
const DefaultCapacity = 128

var (
	// ErrNoFreeFrame is returned when every frame is pinned and none can be
	// repurposed for a fetch or new_page.
	ErrNoFreeFrame = errors.New("buffer: no free frame available (all pinned)")
)

// Frame is one slot in the pool's fixed-size frame table.
type Frame struct {
	id    page.ID
	Page  *page.Page
	Pin   int32
	Dirty bool
}

// ID reports the page id currently backing this frame.
func (f *Frame) ID() page.ID { return f.id }

// ReplacerFactory builds a fresh replacer bound to a frame-table capacity.
// Open defaults to LRU when nil is passed.
type ReplacerFactory func(capacity int) replacer.Replacer

// Pool is a fixed-size buffer pool bound to one data file.
type Pool struct {
	mu sync.Mutex

	disk     *disk.Manager
	rep      replacer.Replacer
	frames   []*Frame
	table    map[page.ID]int
	capacity int

	meta      *page.MetaPage
	metaDirty bool
}

// Open creates or reopens the data file at path and builds a pool of
// capacity frames over it. When the file is new, page 0 is initialized as a
// fresh meta page; otherwise page 0 is read back and reused. newRep
// defaults to replacer.NewLRU when nil.
func Open(path string, capacity int, newRep ReplacerFactory) (*Pool, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if newRep == nil {
		newRep = func(c int) replacer.Replacer { return replacer.NewLRU(c) }
	}

	dm, err := disk.Open(path)
	if err != nil {
		return nil, err
	}

	var meta *page.MetaPage
	if dm.PageCount() == 0 {
		id, err := dm.AllocPage()
		if err != nil {
			return nil, err
		}
		if id != page.ID(0) {
			return nil, fmt.Errorf("buffer: expected meta page id 0, got %d", id)
		}
		mp := page.New()
		meta = page.NewMetaPage(mp)
		if err := dm.WritePage(page.ID(0), mp); err != nil {
			return nil, err
		}
		slog.Debug(logPrefix+"initialized fresh meta page", "path", path)
	} else {
		mp := page.New()
		if err := dm.ReadPage(page.ID(0), mp); err != nil {
			return nil, err
		}
		meta = page.LoadMetaPage(mp)
		slog.Debug(logPrefix+"loaded meta page", "path", path, "root", meta.Root(), "pageCount", meta.PageCount())
	}

	rep := newRep(capacity)
	frames := make([]*Frame, capacity)
	for i := range frames {
		frames[i] = &Frame{id: page.NoID, Page: page.New()}
		rep.Put(i)
	}

	return &Pool{
		disk:     dm,
		rep:      rep,
		frames:   frames,
		table:    make(map[page.ID]int),
		capacity: capacity,
		meta:     meta,
	}, nil
}

// Root returns the tree's current root page id (-1 if the tree is empty).
func (p *Pool) Root() page.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.Root()
}

// SetRoot updates the tree's root page id and marks the meta page dirty.
func (p *Pool) SetRoot(id page.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta.SetRoot(id)
	p.metaDirty = true
}

// Fetch pins and returns the page for id, loading it from disk if it is
// not already resident. Returns ErrNoFreeFrame if every frame is pinned.
func (p *Pool) Fetch(id page.ID) (*page.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, _, err := p.fetchLocked(id)
	if err != nil {
		return nil, err
	}
	return f.Page, nil
}

func (p *Pool) fetchLocked(id page.ID) (*Frame, int, error) {
	if idx, ok := p.table[id]; ok {
		f := p.frames[idx]
		f.Pin++
		p.rep.Remove(idx)
		slog.Debug(logPrefix+"fetch hit", "pageID", id, "frameIdx", idx, "pin", f.Pin)
		return f, idx, nil
	}

	idx, ok := p.rep.Victim()
	if !ok {
		slog.Debug(logPrefix + "fetch found no victim frame")
		return nil, -1, ErrNoFreeFrame
	}
	f := p.frames[idx]
	if f.Dirty {
		slog.Debug(logPrefix+"flushing dirty victim before reuse", "pageID", f.id, "frameIdx", idx)
		if err := p.disk.WritePage(f.id, f.Page); err != nil {
			return nil, -1, err
		}
		f.Dirty = false
	}
	delete(p.table, f.id)

	f.id = id
	f.Pin = 1
	f.Dirty = false
	if err := p.disk.ReadPage(id, f.Page); err != nil {
		return nil, -1, err
	}
	p.table[id] = idx
	slog.Debug(logPrefix+"fetch miss, loaded from disk", "pageID", id, "frameIdx", idx)
	return f, idx, nil
}

// NewPage allocates a fresh page id (reusing a reclaimed id from the free
// list before extending the file), pins it with an empty buffer, and
// returns it along with its id.
func (p *Pool) NewPage() (*page.Page, page.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var id page.ID
	if reused, ok := p.meta.PopFree(); ok {
		id = reused
		p.metaDirty = true
		slog.Debug(logPrefix+"new_page reused free id", "pageID", id)
	} else {
		allocated, err := p.disk.AllocPage()
		if err != nil {
			return nil, page.NoID, err
		}
		id = allocated
		p.meta.SetPageCount(p.meta.PageCount() + 1)
		p.metaDirty = true
		slog.Debug(logPrefix+"new_page allocated", "pageID", id)
	}

	f, _, err := p.fetchLocked(id)
	if err != nil {
		return nil, page.NoID, err
	}
	f.Page.Reset(id, page.TypeInvalid)
	f.Dirty = true
	return f.Page, id, nil
}

// Pin increments the pin count of an already-resident page without loading
// it from disk; it reports false if the page is not resident.
func (p *Pool) Pin(id page.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.table[id]
	if !ok {
		return false
	}
	f := p.frames[idx]
	f.Pin++
	p.rep.Remove(idx)
	return true
}

// Free reclaims id onto the meta page's free list so a future NewPage call
// reuses it instead of extending the file. If the free list is already
// full, the id is dropped with a logged warning and no error is returned.
func (p *Pool) Free(id page.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.meta.PushFree(id) {
		p.metaDirty = true
		slog.Debug(logPrefix+"freed page onto free list", "pageID", id)
	} else {
		slog.Warn(logPrefix+"free list full, leaking page", "pageID", id)
	}
}

// Unpin decrements the pin count of a resident page, OR-ing in dirty. Once
// the pin count reaches zero the frame becomes eligible for eviction again.
func (p *Pool) Unpin(id page.ID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.table[id]
	if !ok {
		slog.Debug(logPrefix+"unpin ignored, page not resident", "pageID", id)
		return nil
	}
	f := p.frames[idx]
	if dirty {
		f.Dirty = true
	}
	if f.Pin > 0 {
		f.Pin--
	}
	if f.Pin == 0 {
		p.rep.Put(idx)
	}
	slog.Debug(logPrefix+"unpin", "pageID", id, "pin", f.Pin, "dirty", f.Dirty)
	return nil
}

// Flush writes a resident page's current contents to disk and clears its
// dirty flag. A no-op if the page is not resident.
func (p *Pool) Flush(id page.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.table[id]
	if !ok {
		return nil
	}
	return p.flushFrameLocked(p.frames[idx])
}

func (p *Pool) flushFrameLocked(f *Frame) error {
	if err := p.disk.WritePage(f.id, f.Page); err != nil {
		return err
	}
	f.Dirty = false
	return nil
}

// FlushAll writes every dirty frame (and the meta page, if dirty) to disk.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushAllLocked()
}

func (p *Pool) flushAllLocked() error {
	if p.metaDirty {
		if err := p.disk.WritePage(page.ID(0), p.meta.Page()); err != nil {
			return err
		}
		p.metaDirty = false
	}
	for _, f := range p.frames {
		if f.id == page.NoID || !f.Dirty {
			continue
		}
		if err := p.flushFrameLocked(f); err != nil {
			return err
		}
	}
	slog.Debug(logPrefix + "flush_all completed")
	return nil
}

// Close flushes everything and closes the underlying disk manager.
func (p *Pool) Close() error {
	p.mu.Lock()
	if err := p.flushAllLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()
	return p.disk.Close()
}
