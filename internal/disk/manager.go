// Package disk implements the single-file page store: reading, writing and
// allocating fixed-size pages at byte offsets computed from a page id.
package disk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tuannm99/kvtree/internal/page"
)

var (
	// ErrClosed is returned by any operation performed after Close.
	ErrClosed = errors.New("disk: manager is closed")

	// ErrNegativePage is returned for reads/writes addressed to any negative
	// page id, the NoID sentinel included.
	ErrNegativePage = errors.New("disk: negative page id")
)

// Manager owns the single on-disk data file. Every page lives at byte offset
// id*page.Size; page ids are allocated monotonically starting at 0 (the
// meta page) so the file's length always equals (nextID)*page.Size.
type Manager struct {
	mu     sync.Mutex
	file   *os.File
	nextID page.ID
	closed bool
}

// Open creates the data file if it does not exist and returns a Manager
// positioned to allocate the next page after whatever is already on disk.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("disk: stat %s: %w", path, err)
	}
	next := page.ID(info.Size() / page.Size)
	slog.Debug("disk manager opened", "path", path, "nextID", next)
	return &Manager{file: f, nextID: next}, nil
}

// AllocPage reserves and returns the next page id without writing anything;
// the caller is responsible for writing the page's contents before it is
// read back.
func (m *Manager) AllocPage() (page.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return page.NoID, ErrClosed
	}
	id := m.nextID
	m.nextID++
	// Extend the file immediately so ReadPage on a freshly allocated,
	// not-yet-written id returns zeroes instead of EOF.
	if err := m.writeAtLocked(id, make([]byte, page.Size)); err != nil {
		return page.NoID, err
	}
	slog.Debug("disk manager allocated page", "pageID", id)
	return id, nil
}

// ReadPage fills p with the on-disk bytes for id. Reading an id at or beyond
// EOF yields a zeroed page.
func (m *Manager) ReadPage(id page.ID, p *page.Page) error {
	if id < 0 {
		return ErrNegativePage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	buf := p.Raw()
	n, err := m.file.ReadAt(buf, int64(id)*page.Size)
	if err != nil && err != io.EOF {
		return fmt.Errorf("disk: read page %d: %w", id, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage persists p's full contents at its byte range for id.
func (m *Manager) WritePage(id page.ID, p *page.Page) error {
	if id < 0 {
		return ErrNegativePage
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.writeAtLocked(id, p.Raw())
}

func (m *Manager) writeAtLocked(id page.ID, buf []byte) error {
	if len(buf) != page.Size {
		return fmt.Errorf("disk: buffer must be exactly %d bytes", page.Size)
	}
	n, err := m.file.WriteAt(buf, int64(id)*page.Size)
	if err != nil {
		return fmt.Errorf("disk: write page %d: %w", id, err)
	}
	if n != page.Size {
		return io.ErrShortWrite
	}
	return nil
}

// PageCount reports how many pages have been allocated so far.
func (m *Manager) PageCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.nextID)
}

// Close flushes and closes the underlying file. Further operations return
// ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.file.Sync(); err != nil {
		slog.Warn("disk manager sync failed on close", "err", err)
	}
	return m.file.Close()
}
