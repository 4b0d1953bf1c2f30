// Package kvtree is an embedded, single-process, ordered key-value store
// backed by a B+tree whose pages are cached by a fixed-size buffer pool.
package kvtree

import (
	"github.com/tuannm99/kvtree/internal/bptree"
	"github.com/tuannm99/kvtree/internal/buffer"
	"github.com/tuannm99/kvtree/internal/replacer"
)

// Policy selects a buffer-pool replacement policy at Open time.
type Policy int

const (
	// LRU evicts the least-recently-used frame. The default.
	LRU Policy = iota
	// FIFO evicts frames in the order they became evictable; later use of
	// a frame does not change its position.
	FIFO
)

func (p Policy) factory() buffer.ReplacerFactory {
	switch p {
	case FIFO:
		return func(capacity int) replacer.Replacer { return replacer.NewFIFO(capacity) }
	default:
		return func(capacity int) replacer.Replacer { return replacer.NewLRU(capacity) }
	}
}

// Store is a handle on one open data file.
type Store struct {
	tree *bptree.Tree
}

// Open creates the data file at path if absent and returns a Store backed
// by a poolSize-frame buffer pool under the given replacement policy.
func Open(path string, poolSize int, policy Policy) (*Store, error) {
	tr, err := bptree.Open(path, poolSize, policy.factory())
	if err != nil {
		return nil, err
	}
	return &Store{tree: tr}, nil
}

// Insert stores key/val, updating the value in place if key already
// exists. Reports false on buffer-pool exhaustion or I/O failure.
func (s *Store) Insert(key, val []byte) bool {
	return s.tree.Insert(key, val)
}

// Search returns the value stored under key, if present.
func (s *Store) Search(key []byte) ([]byte, bool) {
	return s.tree.Search(key)
}

// Remove deletes key, reporting whether it was present.
func (s *Store) Remove(key []byte) bool {
	return s.tree.Remove(key)
}

// Keys returns every key in ascending order, walking the leaf sibling
// chain rather than descending the tree once per key.
func (s *Store) Keys() ([][]byte, error) {
	return s.tree.Keys()
}

// Close flushes every dirty page and closes the underlying file.
func (s *Store) Close() error {
	return s.tree.Close()
}
