// Package bptree implements the B+tree: node codecs that (de)serialize
// internal/leaf payloads into a page's data bytes, and the tree operations
// built on top of them.
package bptree

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tuannm99/kvtree/internal/bx"
	"github.com/tuannm99/kvtree/internal/page"
)

// Encoded sizes of the node header fields and of one record per node kind.
const (
	numKeysSize = 4
	parentSize  = 8
	nextSize    = 8

	internalRecordSize = 4 + 8 // key_size, child
	leafRecordSize     = 4 + 4 // key_size, val_size
)

// InternalItem is one (separator key, child page) pair. Items[0]'s key is
// the empty "no lower bound" sentinel in every root built by makeRoot (and
// after a borrow from a left sibling); the right half of a split keeps
// whatever real separator key landed in its items[0] — callers only ever
// route keys >= that value into the node, so the binary search still behaves.
type InternalItem struct {
	Key   []byte
	Child page.ID
}

// InternalNode is the decoded, in-memory view of an internal page.
type InternalNode struct {
	Parent page.ID
	Items  []InternalItem
}

// Read decodes an internal node from p's data area. Panics if p is not
// tagged as an internal page — a page-type mismatch is a contract
// violation, not a recoverable error.
func (n *InternalNode) Read(p *page.Page) {
	if p.Type() != page.TypeInternal {
		panic(fmt.Sprintf("bptree: Read(InternalNode) on page %d with type %d", p.ID(), p.Type()))
	}
	data := p.Data()
	numKeys := int(bx.I32At(data, 0))
	n.Parent = page.ID(bx.I64At(data, numKeysSize))

	recOff := numKeysSize + parentSize
	keyOff := recOff + numKeys*internalRecordSize

	n.Items = make([]InternalItem, numKeys)
	for i := 0; i < numKeys; i++ {
		off := recOff + i*internalRecordSize
		keySize := int(bx.I32At(data, off))
		child := page.ID(bx.I64At(data, off+4))
		key := make([]byte, keySize)
		copy(key, data[keyOff:keyOff+keySize])
		keyOff += keySize
		n.Items[i] = InternalItem{Key: key, Child: child}
	}
}

// EncodedSize returns the number of data-area bytes this node occupies.
func (n *InternalNode) EncodedSize() int {
	size := numKeysSize + parentSize + len(n.Items)*internalRecordSize
	for _, it := range n.Items {
		size += len(it.Key)
	}
	return size
}

// Fits reports whether this node's current contents still fit within one
// page's data area. False means the caller must split before writing.
func (n *InternalNode) Fits() bool {
	return n.EncodedSize() <= page.Size-page.HeaderSize
}

// Write serializes the node into p's data area and tags p as an internal
// page. Panics if the node overflows one page — the caller is responsible
// for splitting via MoveHalfTo before this point.
func (n *InternalNode) Write(p *page.Page) {
	if !n.Fits() {
		panic(fmt.Sprintf("bptree: internal node on page %d overflows page size (%d bytes)", p.ID(), n.EncodedSize()))
	}
	id := p.ID()
	p.Reset(id, page.TypeInternal)
	data := p.Data()

	bx.PutU32At(data, 0, uint32(len(n.Items)))
	bx.PutU64At(data, numKeysSize, uint64(int64(n.Parent)))

	recOff := numKeysSize + parentSize
	keyOff := recOff + len(n.Items)*internalRecordSize
	for i, it := range n.Items {
		off := recOff + i*internalRecordSize
		bx.PutU32At(data, off, uint32(len(it.Key)))
		bx.PutU64At(data, off+4, uint64(int64(it.Child)))
		copy(data[keyOff:], it.Key)
		keyOff += len(it.Key)
	}
	slog.Debug("bptree: wrote internal node", "pageID", id, "numKeys", len(n.Items))
}

// FindIdx returns the smallest index r such that Items[r].Key >= key, or
// len(Items) if no such index exists. Ties resolve to the left-most match.
func (n *InternalNode) FindIdx(key []byte) int {
	return sort.Search(len(n.Items), func(i int) bool {
		return bytes.Compare(n.Items[i].Key, key) >= 0
	})
}

// Find reports whether key is present and, if so, its index.
func (n *InternalNode) Find(key []byte) (bool, int) {
	r := n.FindIdx(key)
	return r < len(n.Items) && bytes.Equal(n.Items[r].Key, key), r
}

// Child returns the child page to descend into for key. Panics if the node
// has no entries.
func (n *InternalNode) Child(key []byte) page.ID {
	if len(n.Items) == 0 {
		panic("bptree: Child called on empty internal node")
	}
	r := n.FindIdx(key)
	if r == len(n.Items) || !bytes.Equal(n.Items[r].Key, key) {
		r--
	}
	return n.Items[r].Child
}

// Insert adds (key, child) at its sorted position.
func (n *InternalNode) Insert(key []byte, child page.ID) {
	r := n.FindIdx(key)
	n.Items = append(n.Items, InternalItem{})
	copy(n.Items[r+1:], n.Items[r:])
	n.Items[r] = InternalItem{Key: append([]byte(nil), key...), Child: child}
}

// Remove erases the entry matching key, reporting whether one was found.
func (n *InternalNode) Remove(key []byte) bool {
	exists, r := n.Find(key)
	if !exists {
		return false
	}
	n.RemoveAt(r)
	return true
}

// RemoveAt erases the entry at idx.
func (n *InternalNode) RemoveAt(idx int) {
	n.Items = append(n.Items[:idx], n.Items[idx+1:]...)
}

// MoveHalfTo splits this node at mid = len(Items)/2, moving the upper half
// into dst, and returns the promoted separator key (dst.Items[0].Key).
func (n *InternalNode) MoveHalfTo(dst *InternalNode) []byte {
	mid := len(n.Items) / 2
	dst.Items = append(dst.Items, n.Items[mid:]...)
	n.Items = n.Items[:mid]
	return dst.Items[0].Key
}

// LeafItem is one (key, value) pair stored in a leaf.
type LeafItem struct {
	Key   []byte
	Value []byte
}

// LeafNode is the decoded, in-memory view of a leaf page.
type LeafNode struct {
	Parent page.ID
	Next   page.ID
	Items  []LeafItem
}

// Read decodes a leaf node from p's data area. Panics on a page-type
// mismatch.
func (n *LeafNode) Read(p *page.Page) {
	if p.Type() != page.TypeLeaf {
		panic(fmt.Sprintf("bptree: Read(LeafNode) on page %d with type %d", p.ID(), p.Type()))
	}
	data := p.Data()
	numKeys := int(bx.I32At(data, 0))
	n.Parent = page.ID(bx.I64At(data, numKeysSize))
	n.Next = page.ID(bx.I64At(data, numKeysSize+parentSize))

	recOff := numKeysSize + parentSize + nextSize
	dataOff := recOff + numKeys*leafRecordSize

	n.Items = make([]LeafItem, numKeys)
	for i := 0; i < numKeys; i++ {
		off := recOff + i*leafRecordSize
		keySize := int(bx.I32At(data, off))
		valSize := int(bx.I32At(data, off+4))
		key := make([]byte, keySize)
		copy(key, data[dataOff:dataOff+keySize])
		dataOff += keySize
		val := make([]byte, valSize)
		copy(val, data[dataOff:dataOff+valSize])
		dataOff += valSize
		n.Items[i] = LeafItem{Key: key, Value: val}
	}
}

// EncodedSize returns the number of data-area bytes this node occupies.
func (n *LeafNode) EncodedSize() int {
	size := numKeysSize + parentSize + nextSize + len(n.Items)*leafRecordSize
	for _, it := range n.Items {
		size += len(it.Key) + len(it.Value)
	}
	return size
}

// Fits reports whether this node's current contents still fit within one
// page's data area.
func (n *LeafNode) Fits() bool {
	return n.EncodedSize() <= page.Size-page.HeaderSize
}

// Write serializes the node into p's data area and tags p as a leaf page.
// Panics if the node overflows one page.
func (n *LeafNode) Write(p *page.Page) {
	if !n.Fits() {
		panic(fmt.Sprintf("bptree: leaf node on page %d overflows page size (%d bytes)", p.ID(), n.EncodedSize()))
	}
	id := p.ID()
	p.Reset(id, page.TypeLeaf)
	data := p.Data()

	bx.PutU32At(data, 0, uint32(len(n.Items)))
	bx.PutU64At(data, numKeysSize, uint64(int64(n.Parent)))
	bx.PutU64At(data, numKeysSize+parentSize, uint64(int64(n.Next)))

	recOff := numKeysSize + parentSize + nextSize
	dataOff := recOff + len(n.Items)*leafRecordSize
	for i, it := range n.Items {
		off := recOff + i*leafRecordSize
		bx.PutU32At(data, off, uint32(len(it.Key)))
		bx.PutU32At(data, off+4, uint32(len(it.Value)))
		copy(data[dataOff:], it.Key)
		dataOff += len(it.Key)
		copy(data[dataOff:], it.Value)
		dataOff += len(it.Value)
	}
	slog.Debug("bptree: wrote leaf node", "pageID", id, "numKeys", len(n.Items))
}

// FindIdx returns the smallest index r such that Items[r].Key >= key, or
// len(Items) if no such index exists.
func (n *LeafNode) FindIdx(key []byte) int {
	return sort.Search(len(n.Items), func(i int) bool {
		return bytes.Compare(n.Items[i].Key, key) >= 0
	})
}

// Find reports whether key is present and, if so, its index.
func (n *LeafNode) Find(key []byte) (bool, int) {
	r := n.FindIdx(key)
	return r < len(n.Items) && bytes.Equal(n.Items[r].Key, key), r
}

// Get returns the stored value for key, if present.
func (n *LeafNode) Get(key []byte) ([]byte, bool) {
	exists, r := n.Find(key)
	if !exists {
		return nil, false
	}
	return n.Items[r].Value, true
}

// Insert adds or updates (key, val). An existing key is updated in place
// (last-write-wins), preserving the leaf's strict-ordering invariant rather
// than appending a duplicate.
func (n *LeafNode) Insert(key, val []byte) {
	exists, r := n.Find(key)
	if exists {
		n.Items[r].Value = append([]byte(nil), val...)
		return
	}
	n.Items = append(n.Items, LeafItem{})
	copy(n.Items[r+1:], n.Items[r:])
	n.Items[r] = LeafItem{Key: append([]byte(nil), key...), Value: append([]byte(nil), val...)}
}

// Remove erases the entry matching key, reporting whether one was found.
func (n *LeafNode) Remove(key []byte) bool {
	exists, r := n.Find(key)
	if !exists {
		return false
	}
	n.RemoveAt(r)
	return true
}

// RemoveAt erases the entry at idx.
func (n *LeafNode) RemoveAt(idx int) {
	n.Items = append(n.Items[:idx], n.Items[idx+1:]...)
}

// MoveHalfTo splits this node at mid = len(Items)/2, moving the upper half
// into dst. Callers are responsible for stitching Next pointers and setting
// dst.Parent.
func (n *LeafNode) MoveHalfTo(dst *LeafNode) []byte {
	mid := len(n.Items) / 2
	dst.Items = append(dst.Items, n.Items[mid:]...)
	n.Items = n.Items[:mid]
	return dst.Items[0].Key
}
