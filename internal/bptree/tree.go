package bptree

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/tuannm99/kvtree/internal/buffer"
	"github.com/tuannm99/kvtree/internal/page"
)

var (
	ErrTreeClosed          = errors.New("bptree: tree is closed")
	ErrInternalNodeNoItems = errors.New("bptree: internal node has no entries")
)

// coalesceSize is the minimum-fill threshold: a node below this many
// encoded bytes triggers a borrow-or-merge pass on remove.
const coalesceSize = page.Size / 2

// Tree is a B+tree of byte-string keys and values, backed by a buffer pool.
type Tree struct {
	pool   *buffer.Pool
	closed atomic.Bool
}

// Open opens (creating if absent) the data file at path and returns a tree
// bound to a poolSize-frame buffer pool using newRep's replacement policy
// (nil defaults to LRU).
func Open(path string, poolSize int, newRep buffer.ReplacerFactory) (*Tree, error) {
	pool, err := buffer.Open(path, poolSize, newRep)
	if err != nil {
		return nil, err
	}
	return &Tree{pool: pool}, nil
}

// Close flushes every dirty frame and the meta page, then closes the file.
func (t *Tree) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.pool.Close()
}

// Root returns the tree's current root page id, or page.NoID if empty.
func (t *Tree) Root() page.ID {
	return t.pool.Root()
}

// findLeaf descends from root to the leaf that would hold key, returning it
// pinned. The caller must Unpin the returned id exactly once.
func (t *Tree) findLeaf(key []byte) (page.ID, *page.Page, error) {
	id := t.pool.Root()
	if id == page.NoID {
		return page.NoID, nil, errors.New("bptree: tree is empty")
	}
	p, err := t.pool.Fetch(id)
	if err != nil {
		return page.NoID, nil, err
	}
	for p.Type() == page.TypeInternal {
		in := InternalNode{}
		in.Read(p)
		if len(in.Items) == 0 {
			_ = t.pool.Unpin(id, false)
			return page.NoID, nil, ErrInternalNodeNoItems
		}
		child := in.Child(key)
		_ = t.pool.Unpin(id, false)
		id = child
		p, err = t.pool.Fetch(id)
		if err != nil {
			return page.NoID, nil, err
		}
	}
	return id, p, nil
}

// Search looks up key and reports whether it is present.
func (t *Tree) Search(key []byte) ([]byte, bool) {
	if t.pool.Root() == page.NoID {
		return nil, false
	}
	id, p, err := t.findLeaf(key)
	if err != nil {
		slog.Debug("bptree: search find_leaf failed", "err", err)
		return nil, false
	}
	leaf := LeafNode{}
	leaf.Read(p)
	val, ok := leaf.Get(key)
	_ = t.pool.Unpin(id, false)
	return val, ok
}

// Insert stores (key, val), updating the value in place if key already
// exists. Returns false on buffer-pool exhaustion or I/O failure.
func (t *Tree) Insert(key, val []byte) bool {
	if t.pool.Root() == page.NoID {
		return t.makeTree(key, val)
	}

	id, p, err := t.findLeaf(key)
	if err != nil {
		slog.Warn("bptree: insert find_leaf failed", "err", err)
		return false
	}

	leaf := LeafNode{}
	leaf.Read(p)
	leaf.Insert(key, val)

	if leaf.Fits() {
		leaf.Write(p)
		_ = t.pool.Unpin(id, true)
		return true
	}

	newP, newID, err := t.pool.NewPage()
	if err != nil {
		slog.Warn("bptree: insert overflow, no free frame for split", "err", err)
		_ = t.pool.Unpin(id, false)
		return false
	}

	newLeaf := LeafNode{Parent: leaf.Parent}
	sep := leaf.MoveHalfTo(&newLeaf)
	newLeaf.Next = leaf.Next
	leaf.Next = newID

	leaf.Write(p)
	newLeaf.Write(newP)
	_ = t.pool.Unpin(id, true)
	_ = t.pool.Unpin(newID, true)

	return t.insertParent(leaf.Parent, id, newID, sep)
}

func (t *Tree) makeTree(key, val []byte) bool {
	p, id, err := t.pool.NewPage()
	if err != nil {
		slog.Warn("bptree: make_tree failed", "err", err)
		return false
	}
	leaf := LeafNode{Parent: page.NoID, Next: page.NoID}
	leaf.Insert(key, val)
	leaf.Write(p)
	_ = t.pool.Unpin(id, true)
	t.pool.SetRoot(id)
	return true
}

// insertParent inserts (key, right) into parent, splitting and recursing
// upward as needed, or creates a new root if parent is NoID.
func (t *Tree) insertParent(parent, left, right page.ID, key []byte) bool {
	if parent == page.NoID {
		return t.makeRoot(left, right, key)
	}

	p, err := t.pool.Fetch(parent)
	if err != nil {
		slog.Warn("bptree: insert_parent fetch failed", "err", err)
		return false
	}
	in := InternalNode{}
	in.Read(p)
	in.Insert(key, right)

	if in.Fits() {
		in.Write(p)
		_ = t.pool.Unpin(parent, true)
		return true
	}

	newP, newID, err := t.pool.NewPage()
	if err != nil {
		slog.Warn("bptree: insert_parent overflow, no free frame for split", "err", err)
		_ = t.pool.Unpin(parent, false)
		return false
	}

	newIn := InternalNode{Parent: in.Parent}
	sep := in.MoveHalfTo(&newIn)

	for _, it := range newIn.Items {
		if err := t.reparent(it.Child, newID); err != nil {
			slog.Warn("bptree: insert_parent reparent failed", "err", err)
		}
	}

	in.Write(p)
	newIn.Write(newP)
	_ = t.pool.Unpin(parent, true)
	_ = t.pool.Unpin(newID, true)

	return t.insertParent(in.Parent, parent, newID, sep)
}

func (t *Tree) makeRoot(left, right page.ID, key []byte) bool {
	p, id, err := t.pool.NewPage()
	if err != nil {
		slog.Warn("bptree: make_root failed", "err", err)
		return false
	}
	root := InternalNode{Parent: page.NoID}
	root.Insert(nil, left)
	root.Insert(key, right)
	root.Write(p)
	_ = t.pool.Unpin(id, true)
	t.pool.SetRoot(id)

	if err := t.reparent(left, id); err != nil {
		slog.Warn("bptree: make_root reparent left failed", "err", err)
	}
	if err := t.reparent(right, id); err != nil {
		slog.Warn("bptree: make_root reparent right failed", "err", err)
	}
	return true
}

// reparent rewrites a child page's Parent field, regardless of whether it
// is a leaf or an internal node.
func (t *Tree) reparent(id, parent page.ID) error {
	p, err := t.pool.Fetch(id)
	if err != nil {
		return err
	}
	switch p.Type() {
	case page.TypeLeaf:
		n := LeafNode{}
		n.Read(p)
		n.Parent = parent
		n.Write(p)
	case page.TypeInternal:
		n := InternalNode{}
		n.Read(p)
		n.Parent = parent
		n.Write(p)
	}
	return t.pool.Unpin(id, true)
}

// Remove deletes key, reporting whether it was present. A present key
// triggers a borrow-or-merge pass up the tree when its leaf underflows.
func (t *Tree) Remove(key []byte) bool {
	if t.pool.Root() == page.NoID {
		return false
	}
	id, p, err := t.findLeaf(key)
	if err != nil {
		slog.Warn("bptree: remove find_leaf failed", "err", err)
		return false
	}

	leaf := LeafNode{}
	leaf.Read(p)
	if !leaf.Remove(key) {
		_ = t.pool.Unpin(id, false)
		return false
	}
	leaf.Write(p)
	_ = t.pool.Unpin(id, true)

	if leaf.EncodedSize() >= coalesceSize || leaf.Parent == page.NoID {
		return true
	}
	t.rebalanceLeaf(id, leaf.Parent)
	return true
}

func indexOfChild(in *InternalNode, child page.ID) int {
	for i, it := range in.Items {
		if it.Child == child {
			return i
		}
	}
	return -1
}

// rebalanceLeaf restores the minimum-fill invariant for an underflowing
// leaf by borrowing a record from a sibling, or merging with one and
// propagating the separator removal upward.
func (t *Tree) rebalanceLeaf(id, parentID page.ID) {
	parentP, err := t.pool.Fetch(parentID)
	if err != nil {
		slog.Warn("bptree: rebalance_leaf parent fetch failed", "err", err)
		return
	}
	parent := InternalNode{}
	parent.Read(parentP)
	idx := indexOfChild(&parent, id)
	if idx < 0 {
		_ = t.pool.Unpin(parentID, false)
		return
	}

	if idx+1 < len(parent.Items) {
		rightID := parent.Items[idx+1].Child
		rightP, err := t.pool.Fetch(rightID)
		if err == nil {
			right := LeafNode{}
			right.Read(rightP)
			leafP, _ := t.pool.Fetch(id)
			leaf := LeafNode{}
			leaf.Read(leafP)

			if len(right.Items) > 1 {
				borrowed := right.Items[0]
				right.RemoveAt(0)
				leaf.Items = append(leaf.Items, borrowed)
				parent.Items[idx+1].Key = append([]byte(nil), right.Items[0].Key...)

				leaf.Write(leafP)
				right.Write(rightP)
				parent.Write(parentP)
				_ = t.pool.Unpin(id, true)
				_ = t.pool.Unpin(rightID, true)
				_ = t.pool.Unpin(parentID, true)
				return
			}

			// Merge: id absorbs right.
			leaf.Items = append(leaf.Items, right.Items...)
			leaf.Next = right.Next
			leaf.Write(leafP)
			_ = t.pool.Unpin(id, true)
			_ = t.pool.Unpin(rightID, false)
			t.pool.Free(rightID)

			parent.RemoveAt(idx + 1)
			t.rebalanceAfterRemoval(parentID, &parent, parentP)
			return
		}
	}

	if idx-1 >= 0 {
		leftID := parent.Items[idx-1].Child
		leftP, err := t.pool.Fetch(leftID)
		if err == nil {
			left := LeafNode{}
			left.Read(leftP)
			leafP, _ := t.pool.Fetch(id)
			leaf := LeafNode{}
			leaf.Read(leafP)

			if len(left.Items) > 1 {
				last := len(left.Items) - 1
				borrowed := left.Items[last]
				left.RemoveAt(last)
				leaf.Items = append([]LeafItem{borrowed}, leaf.Items...)
				parent.Items[idx].Key = append([]byte(nil), leaf.Items[0].Key...)

				leaf.Write(leafP)
				left.Write(leftP)
				parent.Write(parentP)
				_ = t.pool.Unpin(id, true)
				_ = t.pool.Unpin(leftID, true)
				_ = t.pool.Unpin(parentID, true)
				return
			}

			// Merge: left absorbs id.
			left.Items = append(left.Items, leaf.Items...)
			left.Next = leaf.Next
			left.Write(leftP)
			_ = t.pool.Unpin(leftID, true)
			_ = t.pool.Unpin(id, false)
			t.pool.Free(id)

			parent.RemoveAt(idx)
			t.rebalanceAfterRemoval(parentID, &parent, parentP)
			return
		}
	}

	// No sibling available (single-child parent); nothing further to do.
	_ = t.pool.Unpin(parentID, false)
}

// rebalanceAfterRemoval writes back an internal node whose child count just
// dropped by one, collapsing or rebalancing as needed. parent/parentP are
// already-decoded/pinned; this function takes ownership of unpinning them.
func (t *Tree) rebalanceAfterRemoval(id page.ID, in *InternalNode, p *page.Page) {
	if in.Parent == page.NoID {
		// This is the root. Collapse if it now has a single child.
		if len(in.Items) == 1 {
			newRoot := in.Items[0].Child
			t.pool.SetRoot(newRoot)
			_ = t.pool.Unpin(id, false)
			t.pool.Free(id)
			if err := t.reparent(newRoot, page.NoID); err != nil {
				slog.Warn("bptree: root collapse reparent failed", "err", err)
			}
			return
		}
		in.Write(p)
		_ = t.pool.Unpin(id, true)
		return
	}

	in.Write(p)
	_ = t.pool.Unpin(id, true)

	if in.EncodedSize() >= coalesceSize {
		return
	}
	t.rebalanceInternal(id, in.Parent)
}

// rebalanceInternal mirrors rebalanceLeaf for an underflowing internal node.
func (t *Tree) rebalanceInternal(id, parentID page.ID) {
	parentP, err := t.pool.Fetch(parentID)
	if err != nil {
		slog.Warn("bptree: rebalance_internal parent fetch failed", "err", err)
		return
	}
	parent := InternalNode{}
	parent.Read(parentP)
	idx := indexOfChild(&parent, id)
	if idx < 0 {
		_ = t.pool.Unpin(parentID, false)
		return
	}

	if idx+1 < len(parent.Items) {
		rightID := parent.Items[idx+1].Child
		rightP, err := t.pool.Fetch(rightID)
		if err == nil {
			right := InternalNode{}
			right.Read(rightP)
			curP, _ := t.pool.Fetch(id)
			cur := InternalNode{}
			cur.Read(curP)

			if len(right.Items) > 1 {
				borrowed := right.Items[0]
				right.RemoveAt(0)
				// the separator for `borrowed` moving down is the old parent
				// separator for right; the new parent separator is right's
				// new first key.
				oldSep := parent.Items[idx+1].Key
				cur.Items = append(cur.Items, InternalItem{Key: oldSep, Child: borrowed.Child})
				parent.Items[idx+1].Key = append([]byte(nil), right.Items[0].Key...)

				if err := t.reparent(borrowed.Child, id); err != nil {
					slog.Warn("bptree: rebalance_internal reparent failed", "err", err)
				}

				cur.Write(curP)
				right.Write(rightP)
				parent.Write(parentP)
				_ = t.pool.Unpin(id, true)
				_ = t.pool.Unpin(rightID, true)
				_ = t.pool.Unpin(parentID, true)
				return
			}

			// Merge: id absorbs right, using the parent separator for the
			// boundary key between the two children sets.
			sep := parent.Items[idx+1].Key
			cur.Items = append(cur.Items, InternalItem{Key: sep, Child: right.Items[0].Child})
			cur.Items = append(cur.Items, right.Items[1:]...)
			for _, it := range right.Items {
				if err := t.reparent(it.Child, id); err != nil {
					slog.Warn("bptree: rebalance_internal merge reparent failed", "err", err)
				}
			}
			cur.Write(curP)
			_ = t.pool.Unpin(id, true)
			_ = t.pool.Unpin(rightID, false)
			t.pool.Free(rightID)

			parent.RemoveAt(idx + 1)
			t.rebalanceAfterRemoval(parentID, &parent, parentP)
			return
		}
	}

	if idx-1 >= 0 {
		leftID := parent.Items[idx-1].Child
		leftP, err := t.pool.Fetch(leftID)
		if err == nil {
			left := InternalNode{}
			left.Read(leftP)
			curP, _ := t.pool.Fetch(id)
			cur := InternalNode{}
			cur.Read(curP)

			if len(left.Items) > 1 {
				last := len(left.Items) - 1
				borrowed := left.Items[last]
				left.RemoveAt(last)
				oldSep := parent.Items[idx].Key
				cur.Items = append([]InternalItem{{Key: oldSep, Child: cur.Items[0].Child}}, cur.Items[1:]...)
				cur.Items = append([]InternalItem{{Key: nil, Child: borrowed.Child}}, cur.Items...)
				parent.Items[idx].Key = append([]byte(nil), borrowed.Key...)

				if err := t.reparent(borrowed.Child, id); err != nil {
					slog.Warn("bptree: rebalance_internal reparent failed", "err", err)
				}

				cur.Write(curP)
				left.Write(leftP)
				parent.Write(parentP)
				_ = t.pool.Unpin(id, true)
				_ = t.pool.Unpin(leftID, true)
				_ = t.pool.Unpin(parentID, true)
				return
			}

			// Merge: left absorbs id.
			sep := parent.Items[idx].Key
			left.Items = append(left.Items, InternalItem{Key: sep, Child: cur.Items[0].Child})
			left.Items = append(left.Items, cur.Items[1:]...)
			for _, it := range cur.Items {
				if err := t.reparent(it.Child, leftID); err != nil {
					slog.Warn("bptree: rebalance_internal merge reparent failed", "err", err)
				}
			}
			left.Write(leftP)
			_ = t.pool.Unpin(leftID, true)
			_ = t.pool.Unpin(id, false)
			t.pool.Free(id)

			parent.RemoveAt(idx)
			t.rebalanceAfterRemoval(parentID, &parent, parentP)
			return
		}
	}

	_ = t.pool.Unpin(parentID, false)
}

// Keys returns every key in ascending order by walking the leaf sibling
// chain from the left-most leaf, without descending the tree per key.
func (t *Tree) Keys() ([][]byte, error) {
	return t.leafChain()
}

// leafChain returns every key in leaf-sibling order starting at the
// left-most leaf, for debugging and range-scan-style traversal.
func (t *Tree) leafChain() ([][]byte, error) {
	id := t.pool.Root()
	if id == page.NoID {
		return nil, nil
	}
	p, err := t.pool.Fetch(id)
	if err != nil {
		return nil, err
	}
	for p.Type() == page.TypeInternal {
		in := InternalNode{}
		in.Read(p)
		if len(in.Items) == 0 {
			_ = t.pool.Unpin(id, false)
			return nil, ErrInternalNodeNoItems
		}
		next := in.Items[0].Child
		_ = t.pool.Unpin(id, false)
		id = next
		p, err = t.pool.Fetch(id)
		if err != nil {
			return nil, err
		}
	}

	var keys [][]byte
	for id != page.NoID {
		leaf := LeafNode{}
		leaf.Read(p)
		for _, it := range leaf.Items {
			keys = append(keys, it.Key)
		}
		next := leaf.Next
		_ = t.pool.Unpin(id, false)
		if next == page.NoID {
			break
		}
		id = next
		p, err = t.pool.Fetch(id)
		if err != nil {
			return keys, err
		}
	}
	return keys, nil
}
