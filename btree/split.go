package btree

import (
	"fmt"

	"github.com/rickcollette/ledgerdb/metrics"
	"github.com/rickcollette/ledgerdb/record"
)

// Save discharges every overflowing node and then flushes the cache to the
// backing store. Overflow is tolerated between saves, so this is the point
// where the size bound is restored.
//
// Each pass rescans the cache and splits the first overflowing node found.
// A split of N entries produces segments of floor(N/segments) entries with
// the final segment absorbing the remainder; with skewed rounding that final
// segment can itself still exceed the degree, but it always holds strictly
// fewer entries than N, so every split shrinks the largest offender and the
// loop terminates.
func (t *AccountTree) Save() error {
	for {
		var overflowing *Node
		for _, n := range t.store.List() {
			if n.EntryCount() > t.degree {
				overflowing = n
				break
			}
		}
		if overflowing == nil {
			break
		}
		if err := t.split(overflowing); err != nil {
			return err
		}
	}
	if err := t.store.Save(); err != nil {
		return err
	}
	metrics.Saves.Inc()
	return nil
}

// split carves n into segments of at most roughly degree entries, republishes
// the segments, and links them into the tree: a split root is rebuilt as a
// new internal node at id 0 over the segments; any other node keeps its id
// on the first segment (so the parent's ref stays valid as a locator) and
// has its parent rewritten to hold all segment refs.
func (t *AccountTree) split(n *Node) error {
	count := n.EntryCount()
	segments := (count + t.degree - 1) / t.degree
	if segments < 2 {
		return fmt.Errorf("%w: split of node %d with %d entries at degree %d", ErrInvariant, n.ID, count, t.degree)
	}
	base := count / segments

	oldRef := n.SelfRef()
	refs := make([]NodeRef, 0, segments)
	lo := 0
	for seg := 0; seg < segments; seg++ {
		hi := lo + base
		if seg == segments-1 {
			hi = count
		}
		id := n.ID
		if n.ID == RootID || seg > 0 {
			id = t.store.NewID()
		}
		var part *Node
		if n.Leaf {
			records := append([]record.Record(nil), n.Records[lo:hi]...)
			part = NewLeaf(id, records)
		} else {
			children := append([]NodeRef(nil), n.Children[lo:hi]...)
			part = NewInternal(id, children)
		}
		t.store.Put(part)
		refs = append(refs, part.SelfRef())
		lo = hi
	}

	if n.ID == RootID {
		t.store.Put(NewInternal(RootID, refs))
	} else {
		parent, err := t.closestParent(oldRef)
		if err != nil {
			return err
		}
		t.store.Put(parent.WithReplacedChildByMany(oldRef, refs))
	}
	metrics.Splits.Inc()
	t.log.Debug().
		Uint64("node", uint64(n.ID)).
		Int("entries", count).
		Int("segments", segments).
		Bool("leaf", n.Leaf).
		Msg("node split")
	return nil
}

// closestParent re-descends from the root to the internal node holding a ref
// to target's child id, following at each level the child whose key range
// contains target's first key.
func (t *AccountTree) closestParent(target NodeRef) (*Node, error) {
	n, ok, err := t.loadRoot()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: parent search for node %d in empty tree", ErrInvariant, target.Child)
	}
	for {
		if n.Leaf {
			return nil, fmt.Errorf("%w: no parent found for node %d", ErrInvariant, target.Child)
		}
		for _, ref := range n.Children {
			if ref.Child == target.Child {
				return n, nil
			}
		}
		i := n.FindChild(target.First)
		if i < 0 {
			return nil, fmt.Errorf("%w: no child range covers node %d", ErrInvariant, target.Child)
		}
		if n, err = t.loadChild(n.Children[i]); err != nil {
			return nil, err
		}
	}
}
