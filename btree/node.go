package btree

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rickcollette/ledgerdb/record"
)

// NodeID addresses one node blob within an account's store. IDs are stable
// for the life of the tree and never reused.
type NodeID uint64

// RootID is reserved for the root node of every account tree.
const RootID NodeID = 0

// NodeRef summarizes a child subtree for its parent: the first and last key
// reachable through the child, the child's id, and the exact sum of amounts
// in the subtree. Whenever a child changes, the parent's ref for it is
// rewritten in the same logical operation.
type NodeRef struct {
	First  record.Key
	Last   record.Key
	Child  NodeID
	Amount decimal.Decimal
}

// Contains reports whether k falls inside the ref's key range.
func (r NodeRef) Contains(k record.Key) bool {
	return r.First.Compare(k) <= 0 && k.Compare(r.Last) <= 0
}

// Node is one B-tree node. A leaf holds sorted records; an internal node
// holds sorted child refs. Amount caches the sum of the subtree's amounts.
//
// Nodes are treated as immutable values: every mutator below returns a new
// node with freshly cloned slices, and the caller republishes it in the
// store under the same id. A retired node value is never written to again.
type Node struct {
	ID       NodeID
	Leaf     bool
	Records  []record.Record
	Children []NodeRef
	Amount   decimal.Decimal
}

// NewLeaf builds a leaf over the given records, deriving the cached amount.
// The records must already be sorted strictly ascending by key.
func NewLeaf(id NodeID, records []record.Record) *Node {
	amount := decimal.Zero
	for _, r := range records {
		amount = amount.Add(r.Amount)
	}
	return &Node{ID: id, Leaf: true, Records: records, Amount: amount}
}

// NewInternal builds an internal node over the given child refs, deriving
// the cached amount. The refs must already be sorted by first key.
func NewInternal(id NodeID, children []NodeRef) *Node {
	amount := decimal.Zero
	for _, c := range children {
		amount = amount.Add(c.Amount)
	}
	return &Node{ID: id, Leaf: false, Children: children, Amount: amount}
}

// EntryCount returns the number of records (leaf) or child refs (internal).
func (n *Node) EntryCount() int {
	if n.Leaf {
		return len(n.Records)
	}
	return len(n.Children)
}

// FindRecord binary-searches a leaf for key. It returns the index on a hit,
// otherwise the bitwise complement of the insertion point.
func (n *Node) FindRecord(k record.Key) int {
	n.mustBeLeaf("FindRecord")
	i := sort.Search(len(n.Records), func(i int) bool {
		return n.Records[i].Key.Compare(k) >= 0
	})
	if i < len(n.Records) && n.Records[i].Key.Equal(k) {
		return i
	}
	return ^i
}

// FindChild binary-searches an internal node for the child whose key range
// contains k. It returns the index on a hit, otherwise the bitwise
// complement of the insertion point (the position at which a ref starting
// with k would sort).
func (n *Node) FindChild(k record.Key) int {
	n.mustBeInternal("FindChild")
	if len(n.Children) == 0 {
		panic(fmt.Errorf("%w: FindChild on node %d with no children", ErrInvariant, n.ID))
	}
	// First ref whose range starts after k.
	i := sort.Search(len(n.Children), func(i int) bool {
		return k.Compare(n.Children[i].First) < 0
	})
	if i > 0 && n.Children[i-1].Contains(k) {
		return i - 1
	}
	return ^i
}

// WithInsertedRecord returns a new leaf with r inserted at index i, the
// cached amount grown by r's amount.
func (n *Node) WithInsertedRecord(i int, r record.Record) *Node {
	n.mustBeLeaf("WithInsertedRecord")
	records := make([]record.Record, 0, len(n.Records)+1)
	records = append(records, n.Records[:i]...)
	records = append(records, r)
	records = append(records, n.Records[i:]...)
	return &Node{
		ID:      n.ID,
		Leaf:    true,
		Records: records,
		Amount:  n.Amount.Add(r.Amount),
	}
}

// WithDeletedRecord returns a new leaf with the record at index i removed,
// the cached amount shrunk by its amount.
func (n *Node) WithDeletedRecord(i int) *Node {
	n.mustBeLeaf("WithDeletedRecord")
	records := make([]record.Record, 0, len(n.Records)-1)
	records = append(records, n.Records[:i]...)
	records = append(records, n.Records[i+1:]...)
	return &Node{
		ID:      n.ID,
		Leaf:    true,
		Records: records,
		Amount:  n.Amount.Sub(n.Records[i].Amount),
	}
}

// WithReplacedRecord returns a new leaf with the record at index i replaced
// by r, the cached amount moved by the difference.
func (n *Node) WithReplacedRecord(i int, r record.Record) *Node {
	n.mustBeLeaf("WithReplacedRecord")
	records := make([]record.Record, len(n.Records))
	copy(records, n.Records)
	old := records[i]
	records[i] = r
	return &Node{
		ID:      n.ID,
		Leaf:    true,
		Records: records,
		Amount:  n.Amount.Add(r.Amount.Sub(old.Amount)),
	}
}

// WithReplacedChild returns a new internal node with the ref at index i
// overwritten, the cached amount adjusted by the ref's amount delta.
func (n *Node) WithReplacedChild(i int, ref NodeRef) *Node {
	n.mustBeInternal("WithReplacedChild")
	children := make([]NodeRef, len(n.Children))
	copy(children, n.Children)
	old := children[i]
	children[i] = ref
	return &Node{
		ID:       n.ID,
		Leaf:     false,
		Children: children,
		Amount:   n.Amount.Sub(old.Amount).Add(ref.Amount),
	}
}

// WithReplacedChildByMany returns a new internal node in which the ref for
// old's child id is replaced by refs. Used only by splits: refs exactly
// partition old's key range, so sort order is preserved.
func (n *Node) WithReplacedChildByMany(old NodeRef, refs []NodeRef) *Node {
	n.mustBeInternal("WithReplacedChildByMany")
	at := -1
	for i, c := range n.Children {
		if c.Child == old.Child {
			at = i
			break
		}
	}
	if at < 0 {
		panic(fmt.Errorf("%w: node %d has no child %d to replace", ErrInvariant, n.ID, old.Child))
	}
	children := make([]NodeRef, 0, len(n.Children)-1+len(refs))
	children = append(children, n.Children[:at]...)
	children = append(children, refs...)
	children = append(children, n.Children[at+1:]...)
	return NewInternal(n.ID, children)
}

// SelfRef produces the parent-side summary of this node. The node must hold
// at least one entry; empty subtrees keep their previous bounds (see RefFor).
func (n *Node) SelfRef() NodeRef {
	if n.EntryCount() == 0 {
		panic(fmt.Errorf("%w: SelfRef on empty node %d", ErrInvariant, n.ID))
	}
	if n.Leaf {
		return NodeRef{
			First:  n.Records[0].Key,
			Last:   n.Records[len(n.Records)-1].Key,
			Child:  n.ID,
			Amount: n.Amount,
		}
	}
	return NodeRef{
		First:  n.Children[0].First,
		Last:   n.Children[len(n.Children)-1].Last,
		Child:  n.ID,
		Amount: n.Amount,
	}
}

// RefFor rewrites prev to describe n after a mutation. Deletion may leave a
// node empty; such a node keeps prev's key bounds so that its parent chain
// stays navigable, with only the amount refreshed.
func RefFor(prev NodeRef, n *Node) NodeRef {
	if n.EntryCount() == 0 {
		return NodeRef{First: prev.First, Last: prev.Last, Child: n.ID, Amount: n.Amount}
	}
	return n.SelfRef()
}

func (n *Node) mustBeLeaf(op string) {
	if !n.Leaf {
		panic(fmt.Errorf("%w: %s on internal node %d", ErrInvariant, op, n.ID))
	}
}

func (n *Node) mustBeInternal(op string) {
	if n.Leaf {
		panic(fmt.Errorf("%w: %s on leaf node %d", ErrInvariant, op, n.ID))
	}
}
