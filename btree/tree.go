// Package btree implements ledgerdb's per-account storage engine: an
// on-disk B-tree of financial records whose nodes cache their subtree amount
// sum, making cumulative-balance queries logarithmic in tree height.
//
// Mutations share one shape: a recursive descent that returns the rewritten
// node, with the parent's child ref refreshed on the way back up. Nodes are
// never split during a mutation; a node may hold more than the configured
// degree of entries until Save discharges the overflow.
package btree

import (
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/rickcollette/ledgerdb/metrics"
	"github.com/rickcollette/ledgerdb/record"
)

// DefaultDegree is the maximum entries per node when no degree is configured.
const DefaultDegree = 100

// AccountTree is the B-tree over one account's records. It exclusively owns
// its node store and is single-writer: callers serialize access.
type AccountTree struct {
	account string
	degree  int
	store   *NodeStore
	rng     *rand.Rand
	log     zerolog.Logger
}

// NewAccountTree builds a tree over store. The RNG drives neighbour
// selection on boundary inserts and must be owned exclusively by this tree;
// inject a seeded source for reproducible runs.
func NewAccountTree(account string, degree int, store *NodeStore, rng *rand.Rand, log zerolog.Logger) *AccountTree {
	if degree < 2 {
		degree = DefaultDegree
	}
	return &AccountTree{
		account: account,
		degree:  degree,
		store:   store,
		rng:     rng,
		log:     log.With().Str("account", account).Logger(),
	}
}

// Account returns the account this tree stores.
func (t *AccountTree) Account() string { return t.account }

// Degree returns the configured maximum entries per node.
func (t *AccountTree) Degree() int { return t.degree }

// Store exposes the tree's node store for diagnostics and tests.
func (t *AccountTree) Store() *NodeStore { return t.store }

func (t *AccountTree) loadRoot() (*Node, bool, error) {
	return t.store.Get(RootID)
}

func (t *AccountTree) loadChild(ref NodeRef) (*Node, error) {
	n, ok, err := t.store.Get(ref.Child)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: child %d referenced but absent from store", ErrInvariant, ref.Child)
	}
	return n, nil
}

// Insert adds r to the tree. It returns false when a record with the same
// key already exists; the tree is then unchanged.
func (t *AccountTree) Insert(r record.Record) (bool, error) {
	root, ok, err := t.loadRoot()
	if err != nil {
		return false, err
	}
	if !ok {
		t.store.Put(NewLeaf(RootID, []record.Record{r}))
		metrics.Inserts.Inc()
		return true, nil
	}
	inserted, _, err := t.insertInto(root, r)
	if err != nil {
		return false, err
	}
	if inserted {
		metrics.Inserts.Inc()
	}
	return inserted, nil
}

func (t *AccountTree) insertInto(n *Node, r record.Record) (bool, *Node, error) {
	if n.Leaf {
		i := n.FindRecord(r.Key)
		if i >= 0 {
			return false, n, nil
		}
		nn := n.WithInsertedRecord(^i, r)
		t.store.Put(nn)
		return true, nn, nil
	}
	i := n.FindChild(r.Key)
	if i < 0 {
		i = t.selectChild(n, ^i)
	}
	child, err := t.loadChild(n.Children[i])
	if err != nil {
		return false, n, err
	}
	inserted, newChild, err := t.insertInto(child, r)
	if err != nil || !inserted {
		return inserted, n, err
	}
	nn := n.WithReplacedChild(i, RefFor(n.Children[i], newChild))
	t.store.Put(nn)
	return true, nn, nil
}

// selectChild picks the neighbour to grow when a key falls between child
// ranges. At either end the sole neighbour wins; in the middle a coin flip
// spreads growth across both, keeping boundary-heavy workloads balanced.
func (t *AccountTree) selectChild(n *Node, at int) int {
	switch at {
	case 0:
		return 0
	case len(n.Children):
		return len(n.Children) - 1
	default:
		if t.rng.Intn(2) == 0 {
			return at - 1
		}
		return at
	}
}

// Update replaces the record stored under r's key. It returns false when no
// such record exists.
func (t *AccountTree) Update(r record.Record) (bool, error) {
	root, ok, err := t.loadRoot()
	if err != nil || !ok {
		return false, err
	}
	updated, _, err := t.updateIn(root, r)
	if err != nil {
		return false, err
	}
	if updated {
		metrics.Updates.Inc()
	}
	return updated, nil
}

func (t *AccountTree) updateIn(n *Node, r record.Record) (bool, *Node, error) {
	if n.Leaf {
		i := n.FindRecord(r.Key)
		if i < 0 {
			return false, n, nil
		}
		nn := n.WithReplacedRecord(i, r)
		t.store.Put(nn)
		return true, nn, nil
	}
	i := n.FindChild(r.Key)
	if i < 0 {
		// No child range holds the key, so it cannot exist.
		return false, n, nil
	}
	child, err := t.loadChild(n.Children[i])
	if err != nil {
		return false, n, err
	}
	updated, newChild, err := t.updateIn(child, r)
	if err != nil || !updated {
		return updated, n, err
	}
	nn := n.WithReplacedChild(i, RefFor(n.Children[i], newChild))
	t.store.Put(nn)
	return true, nn, nil
}

// Delete removes the record stored under k. It returns false when no such
// record exists. Leaves are never merged or rebalanced: a leaf may end up
// empty, and its parent keeps a ref with the old key bounds and a zero
// amount, which keeps every query correct.
func (t *AccountTree) Delete(k record.Key) (bool, error) {
	root, ok, err := t.loadRoot()
	if err != nil || !ok {
		return false, err
	}
	deleted, _, err := t.deleteIn(root, k)
	if err != nil {
		return false, err
	}
	if deleted {
		metrics.Deletes.Inc()
	}
	return deleted, nil
}

// DeleteRecord removes r by key.
func (t *AccountTree) DeleteRecord(r record.Record) (bool, error) {
	return t.Delete(r.Key)
}

func (t *AccountTree) deleteIn(n *Node, k record.Key) (bool, *Node, error) {
	if n.Leaf {
		i := n.FindRecord(k)
		if i < 0 {
			return false, n, nil
		}
		nn := n.WithDeletedRecord(i)
		t.store.Put(nn)
		return true, nn, nil
	}
	i := n.FindChild(k)
	if i < 0 {
		return false, n, nil
	}
	child, err := t.loadChild(n.Children[i])
	if err != nil {
		return false, n, err
	}
	deleted, newChild, err := t.deleteIn(child, k)
	if err != nil || !deleted {
		return deleted, n, err
	}
	nn := n.WithReplacedChild(i, RefFor(n.Children[i], newChild))
	t.store.Put(nn)
	return true, nn, nil
}

// DeleteRange removes every record with start <= key <= end and returns the
// count removed. The rewrite happens on scratch copies of the affected
// nodes, which are published together only after the whole descent
// succeeded, so a fault leaves the tree untouched.
func (t *AccountTree) DeleteRange(start, end record.Key) (int, error) {
	if start.Account != end.Account {
		return 0, fmt.Errorf("delete range spans accounts %q and %q", start.Account, end.Account)
	}
	if end.Less(start) {
		return 0, nil
	}
	root, ok, err := t.loadRoot()
	if err != nil || !ok {
		return 0, err
	}
	var pending []*Node
	_, removed, err := t.deleteRangeIn(root, start, end, &pending)
	if err != nil {
		return 0, err
	}
	for _, n := range pending {
		t.store.Put(n)
	}
	if removed > 0 {
		metrics.Deletes.Add(float64(removed))
		t.log.Debug().Int("removed", removed).Msg("range delete")
	}
	return removed, nil
}

func (t *AccountTree) deleteRangeIn(n *Node, start, end record.Key, pending *[]*Node) (*Node, int, error) {
	if n.Leaf {
		kept := make([]record.Record, 0, len(n.Records))
		removed := 0
		for _, r := range n.Records {
			if r.Key.Compare(start) >= 0 && r.Key.Compare(end) <= 0 {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if removed == 0 {
			return n, 0, nil
		}
		nn := NewLeaf(n.ID, kept)
		*pending = append(*pending, nn)
		return nn, removed, nil
	}
	total := 0
	cur := n
	for i := range n.Children {
		ref := cur.Children[i]
		if ref.Last.Compare(start) < 0 || ref.First.Compare(end) > 0 {
			continue
		}
		child, err := t.loadChild(ref)
		if err != nil {
			return n, 0, err
		}
		newChild, removed, err := t.deleteRangeIn(child, start, end, pending)
		if err != nil {
			return n, 0, err
		}
		if removed == 0 {
			continue
		}
		cur = cur.WithReplacedChild(i, RefFor(ref, newChild))
		total += removed
	}
	if total > 0 {
		*pending = append(*pending, cur)
	}
	return cur, total, nil
}
