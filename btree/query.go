package btree

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/rickcollette/ledgerdb/record"
)

// Contains reports whether a record is stored under k.
func (t *AccountTree) Contains(k record.Key) (bool, error) {
	_, ok, err := t.Read(k)
	return ok, err
}

// Read returns the record stored under k, or false when absent.
func (t *AccountTree) Read(k record.Key) (record.Record, bool, error) {
	n, ok, err := t.loadRoot()
	if err != nil || !ok {
		return record.Record{}, false, err
	}
	for {
		if n.Leaf {
			i := n.FindRecord(k)
			if i < 0 {
				return record.Record{}, false, nil
			}
			return n.Records[i], true, nil
		}
		i := n.FindChild(k)
		if i < 0 {
			return record.Record{}, false, nil
		}
		if n, err = t.loadChild(n.Children[i]); err != nil {
			return record.Record{}, false, err
		}
	}
}

// List returns every record in key order.
func (t *AccountTree) List() ([]record.Record, error) {
	n, ok, err := t.loadRoot()
	if err != nil || !ok {
		return nil, err
	}
	var out []record.Record
	if err := t.collect(n, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *AccountTree) collect(n *Node, out *[]record.Record) error {
	if n.Leaf {
		*out = append(*out, n.Records...)
		return nil
	}
	for _, ref := range n.Children {
		child, err := t.loadChild(ref)
		if err != nil {
			return err
		}
		if err := t.collect(child, out); err != nil {
			return err
		}
	}
	return nil
}

// ListRange returns every record with start <= key <= end, in key order.
func (t *AccountTree) ListRange(start, end record.Key) ([]record.Record, error) {
	if end.Less(start) {
		return nil, nil
	}
	n, ok, err := t.loadRoot()
	if err != nil || !ok {
		return nil, err
	}
	var out []record.Record
	if err := t.collectRange(n, start, end, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *AccountTree) collectRange(n *Node, start, end record.Key, out *[]record.Record) error {
	if n.Leaf {
		for _, r := range n.Records {
			if r.Key.Compare(start) < 0 {
				continue
			}
			if r.Key.Compare(end) > 0 {
				return nil
			}
			*out = append(*out, r)
		}
		return nil
	}
	for _, ref := range n.Children {
		if ref.Last.Compare(start) < 0 {
			continue
		}
		if ref.First.Compare(end) > 0 {
			return nil
		}
		child, err := t.loadChild(ref)
		if err != nil {
			return err
		}
		if err := t.collectRange(child, start, end, out); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of records in the tree.
func (t *AccountTree) Count() (int, error) {
	n, ok, err := t.loadRoot()
	if err != nil || !ok {
		return 0, err
	}
	return t.countIn(n)
}

func (t *AccountTree) countIn(n *Node) (int, error) {
	if n.Leaf {
		return len(n.Records), nil
	}
	total := 0
	for _, ref := range n.Children {
		child, err := t.loadChild(ref)
		if err != nil {
			return 0, err
		}
		c, err := t.countIn(child)
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// BalanceAsOf returns the sum of amounts of all records with key <= k.
// Each level either swallows a whole subtree through its cached amount or
// descends into the single subtree straddling k, so the walk is one
// root-to-leaf path.
func (t *AccountTree) BalanceAsOf(k record.Key) (decimal.Decimal, error) {
	result := decimal.Zero
	n, ok, err := t.loadRoot()
	if err != nil || !ok {
		return result, err
	}
	for {
		if n.Leaf {
			for _, r := range n.Records {
				if r.Key.Compare(k) > 0 {
					return result, nil
				}
				result = result.Add(r.Amount)
			}
			return result, nil
		}
		descended := false
		for _, ref := range n.Children {
			if k.Compare(ref.Last) > 0 {
				result = result.Add(ref.Amount)
				continue
			}
			if n, err = t.loadChild(ref); err != nil {
				return decimal.Zero, err
			}
			descended = true
			break
		}
		if !descended {
			return result, nil
		}
	}
}

// AdjustKey returns k with the smallest unused sequence for (account, date)
// that is greater than every sequence already stored on that day, or k
// unchanged when the day holds no records. A day whose last sequence is the
// maximum is saturated.
func (t *AccountTree) AdjustKey(k record.Key) (record.Key, error) {
	root, ok, err := t.loadRoot()
	if err != nil {
		return record.Key{}, err
	}
	if !ok {
		return k, nil
	}
	bound := k.WithSequence(math.MaxUint32)
	last, found, err := t.lastAtMost(root, bound)
	if err != nil {
		return record.Key{}, err
	}
	if !found || !last.SameDay(k) {
		return k, nil
	}
	if last.Sequence == math.MaxUint32 {
		return record.Key{}, fmt.Errorf("%w: %s on %s", ErrSaturated, k.Account, k.Date)
	}
	return k.WithSequence(last.Sequence + 1), nil
}

// lastAtMost finds the greatest stored key <= bound by walking child ranges
// right to left; only subtrees that can hold such a key are entered.
func (t *AccountTree) lastAtMost(n *Node, bound record.Key) (record.Key, bool, error) {
	if n.Leaf {
		for i := len(n.Records) - 1; i >= 0; i-- {
			if n.Records[i].Key.Compare(bound) <= 0 {
				return n.Records[i].Key, true, nil
			}
		}
		return record.Key{}, false, nil
	}
	for i := len(n.Children) - 1; i >= 0; i-- {
		if n.Children[i].First.Compare(bound) > 0 {
			continue
		}
		child, err := t.loadChild(n.Children[i])
		if err != nil {
			return record.Key{}, false, err
		}
		k, found, err := t.lastAtMost(child, bound)
		if err != nil {
			return record.Key{}, false, err
		}
		if found {
			return k, true, nil
		}
	}
	return record.Key{}, false, nil
}
