package btree_test

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickcollette/ledgerdb/btree"
	"github.com/rickcollette/ledgerdb/record"
)

func newTestTree(fs afero.Fs, degree int) *btree.AccountTree {
	rng := rand.New(rand.NewSource(1))
	store := btree.NewNodeStore(fs, "data", "A", nil, rng, zerolog.Nop())
	return btree.NewAccountTree("A", degree, store, rng, zerolog.Nop())
}

// checkSubtree verifies the structural invariants below a node and returns
// its record count, amount sum, and key bounds.
func checkSubtree(t *testing.T, tr *btree.AccountTree, id btree.NodeID) (count int, amount decimal.Decimal, first, last record.Key) {
	t.Helper()
	n, ok, err := tr.Store().Get(id)
	require.NoError(t, err)
	require.True(t, ok, "node %d referenced but missing", id)

	if n.Leaf {
		amount = decimal.Zero
		for i, r := range n.Records {
			if i > 0 {
				require.True(t, n.Records[i-1].Key.Less(r.Key),
					"leaf %d records not strictly ascending at %d", id, i)
			}
			amount = amount.Add(r.Amount)
		}
		require.True(t, amount.Equal(n.Amount), "leaf %d cached amount %s, records sum %s", id, n.Amount, amount)
		if len(n.Records) > 0 {
			first, last = n.Records[0].Key, n.Records[len(n.Records)-1].Key
		}
		return len(n.Records), amount, first, last
	}

	amount = decimal.Zero
	for i, ref := range n.Children {
		if i > 0 {
			require.True(t, n.Children[i-1].First.Less(ref.First),
				"internal %d refs not ascending by first key at %d", id, i)
		}
		require.NotEqual(t, btree.RootID, ref.Child, "id 0 must never appear as a child")
		childCount, childAmount, childFirst, childLast := checkSubtree(t, tr, ref.Child)
		require.True(t, childAmount.Equal(ref.Amount),
			"ref to %d caches amount %s, subtree holds %s", ref.Child, ref.Amount, childAmount)
		if childCount > 0 {
			require.True(t, ref.First.Equal(childFirst),
				"ref to %d caches first %s, subtree starts at %s", ref.Child, ref.First, childFirst)
			require.True(t, ref.Last.Equal(childLast),
				"ref to %d caches last %s, subtree ends at %s", ref.Child, ref.Last, childLast)
			if count == 0 {
				first = childFirst
			}
			last = childLast
		}
		count += childCount
		amount = amount.Add(ref.Amount)
	}
	require.True(t, amount.Equal(n.Amount), "internal %d cached amount %s, children sum %s", id, n.Amount, amount)
	return count, amount, first, last
}

func checkTree(t *testing.T, tr *btree.AccountTree) {
	t.Helper()
	if _, ok, err := tr.Store().Get(btree.RootID); err != nil || !ok {
		require.NoError(t, err)
		return
	}
	checkSubtree(t, tr, btree.RootID)
}

func balanceByScan(t *testing.T, tr *btree.AccountTree, k record.Key) decimal.Decimal {
	t.Helper()
	records, err := tr.List()
	require.NoError(t, err)
	sum := decimal.Zero
	for _, r := range records {
		if r.Key.Compare(k) <= 0 {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

func TestEmptyTreeBalance(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	balance, err := tr.BalanceAsOf(key(1, 0))
	require.NoError(t, err)
	requireAmount(t, "0", balance)

	count, err := tr.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	records, err := tr.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func seedSampleRecords(t *testing.T, tr *btree.AccountTree) {
	t.Helper()
	for _, r := range []record.Record{
		rec(1, 0, "12.50"),
		rec(1, 1, "23.95"),
		rec(2, 0, "-7.00"),
	} {
		inserted, err := tr.Insert(r)
		require.NoError(t, err)
		require.True(t, inserted)
	}
}

func TestInsertAndBalance(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	seedSampleRecords(t, tr)
	checkTree(t, tr)

	balance, err := tr.BalanceAsOf(key(1, 1))
	require.NoError(t, err)
	requireAmount(t, "36.45", balance)

	balance, err = tr.BalanceAsOf(key(2, 0))
	require.NoError(t, err)
	requireAmount(t, "29.45", balance)
}

func TestInsertDuplicateIsIdempotent(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	seedSampleRecords(t, tr)

	inserted, err := tr.Insert(rec(1, 1, "999"))
	require.NoError(t, err)
	require.False(t, inserted)
	checkTree(t, tr)

	got, ok, err := tr.Read(key(1, 1))
	require.NoError(t, err)
	require.True(t, ok)
	requireAmount(t, "23.95", got.Amount)
}

func TestDeleteRestoresBalance(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	seedSampleRecords(t, tr)

	deleted, err := tr.Delete(key(1, 1))
	require.NoError(t, err)
	require.True(t, deleted)
	checkTree(t, tr)

	balance, err := tr.BalanceAsOf(key(2, 0))
	require.NoError(t, err)
	requireAmount(t, "5.50", balance)

	ok, err := tr.Contains(key(1, 1))
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err = tr.Delete(key(1, 1))
	require.NoError(t, err)
	require.False(t, deleted, "repeated delete reports not found")
}

func TestUpdateMovesBalance(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	seedSampleRecords(t, tr)

	updated, err := tr.Update(rec(1, 0, "100.00"))
	require.NoError(t, err)
	require.True(t, updated)
	checkTree(t, tr)

	balance, err := tr.BalanceAsOf(key(2, 0))
	require.NoError(t, err)
	requireAmount(t, "116.95", balance)
}

func TestUpdateMissingReturnsFalse(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	seedSampleRecords(t, tr)
	updated, err := tr.Update(rec(9, 0, "1"))
	require.NoError(t, err)
	require.False(t, updated)
	checkTree(t, tr)
}

func TestSplitStress(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	total := decimal.Zero
	for i := 0; i < 100; i++ {
		amount := decimal.New(int64(i+1), -2)
		inserted, err := tr.Insert(record.New(key(1, uint32(i)), "stress", amount))
		require.NoError(t, err)
		require.True(t, inserted)
		total = total.Add(amount)
	}

	// Overflow is tolerated before save and must not change results.
	count, err := tr.Count()
	require.NoError(t, err)
	require.Equal(t, 100, count)
	balance, err := tr.BalanceAsOf(key(1, 99))
	require.NoError(t, err)
	require.True(t, total.Equal(balance))

	require.NoError(t, tr.Save())
	checkTree(t, tr)

	for _, n := range tr.Store().List() {
		require.LessOrEqual(t, n.EntryCount(), 4, "node %d overflows after save", n.ID)
	}
	root, ok, err := tr.Store().Get(btree.RootID)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, root.Leaf, "100 records at degree 4 must have split the root")

	count, err = tr.Count()
	require.NoError(t, err)
	require.Equal(t, 100, count)
	balance, err = tr.BalanceAsOf(key(1, 99))
	require.NoError(t, err)
	require.True(t, total.Equal(balance))
}

func TestSplitKeepsOriginalIDForNonRoot(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	for i := 0; i < 40; i++ {
		_, err := tr.Insert(record.New(key(1+i/4, uint32(i%4)), "x", dec("1")))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Save())
	checkTree(t, tr)

	before := make(map[btree.NodeID]bool)
	for _, n := range tr.Store().List() {
		before[n.ID] = true
	}

	// Grow one leaf past the degree and save again: the split leaf's id
	// must survive as the first segment.
	for i := 0; i < 8; i++ {
		_, err := tr.Insert(record.New(key(1, uint32(4+i)), "x", dec("1")))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Save())
	checkTree(t, tr)
	for id := range before {
		_, ok, err := tr.Store().Get(id)
		require.NoError(t, err)
		assert.True(t, ok, "id %d vanished across a split", id)
	}
}

func TestBalanceMatchesLinearScan(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		d := 1 + rng.Intn(28)
		seq := uint32(rng.Intn(8))
		amount := decimal.New(int64(rng.Intn(20000)-10000), -2)
		_, err := tr.Insert(record.New(key(d, seq), "r", amount))
		require.NoError(t, err)
	}
	if rng.Intn(2) == 0 {
		require.NoError(t, tr.Save())
	}
	checkTree(t, tr)

	for _, probe := range []record.Key{
		key(1, 0), key(5, 3), key(14, 0), key(28, 7), key(30, 0),
	} {
		want := balanceByScan(t, tr, probe)
		got, err := tr.BalanceAsOf(probe)
		require.NoError(t, err)
		require.True(t, want.Equal(got), "balance at %s: scan %s, tree %s", probe, want, got)
	}
}

func TestAdjustKey(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)

	// Empty day returns the key unchanged.
	k, err := tr.AdjustKey(record.NewKey("A", day(3).AddDate(0, 2, 0), 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), k.Sequence)

	_, err = tr.Insert(record.New(record.NewKey("A", day(3).AddDate(0, 2, 0), 0), "x", dec("1")))
	require.NoError(t, err)

	k, err = tr.AdjustKey(record.NewKey("A", day(3).AddDate(0, 2, 0), 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), k.Sequence)

	_, err = tr.Insert(record.New(k, "y", dec("1")))
	require.NoError(t, err)

	k, err = tr.AdjustKey(record.NewKey("A", day(3).AddDate(0, 2, 0), 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), k.Sequence)
}

func TestAdjustKeyIgnoresOtherDays(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	_, err := tr.Insert(rec(1, 5, "1"))
	require.NoError(t, err)

	k, err := tr.AdjustKey(key(2, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), k.Sequence, "neighbouring day must not leak its sequences")
}

func TestAdjustKeySaturated(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	_, err := tr.Insert(record.New(key(1, math.MaxUint32), "cap", dec("1")))
	require.NoError(t, err)

	_, err = tr.AdjustKey(key(1, 0))
	require.ErrorIs(t, err, btree.ErrSaturated)
}

func TestDeleteRange(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	total := decimal.Zero
	removedTotal := decimal.Zero
	for i := 0; i < 50; i++ {
		amount := decimal.New(int64(i+1), 0)
		_, err := tr.Insert(record.New(key(1+i, 0), "d", amount))
		require.NoError(t, err)
		total = total.Add(amount)
		if i+1 >= 10 && i+1 <= 20 {
			removedTotal = removedTotal.Add(amount)
		}
	}
	require.NoError(t, tr.Save())

	removed, err := tr.DeleteRange(key(10, 0), key(20, math.MaxUint32))
	require.NoError(t, err)
	require.Equal(t, 11, removed)
	checkTree(t, tr)

	records, err := tr.List()
	require.NoError(t, err)
	require.Len(t, records, 39)
	for _, r := range records {
		outside := r.Key.Compare(key(10, 0)) < 0 || r.Key.Compare(key(20, math.MaxUint32)) > 0
		require.True(t, outside, "key %s survived the range delete", r.Key)
	}

	balance, err := tr.BalanceAsOf(key(50, math.MaxUint32))
	require.NoError(t, err)
	require.True(t, total.Sub(removedTotal).Equal(balance))

	removed, err = tr.DeleteRange(key(10, 0), key(20, math.MaxUint32))
	require.NoError(t, err)
	assert.Zero(t, removed, "second pass removes nothing")
}

func TestDeleteRangeRejectsCrossAccount(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	_, err := tr.DeleteRange(key(1, 0), record.NewKey("B", day(2), 0))
	require.Error(t, err)
}

func TestListRange(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 4)
	for i := 1; i <= 30; i++ {
		_, err := tr.Insert(record.New(key(i, 0), fmt.Sprintf("day %d", i), dec("1")))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Save())

	records, err := tr.ListRange(key(10, 0), key(12, math.MaxUint32))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Key.Equal(key(10, 0)))
	assert.True(t, records[2].Key.Equal(key(12, 0)))

	records, err = tr.ListRange(key(12, 0), key(10, 0))
	require.NoError(t, err)
	assert.Empty(t, records, "inverted range is empty")
}

func TestPersistenceRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	tr := newTestTree(fs, 4)
	total := decimal.Zero
	for i := 0; i < 100; i++ {
		amount := decimal.New(int64(i+1), -2)
		_, err := tr.Insert(record.New(key(1, uint32(i)), fmt.Sprintf("r%d", i), amount))
		require.NoError(t, err)
		total = total.Add(amount)
	}
	require.NoError(t, tr.Save())

	wantList, err := tr.List()
	require.NoError(t, err)

	// Discard all in-memory state: a fresh tree over the same filesystem.
	reloaded := newTestTree(fs, 4)
	checkTree(t, reloaded)

	gotList, err := reloaded.List()
	require.NoError(t, err)
	require.Equal(t, len(wantList), len(gotList))
	for i := range wantList {
		require.True(t, wantList[i].Key.Equal(gotList[i].Key))
		require.True(t, wantList[i].Amount.Equal(gotList[i].Amount))
		require.Equal(t, wantList[i].Description, gotList[i].Description)
	}

	count, err := reloaded.Count()
	require.NoError(t, err)
	require.Equal(t, 100, count)

	balance, err := reloaded.BalanceAsOf(key(1, 99))
	require.NoError(t, err)
	require.True(t, total.Equal(balance))

	got, ok, err := reloaded.Read(key(1, 42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r42", got.Description)

	ok, err = reloaded.Contains(key(2, 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteLeavesEmptyLeafQueryable(t *testing.T) {
	tr := newTestTree(afero.NewMemMapFs(), 2)
	for i := 1; i <= 8; i++ {
		_, err := tr.Insert(record.New(key(i, 0), "x", dec("1")))
		require.NoError(t, err)
	}
	require.NoError(t, tr.Save())

	// Empty out one leaf completely; no merge happens, queries stay right.
	for i := 1; i <= 2; i++ {
		deleted, err := tr.Delete(key(i, 0))
		require.NoError(t, err)
		require.True(t, deleted)
	}
	checkTree(t, tr)

	count, err := tr.Count()
	require.NoError(t, err)
	require.Equal(t, 6, count)

	balance, err := tr.BalanceAsOf(key(8, 0))
	require.NoError(t, err)
	requireAmount(t, "6", balance)

	_, err = tr.Insert(record.New(key(1, 1), "back", dec("5")))
	require.NoError(t, err)
	checkTree(t, tr)
	balance, err = tr.BalanceAsOf(key(8, 0))
	require.NoError(t, err)
	requireAmount(t, "11", balance)
}

func TestBoundaryInsertUsesInjectedRNG(t *testing.T) {
	run := func() []record.Record {
		tr := newTestTree(afero.NewMemMapFs(), 2)
		for _, i := range []int{1, 9, 5, 3, 7, 4, 6, 2, 8} {
			_, err := tr.Insert(record.New(key(i, 0), "x", dec("1")))
			require.NoError(t, err)
		}
		require.NoError(t, tr.Save())
		for _, i := range []int{10, 11, 12} {
			_, err := tr.Insert(record.New(key(i, 0), "x", dec("1")))
			require.NoError(t, err)
		}
		checkTree(t, tr)
		records, err := tr.List()
		require.NoError(t, err)
		return records
	}
	first, second := run(), run()
	require.Equal(t, len(first), len(second), "seeded runs must agree")
	for i := range first {
		require.True(t, first[i].Key.Equal(second[i].Key))
	}
}
