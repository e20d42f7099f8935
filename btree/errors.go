package btree

import "errors"

var (
	// ErrSaturated is returned by AdjustKey when a posting day already holds
	// the maximum sequence number and no further record can be keyed on it.
	ErrSaturated = errors.New("ledgerdb: day saturated, no free sequence")

	// ErrInvariant marks a broken structural invariant: a leaf operation on
	// an internal node, a child reference to a node the store does not know,
	// or a corrupt on-disk blob. Errors wrapping it are fatal for the tree;
	// callers should not retry.
	ErrInvariant = errors.New("ledgerdb: tree invariant violated")
)
