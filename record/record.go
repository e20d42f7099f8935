// Package record defines the key and value types stored by ledgerdb: a
// composite (account, date, sequence) key with a total order, and a record
// carrying a description and an exact decimal amount.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies a single record. Keys order by account (bytewise), then
// date (ascending instant), then sequence (ascending).
type Key struct {
	Account  string    `json:"account"`
	Date     time.Time `json:"date"`
	Sequence uint32    `json:"sequence"`
}

// NewKey builds a key. The date is normalized to UTC so that comparison and
// the on-disk ISO-8601 form agree regardless of the caller's location.
func NewKey(account string, date time.Time, sequence uint32) Key {
	return Key{
		Account:  account,
		Date:     date.UTC(),
		Sequence: sequence,
	}
}

// Compare returns -1, 0 or 1 as k sorts before, equal to or after o.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.Account, o.Account); c != 0 {
		return c
	}
	if c := k.Date.Compare(o.Date); c != 0 {
		return c
	}
	switch {
	case k.Sequence < o.Sequence:
		return -1
	case k.Sequence > o.Sequence:
		return 1
	}
	return 0
}

// Less reports whether k sorts strictly before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Equal reports structural equality.
func (k Key) Equal(o Key) bool { return k.Compare(o) == 0 }

// SameDay reports whether o shares k's account and date. Used by the
// sequence-adjustment logic to group records of one posting day.
func (k Key) SameDay(o Key) bool {
	return k.Account == o.Account && k.Date.Equal(o.Date)
}

// WithSequence returns a copy of k with the sequence replaced.
func (k Key) WithSequence(sequence uint32) Key {
	k.Sequence = sequence
	return k
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Account, k.Date.Format(time.RFC3339Nano), k.Sequence)
}

// Record is a single financial entry. Records are immutable once built;
// updates replace the whole record.
type Record struct {
	Key         Key             `json:"key"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// New builds a record for the given key.
func New(key Key, description string, amount decimal.Decimal) Record {
	return Record{Key: key, Description: description, Amount: amount}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %q %s", r.Key, r.Description, r.Amount)
}
