package ledgerdb_test

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"github.com/rickcollette/ledgerdb"
	"github.com/rickcollette/ledgerdb/record"
)

func Example() {
	l := ledgerdb.New(ledgerdb.Options{
		Degree:  100,
		DataDir: "data",
		Seed:    1,
		Fs:      afero.NewMemMapFs(),
	})

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 := jan1.AddDate(0, 0, 1)

	l.Insert(record.New(record.NewKey("checking", jan1, 0), "opening", decimal.RequireFromString("12.50")))
	l.Insert(record.New(record.NewKey("checking", jan1, 1), "deposit", decimal.RequireFromString("23.95")))
	l.Insert(record.New(record.NewKey("checking", jan2, 0), "coffee", decimal.RequireFromString("-7.00")))

	balance, _ := l.BalanceAsOf(record.NewKey("checking", jan2, 0))
	fmt.Println("balance:", balance)

	count, _ := l.Count("checking")
	fmt.Println("records:", count)

	if err := l.Save(); err != nil {
		fmt.Println("save failed:", err)
	}

	// Output:
	// balance: 29.45
	// records: 3
}

func ExampleLedger_AdjustKey() {
	l := ledgerdb.New(ledgerdb.Options{
		DataDir: "data",
		Seed:    1,
		Fs:      afero.NewMemMapFs(),
	})

	mar1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	key := record.NewKey("checking", mar1, 0)

	l.Insert(record.New(key, "first", decimal.New(1, 0)))

	next, _ := l.AdjustKey(key)
	fmt.Println("next sequence:", next.Sequence)

	// Output:
	// next sequence: 1
}
