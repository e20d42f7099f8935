// Package ofx imports bank statement transactions from OFX 1.x (SGML) and
// OFX 2.x / QFX (XML) documents into ledgerdb records. The parser is
// deliberately tolerant: it scans for <STMTTRN> aggregates and reads the
// leaf tags it understands, ignoring headers and everything else. OFX 1.x
// leaf elements carry no closing tag, so values run to the next tag or end
// of line.
package ofx

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickcollette/ledgerdb/record"
)

// Transaction is one statement transaction as parsed from the document.
type Transaction struct {
	Posted      time.Time
	Amount      decimal.Decimal
	Name        string
	Memo        string
	FitID       string
}

var (
	stmtTrnRe = regexp.MustCompile(`(?is)<STMTTRN>(.*?)(?:</STMTTRN>|$)`)
	leafTagRe = regexp.MustCompile(`(?i)<([A-Z0-9.]+)>([^<\r\n]*)`)
)

// Parse reads an OFX or QFX document and returns its statement transactions
// in document order.
func Parse(r io.Reader) ([]Transaction, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read OFX document: %w", err)
	}
	blocks := stmtTrnRe.FindAllStringSubmatch(string(data), -1)
	txns := make([]Transaction, 0, len(blocks))
	for i, block := range blocks {
		txn, err := parseTransaction(block[1])
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i+1, err)
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

func parseTransaction(block string) (Transaction, error) {
	var txn Transaction
	haveDate, haveAmount := false, false
	for _, m := range leafTagRe.FindAllStringSubmatch(block, -1) {
		tag := strings.ToUpper(m[1])
		value := strings.TrimSpace(m[2])
		switch tag {
		case "DTPOSTED":
			posted, err := parseDate(value)
			if err != nil {
				return txn, err
			}
			txn.Posted = posted
			haveDate = true
		case "TRNAMT":
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return txn, fmt.Errorf("bad TRNAMT %q: %w", value, err)
			}
			txn.Amount = amount
			haveAmount = true
		case "NAME":
			txn.Name = value
		case "MEMO":
			txn.Memo = value
		case "FITID":
			txn.FitID = value
		}
	}
	if !haveDate {
		return txn, fmt.Errorf("transaction has no DTPOSTED")
	}
	if !haveAmount {
		return txn, fmt.Errorf("transaction has no TRNAMT")
	}
	return txn, nil
}

// parseDate accepts the OFX datetime forms YYYYMMDD and YYYYMMDDHHMMSS,
// with any trailing fraction or "[gmt offset:tz]" qualifier dropped. OFX
// times without a qualifier are GMT by specification.
func parseDate(value string) (time.Time, error) {
	digits := value
	if i := strings.IndexAny(digits, ".["); i >= 0 {
		digits = digits[:i]
	}
	switch {
	case len(digits) >= 14:
		return time.Parse("20060102150405", digits[:14])
	case len(digits) >= 8:
		return time.Parse("20060102", digits[:8])
	}
	return time.Time{}, fmt.Errorf("bad DTPOSTED %q", value)
}

// Description joins the transaction's name and memo into one record
// description.
func (t Transaction) Description() string {
	switch {
	case t.Name != "" && t.Memo != "":
		return t.Name + " - " + t.Memo
	case t.Name != "":
		return t.Name
	default:
		return t.Memo
	}
}

// Records converts transactions into records for account. Transactions
// posted on the same instant receive ascending sequences in document order;
// the caller should still pass each key through AdjustKey before inserting
// so imports never collide with records already stored.
func Records(account string, txns []Transaction) []record.Record {
	perDay := make(map[time.Time]uint32)
	out := make([]record.Record, 0, len(txns))
	for _, txn := range txns {
		posted := txn.Posted.UTC()
		seq := perDay[posted]
		perDay[posted] = seq + 1
		key := record.NewKey(account, posted, seq)
		out = append(out, record.New(key, txn.Description(), txn.Amount))
	}
	return out
}
