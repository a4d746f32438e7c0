// Package distfile loads distribution request files: CSV rows of recipient
// account and amount.
package distfile

import (
	"cmp"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/ledger"
)

// Transfer is one requested payment.
type Transfer struct {
	Account ledger.AccountID
	Amount  amount.Decimal
}

// ParseError describes a rejected row or cell. Line is the 1-based line in
// the file; Column is 1-based, 0 when the whole row is affected.
type ParseError struct {
	Line        int
	Column      int
	Description string
}

func (e ParseError) Error() string {
	if e.Line == 0 {
		return e.Description
	}
	return fmt.Sprintf("line %d, column %d: %s", e.Line, e.Column, e.Description)
}

// File is the parsed content of a distribution file.
type File struct {
	Name string
	// Rows counts records read, comments included.
	Rows    int
	Columns int
	// Decimals is the largest number of decimal places of any amount.
	Decimals  int
	Transfers []Transfer
	// Data holds the trimmed cells of every record for cross-referencing
	// errors.
	Data   [][]string
	Errors []ParseError
}

// Load reads and parses the file at path. A missing file is reported in
// Errors, not as an error.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Name: path, Columns: 2, Errors: []ParseError{{Description: fmt.Sprintf("File '%s' not found.", path)}}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("distfile: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(path, f), nil
}

// Parse reads distribution rows from r. Cells are trimmed, trailing empty
// cells dropped, and rows starting with '#' kept as comments. Transfers
// are sorted by account, then amount.
func Parse(name string, r io.Reader) *File {
	out := &File{Name: name, Columns: 2}
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		out.Rows++
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				out.Errors = append(out.Errors, ParseError{Description: err.Error()})
				break
			}
			out.Errors = append(out.Errors, ParseError{Line: perr.Line, Description: perr.Err.Error()})
			continue
		}
		line, _ := reader.FieldPos(0)
		if first {
			record[0] = strings.TrimPrefix(record[0], "\ufeff")
			first = false
		}
		out.Data = append(out.Data, out.parseRecord(line, record))
	}
	slices.SortStableFunc(out.Transfers, func(a, b Transfer) int {
		return cmp.Or(a.Account.Compare(b.Account), a.Amount.Cmp(b.Amount))
	})
	return out
}

func (f *File) parseRecord(line int, record []string) []string {
	items := make([]string, 0, len(record))
	for _, cell := range record {
		items = append(items, strings.TrimSpace(cell))
	}
	for len(items) > 0 && items[len(items)-1] == "" {
		items = items[:len(items)-1]
	}
	if len(items) == 0 {
		return items
	}
	if strings.HasPrefix(items[0], "#") {
		return []string{strings.TrimSpace(strings.Join(items, " "))}
	}
	if len(items) < 2 {
		f.fail(line, 1, "Expected to find Crypto Address in column 1 and distribution amount in column 2.")
		return items
	}
	f.Columns = max(f.Columns, len(items))
	if items[0] == "" {
		f.fail(line, 1, "Account Id is missing.")
		return items
	}
	account, err := ledger.ParseEntityID(items[0])
	if err != nil {
		f.fail(line, 1, fmt.Sprintf("Unable to parse Account ID: %s is not a valid address id.", items[0]))
		return items
	}
	amt, err := amount.ParseDecimal(items[1])
	switch {
	case errors.Is(err, amount.ErrNegative):
		f.fail(line, 2, "Amount of distribution must be a value greater than zero.")
		return items
	case errors.Is(err, amount.ErrTooLarge):
		f.fail(line, 2, fmt.Sprintf("Unable to parse amount of distribution: %v", err))
		return items
	case err != nil:
		f.fail(line, 2, fmt.Sprintf("Unable to parse '%s' as an amount of distribution.", items[1]))
		return items
	case amt.IsZero():
		f.fail(line, 2, "Amount of distribution must be a value greater than zero.")
		return items
	}
	f.Decimals = max(f.Decimals, amt.Places())
	f.Transfers = append(f.Transfers, Transfer{Account: account, Amount: amt})
	return items
}

func (f *File) fail(line, column int, description string) {
	f.Errors = append(f.Errors, ParseError{Line: line, Column: column, Description: description})
}
