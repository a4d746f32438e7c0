// Package report renders distribution results as CSV and delivers the file
// to a storage sink.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"pkt.systems/paydist/internal/payment"
)

// NotAvailable fills every cell without a value.
const NotAvailable = "n/a"

// TimeLayout is RFC 3339 with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Header is the first row of every report.
var Header = []string{
	"Account",
	"Amount",
	"Distribution Id",
	"Scheduling Tx Id",
	"Scheduling Tx Status",
	"Countersigning Tx Id",
	"Countersigning Tx Status",
	"Scheduled Payment Tx Id",
	"Scheduled Payment Tx Status",
	"Status Description",
	"Started",
	"Scheduled",
	"Countersigned",
	"Finished",
}

// WriteCSV writes the header and one row per result, in the given order.
func WriteCSV(w io.Writer, results []payment.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}
	for _, res := range results {
		if err := cw.Write(Row(res)); err != nil {
			return fmt.Errorf("report: write row %d: %w", res.Index, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("report: flush: %w", err)
	}
	return nil
}

// Row renders a single result.
func Row(res payment.Result) []string {
	return []string{
		res.Account.String(),
		res.Amount.String(),
		orNA(res.ScheduleID),
		orNA(res.SchedulingTxID),
		orNA(res.SchedulingStatus),
		orNA(res.CountersigningTxID),
		orNA(res.CountersigningStatus),
		orNA(res.ScheduledTxID),
		orNA(res.ConfirmationStatus),
		res.Stage.Label(),
		timestamp(res.Started),
		timestamp(res.Scheduled),
		timestamp(res.Countersigned),
		timestamp(res.Finished),
	}
}

// Name returns the conventional object name of a run's report.
func Name(runID string, at time.Time) string {
	return "distribution-" + runID + "-" + strconv.FormatInt(at.UTC().Unix(), 10) + ".csv"
}

func orNA(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return NotAvailable
	}
	return t.UTC().Format(TimeLayout)
}
