package ledger

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/warp/loyalty-ledger/export"
)

var journalCSVHeader = []string{
	"id", "type", "amount", "customerId", "orderId", "outletId", "deviceId", "canceled", "reversalId", "createdAt",
}

// ExportCSV writes the entries matching filter as quoted CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter EntryFilter) error {
	entries, err := s.Transactions(ctx, filter)
	if err != nil {
		return err
	}
	return WriteJournalCSV(w, entries)
}

func WriteJournalCSV(w io.Writer, entries []JournalEntry) error {
	cw := export.NewWriter(w)
	cw.Write(journalCSVHeader...)
	for _, e := range entries {
		cw.Write(
			string(e.ID),
			string(e.Type),
			strconv.FormatInt(e.Amount, 10),
			string(e.CustomerID),
			e.OrderID,
			e.OutletID,
			e.DeviceID,
			strconv.FormatBool(e.Metadata.Canceled),
			string(e.Metadata.ReversalID),
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return cw.Flush()
}
