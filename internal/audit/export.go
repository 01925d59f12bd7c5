package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

var csvHeader = []string{"id", "occurred_at", "event", "subject", "tenant", "source", "token_id", "reason", "metadata"}

// WriteCSV writes events with a header row. Cells that a spreadsheet would
// evaluate as a formula are prefixed with a single quote.
func WriteCSV(out io.Writer, events []Event) error {
	writer := csv.NewWriter(out)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, event := range events {
		metadata := ""
		if len(event.Metadata) > 0 {
			encoded, err := json.Marshal(Redact(event.Metadata))
			if err != nil {
				return fmt.Errorf("encode audit metadata: %w", err)
			}
			metadata = string(encoded)
		}

		record := []string{
			event.ID,
			event.OccurredAt.UTC().Format(time.RFC3339Nano),
			string(event.Type),
			event.Subject,
			event.Tenant,
			event.Source,
			event.TokenID,
			event.Reason,
			metadata,
		}
		for i := range record {
			record[i] = sanitizeCell(record[i])
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func sanitizeCell(value string) string {
	if value == "" {
		return value
	}
	switch value[0] {
	case '=', '+', '-', '@':
		return "'" + value
	}
	return value
}
