package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"microgrid-analytics/internal/models"
)

// WriteCSV writes rows with the required columns followed by the optional
// ones. Absent measurements are written as empty cells.
func WriteCSV(w io.Writer, rows []models.Observation) error {
	cw := csv.NewWriter(w)
	header := append(append([]string{}, RequiredColumns...), OptionalColumns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, 0, len(header))
	for i := range rows {
		o := rows[i]
		record = record[:0]
		record = append(record, o.Timestamp.UTC().Format(time.RFC3339))
		for _, f := range measurementFields(&o) {
			if v, ok := f.dst.Get(); ok {
				record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		weatherTime := ""
		if !o.ValidAt.IsZero() {
			weatherTime = o.ValidAt.UTC().Format(time.RFC3339)
		}
		record = append(record,
			o.DeviceID,
			strconv.FormatFloat(o.Latitude, 'f', -1, 64),
			strconv.FormatFloat(o.Longitude, 'f', -1, 64),
			weatherTime,
		)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
