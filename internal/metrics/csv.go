package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"mailrelay/internal/model"
)

var csvHeader = []string{
	"timestamp",
	"type",
	"sender_id",
	"recipient",
	"outcome",
	"reason",
}

// WriteCSV writes deliveries to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Delivery) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, d := range items {
		if err := writer.Write(record(d)); err != nil {
			return err
		}
	}
	return writer.Error()
}

// AppendCSV appends deliveries to a CSV file, writing the header only
// when the file is new or empty. Not safe for concurrent use; callers
// serialize appends in-process.
func AppendCSV(path string, items []model.Delivery) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, d := range items {
		if err := writer.Write(record(d)); err != nil {
			return err
		}
	}
	return writer.Error()
}

// ReadCSV loads deliveries from a CSV file.
func ReadCSV(path string) ([]model.Delivery, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Delivery, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Delivery, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < 6 {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		items = append(items, model.Delivery{
			Timestamp: ts,
			Type:      rec[1],
			SenderID:  rec[2],
			Recipient: rec[3],
			Outcome:   rec[4],
			Reason:    rec[5],
		})
	}

	return items, nil
}

func record(d model.Delivery) []string {
	return []string{
		d.Timestamp.UTC().Format(time.RFC3339Nano),
		d.Type,
		d.SenderID,
		d.Recipient,
		d.Outcome,
		d.Reason,
	}
}
