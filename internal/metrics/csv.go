package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"anivpn/internal/model"
)

var header = []string{
	"session_id",
	"server_id",
	"country",
	"interface",
	"started_at",
	"ended_at",
	"rx_bytes",
	"tx_bytes",
	"end_reason",
}

// WriteCSV writes sessions to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Session) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	return writeRecords(writer, items)
}

// AppendCSV appends sessions to the history file, writing the header only
// when the file is new or empty.
func AppendCSV(path string, items []model.Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	return writeRecords(writer, items)
}

func writeRecords(writer *csv.Writer, items []model.Session) error {
	for _, s := range items {
		record := []string{
			s.ID,
			s.ServerID,
			s.Country,
			s.Interface,
			s.StartedAt.UTC().Format(time.RFC3339Nano),
			s.EndedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(s.RxBytes, 10),
			strconv.FormatUint(s.TxBytes, 10),
			s.EndReason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
