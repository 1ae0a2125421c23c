package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"anivpn/internal/model"
)

// ReadCSV loads sessions from the history file. A missing file yields no
// sessions.
func ReadCSV(path string) ([]model.Session, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Session, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "session_id" {
		start = 1
	}

	items := make([]model.Session, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		started, err := time.Parse(time.RFC3339Nano, rec[4])
		if err != nil {
			return nil, fmt.Errorf("invalid started_at at line %d: %w", i+1, err)
		}
		ended, err := time.Parse(time.RFC3339Nano, rec[5])
		if err != nil {
			return nil, fmt.Errorf("invalid ended_at at line %d: %w", i+1, err)
		}
		rx, _ := strconv.ParseUint(rec[6], 10, 64)
		tx, _ := strconv.ParseUint(rec[7], 10, 64)
		items = append(items, model.Session{
			ID:        rec[0],
			ServerID:  rec[1],
			Country:   rec[2],
			Interface: rec[3],
			StartedAt: started,
			EndedAt:   ended,
			RxBytes:   rx,
			TxBytes:   tx,
			EndReason: rec[8],
		})
	}

	return items, nil
}
