package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"anivpn/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "history.csv")

	s1 := model.Session{ID: "a", ServerID: "de-01", StartedAt: time.Unix(1, 0).UTC(), EndedAt: time.Unix(2, 0).UTC(), EndReason: "disconnect"}
	s2 := model.Session{ID: "b", ServerID: "fr-01", StartedAt: time.Unix(3, 0).UTC(), EndedAt: time.Unix(4, 0).UTC(), EndReason: "link_lost"}

	if err := AppendCSV(path, []model.Session{s1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.Session{s2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "session_id,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	got, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if diff := cmp.Diff([]model.Session{s1, s2}, got); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCSV_ColumnOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := model.Session{
		ID:        "id-1",
		ServerID:  "jp-01",
		Country:   "JP",
		Interface: "wg0",
		StartedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
		RxBytes:   1024,
		TxBytes:   2048,
		EndReason: "shutdown",
	}
	if err := WriteCSV(&buf, []model.Session{s}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := "session_id,server_id,country,interface,started_at,ended_at,rx_bytes,tx_bytes,end_reason\n" +
		"id-1,jp-01,JP,wg0,2024-05-01T10:00:00Z,2024-05-01T11:00:00Z,1024,2048,shutdown\n"
	if buf.String() != want {
		t.Fatalf("csv=\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestReadCSV_MissingFile(t *testing.T) {
	t.Parallel()

	items, err := ReadCSV(filepath.Join(t.TempDir(), "none.csv"))
	if err != nil || items != nil {
		t.Fatalf("items=%v err=%v", items, err)
	}
}

func TestReadCSV_ShortRecord(t *testing.T) {
	t.Parallel()

	if _, err := readCSV(strings.NewReader("session_id,server_id\na,b\n")); err == nil {
		t.Fatal("expected error")
	}
}
