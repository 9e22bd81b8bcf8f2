package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modbus-term/internal/snapshot"
)

func TestWriteJSONAndCSV(t *testing.T) {
	store := snapshot.New([]string{"counter"}, 1)
	store.Update("counter", int64(42), []uint16{42}, 42, true, time.Now())

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "dump.json")
	csvPath := filepath.Join(dir, "dump.csv")

	if err := WriteJSON(jsonPath, store); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := WriteCSV(csvPath, store); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	b, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var rows []Row
	if err := json.Unmarshal(b, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "counter" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	csvBytes, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if !strings.Contains(string(csvBytes), "counter") {
		t.Fatalf("csv missing counter row: %s", csvBytes)
	}
}
