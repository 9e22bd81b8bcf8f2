// Package output writes a one-shot dump of the current Snapshot Store to
// JSON or CSV, grounded on the teacher's internal/output.WriteJSON/WriteCSV
// but flattened from the teacher's server/device/point hierarchy to this
// module's flat, name-keyed register set.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"modbus-term/internal/snapshot"
)

// Row is one register's current state, ready for JSON or CSV export.
type Row struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  uint64    `json:"revision"`
}

// Rows flattens a Store snapshot into a sorted, exportable slice.
func Rows(store *snapshot.Store) []Row {
	all := store.All()
	rows := make([]Row, 0, len(all))
	for name, e := range all {
		row := Row{Name: name, Value: e.Value, UpdatedAt: e.UpdatedAt, Revision: e.Revision}
		if e.Err != nil {
			row.Error = e.Err.Error()
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// WriteJSON writes a pretty-printed JSON array of the store's current
// values to path.
func WriteJSON(path string, store *snapshot.Store) error {
	b, err := json.MarshalIndent(Rows(store), "", "  ")
	if err != nil {
		return fmt.Errorf("output: marshal json: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("output: write json: %w", err)
	}
	return nil
}

// WriteCSV writes the store's current values to path as
// name,value,error,updated_at,revision.
func WriteCSV(path string, store *snapshot.Store) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"name", "value", "error", "updated_at", "revision"}); err != nil {
		return fmt.Errorf("output: write header: %w", err)
	}
	for _, row := range Rows(store) {
		rec := []string{
			row.Name,
			fmt.Sprintf("%v", row.Value),
			row.Error,
			row.UpdatedAt.Format(time.RFC3339Nano),
			fmt.Sprintf("%d", row.Revision),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("output: write record: %w", err)
		}
	}
	return w.Error()
}
