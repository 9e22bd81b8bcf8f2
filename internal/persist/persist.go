// Package persist writes register updates to durable storage in the
// background, grounded on the teacher's internal/collector.Storage: a
// buffered channel drained by one goroutine into JSONL/CSV files and/or
// a sqlite database, so a slow disk never stalls the poll loop. The
// snapshot.Store's history ring is memory-bounded and lost on restart;
// Recorder is the durable, unbounded complement to it.
package persist

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one observed register update, ready to be written out.
type Record struct {
	Name      string
	Value     any
	Numeric   float64
	IsNumeric bool
	Err       error
	Timestamp time.Time
}

// Config selects which sinks Recorder writes to and where.
type Config struct {
	Enabled  bool
	Dir      string // directory for register_history.jsonl / register_history.csv / history.sqlite
	JSON     bool
	CSV      bool
	DB       bool
	MaxQueue int
}

// Recorder asynchronously persists Records to the configured sinks.
type Recorder struct {
	q      chan Record
	wg     sync.WaitGroup
	closed chan struct{}

	jsonFile   *os.File
	jsonWriter *bufio.Writer

	csvFile   *os.File
	csvWriter *csv.Writer

	db *sql.DB
}

// Open starts a Recorder per cfg. It is a no-op (nil, nil) if cfg is
// disabled or selects no sink.
func Open(cfg Config) (*Recorder, error) {
	if !cfg.Enabled || !(cfg.JSON || cfg.CSV || cfg.DB) {
		return nil, nil
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}

	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	r := &Recorder{
		q:      make(chan Record, maxQueue),
		closed: make(chan struct{}),
	}

	if cfg.JSON {
		f, err := os.OpenFile(filepath.Join(dir, "register_history.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("persist: open jsonl: %w", err)
		}
		r.jsonFile = f
		r.jsonWriter = bufio.NewWriterSize(f, 64*1024)
	}

	if cfg.CSV {
		path := filepath.Join(dir, "register_history.csv")
		needHeader := true
		if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
			needHeader = false
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.closeFiles()
			return nil, fmt.Errorf("persist: open csv: %w", err)
		}
		r.csvFile = f
		r.csvWriter = csv.NewWriter(f)
		if needHeader {
			if err := r.csvWriter.Write([]string{"timestamp", "name", "value", "numeric", "error"}); err != nil {
				r.closeFiles()
				return nil, fmt.Errorf("persist: write csv header: %w", err)
			}
			r.csvWriter.Flush()
		}
	}

	if cfg.DB {
		db, err := openSQLite(filepath.Join(dir, "history.sqlite"))
		if err != nil {
			r.closeFiles()
			return nil, fmt.Errorf("persist: open sqlite: %w", err)
		}
		r.db = db
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	const schema = `
CREATE TABLE IF NOT EXISTS register_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    value TEXT,
    numeric_value REAL,
    error TEXT,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_register_history_name ON register_history(name);
CREATE INDEX IF NOT EXISTS idx_register_history_timestamp ON register_history(timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.q {
		if r.jsonWriter != nil {
			_ = r.writeJSONL(rec)
		}
		if r.csvWriter != nil {
			_ = r.writeCSV(rec)
		}
		if r.db != nil {
			_ = r.writeDB(rec)
		}
	}
	if r.jsonWriter != nil {
		r.jsonWriter.Flush()
	}
	if r.csvWriter != nil {
		r.csvWriter.Flush()
	}
	close(r.closed)
}

func (r *Recorder) writeJSONL(rec Record) error {
	obj := map[string]any{
		"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
		"name":      rec.Name,
		"value":     fmt.Sprintf("%v", rec.Value),
	}
	if rec.IsNumeric {
		obj["numeric"] = rec.Numeric
	}
	if rec.Err != nil {
		obj["error"] = rec.Err.Error()
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := r.jsonWriter.Write(b); err != nil {
		return err
	}
	_, err = r.jsonWriter.WriteString("\n")
	return err
}

func (r *Recorder) writeCSV(rec Record) error {
	numeric := ""
	if rec.IsNumeric {
		numeric = fmt.Sprintf("%g", rec.Numeric)
	}
	errStr := ""
	if rec.Err != nil {
		errStr = rec.Err.Error()
	}
	return r.csvWriter.Write([]string{
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.Name,
		fmt.Sprintf("%v", rec.Value),
		numeric,
		errStr,
	})
}

func (r *Recorder) writeDB(rec Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var numeric any
	if rec.IsNumeric {
		numeric = rec.Numeric
	}
	var errStr any
	if rec.Err != nil {
		errStr = rec.Err.Error()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO register_history (name, value, numeric_value, error, timestamp) VALUES (?, ?, ?, ?, ?)`,
		rec.Name, fmt.Sprintf("%v", rec.Value), numeric, errStr, rec.Timestamp)
	return err
}

// Handle enqueues rec for background persistence. It never blocks the
// caller for more than a short grace period: a full queue drops the
// record rather than stall the poll loop, mirroring the teacher's
// Storage.Handle fallback.
func (r *Recorder) Handle(rec Record) error {
	select {
	case r.q <- rec:
		return nil
	default:
		timer := time.NewTimer(200 * time.Millisecond)
		defer timer.Stop()
		select {
		case r.q <- rec:
			return nil
		case <-timer.C:
			return fmt.Errorf("persist: queue full, dropped %s", rec.Name)
		}
	}
}

// Close drains the queue and closes every open sink.
func (r *Recorder) Close() {
	close(r.q)
	<-r.closed
	r.closeFiles()
	if r.db != nil {
		r.db.Close()
	}
}

func (r *Recorder) closeFiles() {
	if r.jsonFile != nil {
		r.jsonFile.Close()
	}
	if r.csvFile != nil {
		r.csvFile.Close()
	}
}

// History returns up to limit of name's most recent persisted rows, most
// recent first, from the sqlite sink. It returns (nil, nil) if persistence to sqlite is
// disabled.
func (r *Recorder) History(ctx context.Context, name string, limit int) ([]Record, error) {
	if r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, value, numeric_value, error, timestamp FROM register_history WHERE name = ? ORDER BY timestamp DESC LIMIT ?`,
		name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var numeric sql.NullFloat64
		var errStr sql.NullString
		var value string
		if err := rows.Scan(&rec.Name, &value, &numeric, &errStr, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Value = value
		if numeric.Valid {
			rec.Numeric = numeric.Float64
			rec.IsNumeric = true
		}
		if errStr.Valid {
			rec.Err = fmt.Errorf("%s", errStr.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func parseFormat(format string) (jsonOn, csvOn, dbOn bool) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "jsonl":
		return true, false, false
	case "csv":
		return false, true, false
	case "db", "sqlite":
		return false, false, true
	case "json+csv", "csv+json":
		return true, true, false
	case "all", "":
		return true, true, true
	default:
		return false, false, false
	}
}

// ConfigFromFormat builds a Config from a directory and a format string
// like the teacher's storage.file_type ("json", "csv", "db", "all", ...).
func ConfigFromFormat(enabled bool, dir, format string, maxQueue int) (Config, error) {
	jsonOn, csvOn, dbOn := parseFormat(format)
	if enabled && !jsonOn && !csvOn && !dbOn {
		return Config{}, fmt.Errorf("persist: unsupported format %q", format)
	}
	return Config{Enabled: enabled, Dir: dir, JSON: jsonOn, CSV: csvOn, DB: dbOn, MaxQueue: maxQueue}, nil
}
