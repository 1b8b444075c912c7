// Package capture records address-space operations and out-of-band
// errors into a SQLite database for offline inspection.
package capture

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// envPathKey names the environment variable that sets the capture path.
const envPathKey = "GVM_CAPTURE_PATH"

const defaultBatchSize = 128

// An OpRecord captures one address-space operation.
type OpRecord struct {
	VM    string
	Kind  string
	Addr  uint64
	Size  uint64
	Error string
}

// An ErrRecord captures one out-of-band failure, such as a userptr
// invalidation that could not flush the TLB.
type ErrRecord struct {
	VM      string
	Context string
	Error   string
}

type table struct {
	fields  []string
	pending [][]any
}

// A Recorder writes records into per-kind SQLite tables. Inserts are
// batched; Flush runs on process exit.
type Recorder struct {
	path string
	db   *sql.DB

	mu        sync.Mutex
	tables    map[string]*table
	batchSize int
}

// NewRecorder opens or creates the capture database at path. An empty
// path falls back to the GVM_CAPTURE_PATH environment variable, loaded
// through .env if one is present, and finally to a generated name.
func NewRecorder(path string) (*Recorder, error) {
	if path == "" {
		_ = godotenv.Load()
		path = os.Getenv(envPathKey)
	}
	if path == "" {
		path = "gvm_capture_" + xid.New().String() + ".sqlite3"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening capture database: %w", err)
	}

	r := &Recorder{
		path:      path,
		db:        db,
		tables:    map[string]*table{},
		batchSize: defaultBatchSize,
	}
	atexit.Register(func() { _ = r.Flush() })

	return r, nil
}

// Path returns the path of the capture database.
func (r *Recorder) Path() string {
	return r.path
}

func sqlType(k reflect.Kind) string {
	switch k {
	case reflect.String:
		return "TEXT"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Int64, reflect.Uint, reflect.Uint8, reflect.Uint16,
		reflect.Uint32, reflect.Uint64, reflect.Bool:
		return "INTEGER"
	case reflect.Float32, reflect.Float64:
		return "REAL"
	default:
		log.Panicf("unsupported capture field kind %s", k)
		return ""
	}
}

// CreateTable creates a table whose columns mirror the sample struct's
// fields. Creating the same table twice is an error.
func (r *Recorder) CreateTable(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t.Kind() != reflect.Struct {
		log.Panicf("capture sample for %s is not a struct", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tables[name]; ok {
		return fmt.Errorf("capture table %s already exists", name)
	}

	cols := make([]string, 0, t.NumField())
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		cols = append(cols, fmt.Sprintf("%s %s", f.Name, sqlType(f.Type.Kind())))
		fields = append(fields, f.Name)
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
		name, strings.Join(cols, ", "))
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("creating capture table %s: %w", name, err)
	}

	r.tables[name] = &table{fields: fields}
	return nil
}

func fieldValue(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Uint64:
		return int64(v.Uint())
	default:
		return v.Interface()
	}
}

// Insert queues one entry for the table. The entry must be of the
// table's sample type. The batch flushes once it is full.
func (r *Recorder) Insert(name string, entry any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tables[name]
	if !ok {
		return fmt.Errorf("capture table %s does not exist", name)
	}

	v := reflect.ValueOf(entry)
	row := make([]any, v.NumField())
	for i := range row {
		row[i] = fieldValue(v.Field(i))
	}
	t.pending = append(t.pending, row)

	if len(t.pending) >= r.batchSize {
		return r.flushTable(name, t)
	}
	return nil
}

func (r *Recorder) flushTable(name string, t *table) error {
	if len(t.pending) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(
		strings.Repeat("?, ", len(t.fields)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		name, strings.Join(t.fields, ", "), placeholders)

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("flushing capture table %s: %w", name, err)
	}
	for _, row := range t.pending {
		if _, err := tx.Exec(stmt, row...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("flushing capture table %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flushing capture table %s: %w", name, err)
	}

	t.pending = t.pending[:0]
	return nil
}

// Flush writes every pending batch out.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, t := range r.tables {
		if err := r.flushTable(name, t); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the database.
func (r *Recorder) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.db.Close()
}
