package capture

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// A Reader reads a capture database back.
type Reader struct {
	db *sql.DB
}

// NewReader opens the capture database at path.
func NewReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening capture database: %w", err)
	}
	return &Reader{db: db}, nil
}

// ListTables returns the capture table names.
func (r *Reader) ListTables() ([]string, error) {
	rows, err := r.db.Query(
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name;")
	if err != nil {
		return nil, fmt.Errorf("listing capture tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Dump returns a table's column names and rows, everything rendered as
// strings.
func (r *Reader) Dump(name string) (cols []string, out [][]string, err error) {
	rows, err := r.db.Query(fmt.Sprintf("SELECT * FROM %s;", name))
	if err != nil {
		return nil, nil, fmt.Errorf("dumping capture table %s: %w", name, err)
	}
	defer rows.Close()

	cols, err = rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}

		row := make([]string, len(cols))
		for i, v := range raw {
			switch x := v.(type) {
			case nil:
				row[i] = ""
			case []byte:
				row[i] = string(x)
			default:
				row[i] = fmt.Sprint(x)
			}
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
