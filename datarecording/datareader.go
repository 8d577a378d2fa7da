package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
)

// A Filter selects and orders the rows read from a table.
type Filter struct {
	// Where is a condition without the WHERE keyword, e.g. "Bucket = ?".
	Where string
	Args  []any

	// OrderBy is a column list without the ORDER BY keywords.
	OrderBy string

	// Limit caps the number of rows. Zero reads them all.
	Limit int
}

func (f Filter) clauses() string {
	s := ""

	if f.Where != "" {
		s += " WHERE " + f.Where
	}

	if f.OrderBy != "" {
		s += " ORDER BY " + f.OrderBy
	}

	if f.Limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	return s
}

// A Reader reads back the tables a DataRecorder has written.
type Reader struct {
	db *sql.DB
}

// NewReader opens a recorded database file.
func NewReader(filename string) (*Reader, error) {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}

	return &Reader{db: db}, nil
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Tables lists the tables in the database.
func (r *Reader) Tables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		tables = append(tables, name)
	}

	return tables, rows.Err()
}

// Each scans every row of table that f selects into a T and passes it to fn.
// Columns are matched to the fields of T by name; columns T does not have
// are skipped. Each stops at the first error fn returns.
func Each[T any](
	ctx context.Context,
	r *Reader,
	table string,
	f Filter,
	fn func(T) error,
) error {
	var entry T
	if err := checkStructFields(entry); err != nil {
		return err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT * FROM "+table+f.clauses(), f.Args...)
	if err != nil {
		return fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	val := reflect.ValueOf(&entry).Elem()
	targets := make([]any, len(columns))

	for i, col := range columns {
		field := val.FieldByName(col)
		if !field.IsValid() {
			targets[i] = new(any)
			continue
		}

		targets[i] = field.Addr().Interface()
	}

	for rows.Next() {
		var zero T
		entry = zero

		if err := rows.Scan(targets...); err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}

		if err := fn(entry); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Read returns every row of table that f selects.
func Read[T any](
	ctx context.Context,
	r *Reader,
	table string,
	f Filter,
) ([]T, error) {
	var entries []T

	err := Each(ctx, r, table, f, func(e T) error {
		entries = append(entries, e)
		return nil
	})

	return entries, err
}
