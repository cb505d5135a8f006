package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/calder/transitpipe/internal/config"
)

// dumpTables lists every table in an order that satisfies foreign keys on
// reload.
var dumpTables = []struct {
	name     string
	idColumn string // serial column to resync on postgres, "" for none
}{
	{"worker_hosts", "host_id"},
	{"tasks", "task_id"},
	{"task_attempts", "attempt_id"},
	{"semantic_types", "semantic_type_id"},
	{"file_products", "product_id"},
	{"file_product_versions", "product_version_id"},
	{"task_file_inputs", ""},
	{"task_metadata_inputs", ""},
	{"metadata_keywords", "keyword_id"},
	{"metadata_items", ""},
	{"log_messages", "message_id"},
}

type dumpFile struct {
	DumpedAt time.Time                           `json:"dumped_at"`
	Tables   map[string]json.RawMessage          `json:"tables"`
	Columns  map[string][]string                 `json:"columns"`
}

// Dump writes the whole store as JSON to w.
func (s *Store) Dump(ctx context.Context, w io.Writer) error {
	out := dumpFile{
		DumpedAt: now(),
		Tables:   make(map[string]json.RawMessage),
		Columns:  make(map[string][]string),
	}

	for _, table := range dumpTables {
		cols, rows, err := s.dumpTable(ctx, table.name)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", table.name, err)
		}
		out.Tables[table.name] = raw
		out.Columns[table.name] = cols
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (s *Store) dumpTable(ctx context.Context, table string) ([]string, [][]interface{}, error) {
	rows, err := s.query(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, wrap("columns "+table, err)
	}

	var out [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, wrap("scan "+table, err)
		}
		for i, v := range values {
			// Byte slices are driver-specific string carriers.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	return cols, out, wrap("dump "+table, rows.Err())
}

// tableColumns reads the live column set of a table. Dump documents name
// their columns, and only names present here may reach the rebuilt INSERT.
func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT * FROM "+table+" LIMIT 0")
	if err != nil {
		return nil, wrap("columns "+table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, wrap("columns "+table, err)
	}
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	return set, wrap("columns "+table, rows.Err())
}

// Restore destructively recreates the schema and reloads a dump produced by
// Dump. It refuses to run without the explicit lock path used by InitSchema.
func (s *Store) Restore(ctx context.Context, r io.Reader, lockPath string) error {
	var in dumpFile
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return fmt.Errorf("decode dump: %w", err)
	}

	if err := s.InitSchema(ctx, lockPath); err != nil {
		return err
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range dumpTables {
			raw, ok := in.Tables[table.name]
			if !ok {
				continue
			}
			var tableRows [][]interface{}
			if err := json.Unmarshal(raw, &tableRows); err != nil {
				return fmt.Errorf("decode %s: %w", table.name, err)
			}
			cols := in.Columns[table.name]
			if len(cols) == 0 {
				continue
			}
			live, err := tableColumns(ctx, tx, table.name)
			if err != nil {
				return err
			}
			for _, c := range cols {
				if !live[c] {
					return fmt.Errorf("restore %s: unknown column %q in dump", table.name, c)
				}
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
			insert := s.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
				table.name, strings.Join(cols, ", "), placeholders))
			for _, row := range tableRows {
				if len(row) != len(cols) {
					return fmt.Errorf("restore %s: row has %d values, want %d",
						table.name, len(row), len(cols))
				}
				if _, err := tx.ExecContext(ctx, insert, row...); err != nil {
					return fmt.Errorf("restore %s: %w", table.name, err)
				}
			}
			if s.driver == config.DriverPostgres && table.idColumn != "" {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(
					`SELECT setval(pg_get_serial_sequence('%s', '%s'),
						COALESCE((SELECT MAX(%s) FROM %s), 1))`,
					table.name, table.idColumn, table.idColumn, table.name)); err != nil {
					return fmt.Errorf("resync %s sequence: %w", table.name, err)
				}
			}
		}
		return nil
	})
}
