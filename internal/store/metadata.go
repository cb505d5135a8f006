package store

import (
	"context"
	"database/sql"

	"github.com/calder/transitpipe/internal/models"
)

// internKeywordTx maps a metadata keyword to its id, inserting on first
// sighting.
func (s *Store) internKeywordTx(ctx context.Context, tx *sql.Tx, keyword string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT keyword_id FROM metadata_keywords WHERE keyword = ?`), keyword).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrap("lookup keyword", err)
	}
	return s.insertReturningID(ctx, tx,
		`INSERT INTO metadata_keywords (keyword) VALUES (?)`, "keyword_id", keyword)
}

// SetMetadata upserts one metadata item. Last writer wins per
// (scope, keyword); acceptable because a task's metadata is only written by
// its expansion parent and its own handler.
func (s *Store) SetMetadata(ctx context.Context, scopeClass string, scopeID int64, keyword string, value models.Value) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetMetadataTx(ctx, tx, scopeClass, scopeID, keyword, value)
	})
}

// SetMetadataTx is SetMetadata inside an existing transaction scope.
func (s *Store) SetMetadataTx(ctx context.Context, tx *sql.Tx, scopeClass string, scopeID int64, keyword string, value models.Value) error {
	kwID, err := s.internKeywordTx(ctx, tx, keyword)
	if err != nil {
		return err
	}
	var vf, vs interface{}
	if value.Number != nil {
		vf = *value.Number
	}
	if value.Text != nil {
		vs = *value.Text
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO metadata_items (scope_class, scope_id, keyword_id, value_float, value_string, set_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (scope_class, scope_id, keyword_id)
		 DO UPDATE SET value_float = excluded.value_float,
		               value_string = excluded.value_string,
		               set_time = excluded.set_time`),
		scopeClass, scopeID, kwID, vf, vs, now())
	return wrap("set metadata", err)
}

// SetMetadataMap upserts a whole keyword/value map in one transaction.
func (s *Store) SetMetadataMap(ctx context.Context, scopeClass string, scopeID int64, items map[string]models.Value) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetMetadataMapTx(ctx, tx, scopeClass, scopeID, items)
	})
}

// SetMetadataMapTx is SetMetadataMap inside an existing transaction scope.
func (s *Store) SetMetadataMapTx(ctx context.Context, tx *sql.Tx, scopeClass string, scopeID int64, items map[string]models.Value) error {
	for keyword, value := range items {
		if err := s.SetMetadataTx(ctx, tx, scopeClass, scopeID, keyword, value); err != nil {
			return err
		}
	}
	return nil
}

// GetMetadata reads one metadata value; ok is false when the keyword is not
// set on the scope.
func (s *Store) GetMetadata(ctx context.Context, scopeClass string, scopeID int64, keyword string) (models.Value, bool, error) {
	var vf sql.NullFloat64
	var vs sql.NullString
	err := s.queryRow(ctx,
		`SELECT m.value_float, m.value_string
		 FROM metadata_items m
		 JOIN metadata_keywords k ON k.keyword_id = m.keyword_id
		 WHERE m.scope_class = ? AND m.scope_id = ? AND k.keyword = ?`,
		scopeClass, scopeID, keyword).Scan(&vf, &vs)
	if err == sql.ErrNoRows {
		return models.Value{}, false, nil
	}
	if err != nil {
		return models.Value{}, false, wrap("get metadata", err)
	}
	return pickValue(vf, vs), true, nil
}

// MetadataMap reads all metadata on a scope as a keyword/value map.
func (s *Store) MetadataMap(ctx context.Context, scopeClass string, scopeID int64) (map[string]models.Value, error) {
	rows, err := s.query(ctx,
		`SELECT k.keyword, m.value_float, m.value_string
		 FROM metadata_items m
		 JOIN metadata_keywords k ON k.keyword_id = m.keyword_id
		 WHERE m.scope_class = ? AND m.scope_id = ?`,
		scopeClass, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]models.Value)
	for rows.Next() {
		var keyword string
		var vf sql.NullFloat64
		var vs sql.NullString
		if err := rows.Scan(&keyword, &vf, &vs); err != nil {
			return nil, wrap("scan metadata", err)
		}
		out[keyword] = pickValue(vf, vs)
	}
	return out, wrap("metadata map", rows.Err())
}

// pickValue chooses the non-null column, preferring the numeric one.
func pickValue(vf sql.NullFloat64, vs sql.NullString) models.Value {
	if vf.Valid {
		return models.Num(vf.Float64)
	}
	if vs.Valid {
		return models.Str(vs.String)
	}
	return models.Str("")
}
