package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calder/transitpipe/internal/models"
)

const productColumns = `p.product_id, p.generator_task, p.directory, p.filename,
	st.name, p.mime_type, p.planned_time`

const productJoin = `FROM file_products p
	JOIN semantic_types st ON st.semantic_type_id = p.semantic_type_id`

func scanProduct(row interface{ Scan(...interface{}) error }) (*models.FileProduct, error) {
	var p models.FileProduct
	err := row.Scan(&p.ID, &p.GeneratorTask, &p.Directory, &p.Filename,
		&p.SemanticType, &p.MimeType, &p.PlannedTime)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// internSemanticTypeTx maps a semantic type name to its id, inserting on
// first sighting.
func (s *Store) internSemanticTypeTx(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		s.rebind(`SELECT semantic_type_id FROM semantic_types WHERE name = ?`), name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrap("lookup semantic type", err)
	}
	return s.insertReturningID(ctx, tx,
		`INSERT INTO semantic_types (name) VALUES (?)`, "semantic_type_id", name)
}

// CreateProductTx inserts a file product. (directory, filename) is unique;
// a collision surfaces as a store error the expansion layer turns into an
// output-collision failure.
func (s *Store) CreateProductTx(ctx context.Context, tx *sql.Tx, p *models.FileProduct) (int64, error) {
	stID, err := s.internSemanticTypeTx(ctx, tx, p.SemanticType)
	if err != nil {
		return 0, err
	}
	if p.PlannedTime.IsZero() {
		p.PlannedTime = now()
	}
	id, err := s.insertReturningID(ctx, tx,
		`INSERT INTO file_products (generator_task, directory, filename,
			semantic_type_id, mime_type, planned_time)
		 VALUES (?, ?, ?, ?, ?, ?)`, "product_id",
		p.GeneratorTask, p.Directory, p.Filename, stID, p.MimeType, p.PlannedTime)
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

// CreateProduct is CreateProductTx in its own transaction scope.
func (s *Store) CreateProduct(ctx context.Context, p *models.FileProduct) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.CreateProductTx(ctx, tx, p)
		return err
	})
	return id, err
}

// GetProduct fetches one product by id.
func (s *Store) GetProduct(ctx context.Context, productID int64) (*models.FileProduct, error) {
	p, err := scanProduct(s.queryRow(ctx,
		`SELECT `+productColumns+` `+productJoin+` WHERE p.product_id = ?`, productID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d not found", productID)
	}
	if err != nil {
		return nil, wrap("get product", err)
	}
	return p, nil
}

// LookupProduct resolves a product by its unique (directory, filename)
// pair; ok is false when no such product exists.
func (s *Store) LookupProduct(ctx context.Context, directory, filename string) (*models.FileProduct, bool, error) {
	p, err := scanProduct(s.queryRow(ctx,
		`SELECT `+productColumns+` `+productJoin+` WHERE p.directory = ? AND p.filename = ?`,
		directory, filename))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrap("lookup product", err)
	}
	return p, true, nil
}

// ProductsForTask returns the products a task generates, in id order.
func (s *Store) ProductsForTask(ctx context.Context, taskID int64) ([]*models.FileProduct, error) {
	rows, err := s.query(ctx,
		`SELECT `+productColumns+` `+productJoin+` WHERE p.generator_task = ? ORDER BY p.product_id`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var products []*models.FileProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, wrap("scan product", err)
		}
		products = append(products, p)
	}
	return products, wrap("products for task", rows.Err())
}

// DeleteProduct removes a product row and cascades to its versions. File
// removal is the registry's job and happens before this call.
func (s *Store) DeleteProduct(ctx context.Context, productID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM file_product_versions WHERE product_id = ?`), productID); err != nil {
			return fmt.Errorf("delete versions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM task_file_inputs WHERE input_product_id = ?`), productID); err != nil {
			return fmt.Errorf("delete file inputs: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			s.rebind(`DELETE FROM file_products WHERE product_id = ?`), productID)
		return err
	})
}

const versionColumns = `product_version_id, product_id, generated_by_task_execution,
	repository_id, created_time, modified_time, file_md5, file_size, passed_qc`

func scanVersion(row interface{ Scan(...interface{}) error }) (*models.FileProductVersion, error) {
	var v models.FileProductVersion
	var passed sql.NullBool
	err := row.Scan(&v.ID, &v.ProductID, &v.GeneratedByTaskExecution,
		&v.RepositoryID, &v.CreatedTime, &v.ModifiedTime, &v.FileMD5, &v.FileSize, &passed)
	if err != nil {
		return nil, err
	}
	if passed.Valid {
		v.PassedQC = &passed.Bool
	}
	return &v, nil
}

// CreateVersion inserts a version row.
func (s *Store) CreateVersion(ctx context.Context, v *models.FileProductVersion) (int64, error) {
	if v.CreatedTime.IsZero() {
		v.CreatedTime = now()
	}
	if v.ModifiedTime.IsZero() {
		v.ModifiedTime = v.CreatedTime
	}
	id, err := s.insertReturningID(ctx, nil,
		`INSERT INTO file_product_versions (product_id, generated_by_task_execution,
			repository_id, created_time, modified_time, file_md5, file_size, passed_qc)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, "product_version_id",
		v.ProductID, v.GeneratedByTaskExecution, v.RepositoryID,
		v.CreatedTime, v.ModifiedTime, v.FileMD5, v.FileSize, nullableBool(v.PassedQC))
	if err != nil {
		return 0, err
	}
	v.ID = id
	return id, nil
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	return *b
}

// GetVersion fetches one version by id.
func (s *Store) GetVersion(ctx context.Context, versionID int64) (*models.FileProductVersion, error) {
	v, err := scanVersion(s.queryRow(ctx,
		`SELECT `+versionColumns+` FROM file_product_versions WHERE product_version_id = ?`,
		versionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("version %d not found", versionID)
	}
	if err != nil {
		return nil, wrap("get version", err)
	}
	return v, nil
}

// VersionsForProduct returns a product's versions in insertion order.
func (s *Store) VersionsForProduct(ctx context.Context, productID int64) ([]*models.FileProductVersion, error) {
	return s.listVersions(ctx,
		`SELECT `+versionColumns+` FROM file_product_versions
		 WHERE product_id = ? ORDER BY product_version_id`, productID)
}

// VersionsForAttempt returns the versions generated by an attempt.
func (s *Store) VersionsForAttempt(ctx context.Context, attemptID int64) ([]*models.FileProductVersion, error) {
	return s.listVersions(ctx,
		`SELECT `+versionColumns+` FROM file_product_versions
		 WHERE generated_by_task_execution = ? ORDER BY product_version_id`, attemptID)
}

func (s *Store) listVersions(ctx context.Context, query string, args ...interface{}) ([]*models.FileProductVersion, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var versions []*models.FileProductVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, wrap("scan version", err)
		}
		versions = append(versions, v)
	}
	return versions, wrap("list versions", rows.Err())
}

// HasPassingVersion reports whether a product has at least one version with
// an affirmative QC verdict, making it available to consumers.
func (s *Store) HasPassingVersion(ctx context.Context, productID int64) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM file_product_versions
		 WHERE product_id = ? AND passed_qc = ?`, productID, true).Scan(&n)
	if err != nil {
		return false, wrap("has passing version", err)
	}
	return n > 0, nil
}

// UpdateVersionFile records new bytes for a version after an in-place swap.
func (s *Store) UpdateVersionFile(ctx context.Context, versionID int64, md5 string, size int64) error {
	_, err := s.exec(ctx,
		`UPDATE file_product_versions SET file_md5 = ?, file_size = ?, modified_time = ?
		 WHERE product_version_id = ?`, md5, size, now(), versionID)
	return err
}

// SetVersionQC records a QC verdict on a version.
func (s *Store) SetVersionQC(ctx context.Context, versionID int64, passed bool) error {
	_, err := s.exec(ctx,
		`UPDATE file_product_versions SET passed_qc = ? WHERE product_version_id = ?`,
		passed, versionID)
	return err
}

// DeleteVersion removes a version row.
func (s *Store) DeleteVersion(ctx context.Context, versionID int64) error {
	_, err := s.exec(ctx,
		`DELETE FROM file_product_versions WHERE product_version_id = ?`, versionID)
	return err
}
