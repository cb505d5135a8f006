package models

import "time"

// FileProduct is the abstract identity of an output file. Consumers refer to
// a product by its semantic type, not by filename; the concrete bytes live
// in FileProductVersion rows.
type FileProduct struct {
	ID            int64
	GeneratorTask int64
	Directory     string
	Filename      string
	SemanticType  string // interned role name, e.g. "lightcurve"
	MimeType      string
	PlannedTime   time.Time
}

// FileProductVersion is one concrete on-disk realisation of a FileProduct.
// The file lives at {repository_root}/{product.directory}/{repository_id}.
type FileProductVersion struct {
	ID                       int64
	ProductID                int64
	GeneratedByTaskExecution int64
	RepositoryID             string // content-addressed, time-prefixed token
	CreatedTime              time.Time
	ModifiedTime             time.Time
	FileMD5                  string
	FileSize                 int64
	PassedQC                 *bool // nil = QC verdict not yet recorded
}

// QCPassed reports whether the version has an affirmative QC verdict.
func (v *FileProductVersion) QCPassed() bool {
	return v.PassedQC != nil && *v.PassedQC
}
