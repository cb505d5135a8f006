// Package registry manages file products and their on-disk versions.
// Products are named (directory, filename) identities; every concrete file
// is a version placed at {root}/{directory}/{repository_id}, where the
// repository id is a time-prefixed, content-addressed token unique across
// the whole store.
package registry

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/store"
)

// repository ids: YYYYMMDD_HHMMSS_<hex>[.suffix], at most 32 characters.
const repositoryIDMaxLen = 32

var (
	repositoryIDPattern = regexp.MustCompile(`^[0-9]{8}_[0-9]{6}_[0-9a-f]+(\.[A-Za-z0-9]+)?$`)
	suffixPattern       = regexp.MustCompile(`^\.[A-Za-z0-9]+$`)
)

// Registry is the file-product registry over a store and a repository root.
type Registry struct {
	store *store.Store
	root  string
	log   zerolog.Logger
}

// New builds a registry rooted at root.
func New(st *store.Store, root string) *Registry {
	return &Registry{store: st, root: root, log: logging.Component("registry")}
}

// Root returns the repository root directory.
func (r *Registry) Root() string {
	return r.root
}

// PathFor returns the on-disk location of a version.
func (r *Registry) PathFor(p *models.FileProduct, v *models.FileProductVersion) string {
	return filepath.Join(r.root, p.Directory, v.RepositoryID)
}

// RegisterProduct inserts a product identity. The (directory, filename)
// pair must be unused.
func (r *Registry) RegisterProduct(ctx context.Context, generatorTask int64, directory, filename, semanticType, mimeType string) (int64, error) {
	return r.store.CreateProduct(ctx, &models.FileProduct{
		GeneratorTask: generatorTask,
		Directory:     directory,
		Filename:      filename,
		SemanticType:  semanticType,
		MimeType:      mimeType,
	})
}

// RegisterVersion records a file a completing handler produced, then moves
// (or, with preserve, copies) it from srcPath into the repository. The
// version row is committed even if the file placement fails: re-runs
// produce fresh versions, and the failure is logged for diagnostics.
func (r *Registry) RegisterVersion(ctx context.Context, productID, attemptID int64, srcPath string, preserve bool) (*models.FileProductVersion, error) {
	product, err := r.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	sum, size, err := fileMD5(srcPath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", srcPath, err)
	}

	v := &models.FileProductVersion{
		ProductID:                productID,
		GeneratedByTaskExecution: attemptID,
	}

	// Collisions are vanishingly rare (time prefix + content hash), but a
	// retry with a fresh keystring costs nothing.
	for tries := 0; ; tries++ {
		v.RepositoryID = newRepositoryID(product.Filename)
		v.FileMD5 = sum
		v.FileSize = size
		if _, err = r.store.CreateVersion(ctx, v); err == nil {
			break
		}
		if tries >= 2 {
			return nil, fmt.Errorf("register version for product %d: %w", productID, err)
		}
	}

	dst := r.PathFor(product, v)
	if err := placeFile(srcPath, dst, preserve); err != nil {
		r.log.Error().Err(err).Str("src", srcPath).Str("dst", dst).
			Int64("version_id", v.ID).Msg("failed to place version file in repository")
	}
	return v, nil
}

// UpdateVersion swaps the on-disk bytes of a version for the file at
// srcPath, recomputes checksum and size, and optionally records a QC
// verdict.
func (r *Registry) UpdateVersion(ctx context.Context, versionID int64, srcPath string, preserve bool, passedQC *bool) error {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	product, err := r.store.GetProduct(ctx, v.ProductID)
	if err != nil {
		return err
	}

	sum, size, err := fileMD5(srcPath)
	if err != nil {
		return fmt.Errorf("fingerprint %s: %w", srcPath, err)
	}
	if err := placeFile(srcPath, r.PathFor(product, v), preserve); err != nil {
		return fmt.Errorf("replace version %d: %w", versionID, err)
	}
	if err := r.store.UpdateVersionFile(ctx, versionID, sum, size); err != nil {
		return err
	}
	if passedQC != nil {
		return r.store.SetVersionQC(ctx, versionID, *passedQC)
	}
	return nil
}

// ResolveVersion picks a version of a product. With attemptID set, the
// version generated by that attempt; otherwise the last one in insertion
// order. With mustHavePassedQC, only versions with an affirmative verdict
// qualify.
func (r *Registry) ResolveVersion(ctx context.Context, productID int64, attemptID *int64, mustHavePassedQC bool) (*models.FileProductVersion, error) {
	versions, err := r.store.VersionsForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	var match *models.FileProductVersion
	for _, v := range versions {
		if attemptID != nil && v.GeneratedByTaskExecution != *attemptID {
			continue
		}
		if mustHavePassedQC && !v.QCPassed() {
			continue
		}
		match = v // keep the latest in insertion order
	}
	if match == nil {
		return nil, fmt.Errorf("product %d has no matching version", productID)
	}
	return match, nil
}

// DeleteVersion removes a version's file and row.
func (r *Registry) DeleteVersion(ctx context.Context, versionID int64) error {
	v, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	product, err := r.store.GetProduct(ctx, v.ProductID)
	if err != nil {
		return err
	}
	if err := os.Remove(r.PathFor(product, v)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove version file: %w", err)
	}
	return r.store.DeleteVersion(ctx, versionID)
}

// DeleteProduct removes a product, cascading to its versions' files and
// rows.
func (r *Registry) DeleteProduct(ctx context.Context, productID int64) error {
	product, err := r.store.GetProduct(ctx, productID)
	if err != nil {
		return err
	}
	versions, err := r.store.VersionsForProduct(ctx, productID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := os.Remove(r.PathFor(product, v)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove version file: %w", err)
		}
	}
	return r.store.DeleteProduct(ctx, productID)
}

// newRepositoryID synthesises a repository id for a file: timestamp prefix,
// MD5 of a fresh keystring, the original filename's extension preserved,
// truncated to the 32-character cap.
func newRepositoryID(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 8 || !suffixPattern.MatchString(ext) {
		ext = ""
	}
	keystring := filename + "/" + uuid.NewString()
	digest := fmt.Sprintf("%x", md5.Sum([]byte(keystring)))
	id := time.Now().UTC().Format("20060102_150405") + "_" + digest
	if len(id)+len(ext) > repositoryIDMaxLen {
		id = id[:repositoryIDMaxLen-len(ext)]
	}
	return id + ext
}

// ValidRepositoryID reports whether a token has the repository id shape.
func ValidRepositoryID(id string) bool {
	return len(id) <= repositoryIDMaxLen && repositoryIDPattern.MatchString(id)
}

// fileMD5 returns the hex MD5 and size of a file.
func fileMD5(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), size, nil
}

// placeFile moves (or copies, with preserve) src to dst, creating the
// destination directory. Rename is attempted first; a cross-device rename
// falls back to copy-then-remove.
func placeFile(src, dst string, preserve bool) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create repository directory: %w", err)
	}
	if preserve {
		return copyFile(src, dst)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; scratch and repository often live on
	// different mounts, so fall back to copy-then-remove.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
