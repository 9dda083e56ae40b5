// ABOUTME: Blob store collaborator contract and local-disk implementation
// ABOUTME: Uploads binary payloads and returns stable retrieval references

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrUploadFailed wraps any failure of the upload round trip. Callers
// match it with errors.Is to distinguish attachment failures from store
// failures.
var ErrUploadFailed = errors.New("upload failed")

// Uploader accepts a binary payload keyed by a caller-chosen path and
// returns a stable retrieval reference once the upload has completed.
type Uploader interface {
	Upload(ctx context.Context, path string, r io.Reader) (ref string, err error)
}

// DiskStore is an Uploader backed by a local directory. The returned
// reference is the caller's path, stable across restarts.
type DiskStore struct {
	root   string
	logger *slog.Logger
}

// NewDiskStore creates a disk-backed blob store rooted at dir, creating it
// if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &DiskStore{
		root:   dir,
		logger: slog.Default().With("component", "blob"),
	}, nil
}

// Upload writes the payload under the given path. The write goes to a
// temporary file first and is renamed into place, so a reference is never
// handed out for a partially written blob. Path traversal outside the root
// is rejected.
func (d *DiskStore) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: invalid path %q", ErrUploadFailed, path)
	}

	dest := filepath.Join(d.root, clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	ref := filepath.ToSlash(clean)
	d.logger.Debug("uploaded blob", "ref", ref)
	return ref, nil
}

// Open returns a reader for a previously uploaded blob.
// Used by the serving layer to hand attachments back to clients.
func (d *DiskStore) Open(ref string) (io.ReadCloser, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid ref %q", ref)
	}
	return os.Open(filepath.Join(d.root, clean))
}

var _ Uploader = (*DiskStore)(nil)
