package remote

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DiskStorage is an ObjectStorage writing under a root directory and serving the
// objects from baseURL.
type DiskStorage struct {
	root    string
	baseURL string
}

// NewDiskStorage creates a disk-backed object storage.
func NewDiskStorage(root, baseURL string) *DiskStorage {
	return &DiskStorage{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload writes content to objectPath and returns its download URL. The object becomes
// visible only once fully written.
func (s *DiskStorage) Upload(ctx context.Context, objectPath string, content io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean := path.Clean("/" + strings.TrimSpace(objectPath))
	if clean == "/" {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	dest := filepath.Join(s.root, filepath.FromSlash(clean))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("publish object: %w", err)
	}

	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/"), nil
}
