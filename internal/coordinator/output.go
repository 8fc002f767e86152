package coordinator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// OutputStore persists rendered frames as frame_%04d.<ext>
type OutputStore struct {
	root   string
	perJob bool
}

// NewOutputStore creates a store under root; with perJob each job gets its
// own subdirectory
func NewOutputStore(root string, perJob bool) *OutputStore {
	if root == "" {
		root = "renders"
	}
	return &OutputStore{root: root, perJob: perJob}
}

// Dir returns the directory frames of jobID are written to
func (o *OutputStore) Dir(jobID string) string {
	if !o.perJob || jobID == "" {
		return o.root
	}
	return filepath.Join(o.root, filepath.Base(jobID))
}

// Path returns the file a frame is written to
func (o *OutputStore) Path(jobID string, frame int, ext string) string {
	return filepath.Join(o.Dir(jobID), fmt.Sprintf("frame_%04d.%s", frame, cleanExt(ext)))
}

// Write stores data atomically and durably and returns the final path. An existing file
// for the same frame is replaced.
func (o *OutputStore) Write(jobID string, frame int, ext string, data []byte) (string, error) {
	dir := o.Dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	path := o.Path(jobID, frame, ext)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to store frame: %w", err)
	}
	return path, nil
}

// cleanExt keeps the extension a plain file suffix
func cleanExt(ext string) string {
	ext = strings.TrimLeft(filepath.Base(strings.ToLower(ext)), ".")
	if ext == "" || ext == "/" {
		return "png"
	}
	return ext
}
