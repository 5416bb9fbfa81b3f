package sources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

// FileSource reads plugin files from the local filesystem
type FileSource struct{}

// NewFileSource creates a filesystem transport
func NewFileSource() *FileSource {
	return &FileSource{}
}

// ReadFile reads name inside the plugin directory at location
func (s *FileSource) ReadFile(ctx context.Context, location, name string) ([]byte, error) {
	path := filepath.Join(LocalPath(location), name)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", plugins.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// DirEnumerator lists plugin directories under a local root
type DirEnumerator struct {
	root string
}

// NewDirEnumerator creates an enumerator over the subdirectories of root
func NewDirEnumerator(root string) *DirEnumerator {
	return &DirEnumerator{root: LocalPath(root)}
}

// Enumerate returns the names of non-hidden subdirectories, sorted
func (e *DirEnumerator) Enumerate(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", e.root, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || !isCandidate(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	return names, nil
}
