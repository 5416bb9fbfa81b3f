package loaders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
	"github.com/platinummonkey/extensionhost/pkg/plugins/sources"
)

// resolveModule returns a local path for the module file name at location.
// Remote modules are downloaded into cacheDir first; the returned error wraps
// plugins.ErrNotFound when the location has no such file.
func resolveModule(ctx context.Context, transport plugins.Transport, cacheDir, location, name string) (string, error) {
	if sources.Scheme(location) == sources.SchemeFile {
		path := filepath.Join(sources.LocalPath(location), name)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", plugins.ErrNotFound, path)
			}
			return "", fmt.Errorf("failed to stat module: %w", err)
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("module %s is not a regular file", path)
		}
		return path, nil
	}

	if transport == nil {
		return "", fmt.Errorf("no transport configured for remote module %s", location)
	}

	data, err := transport.ReadFile(ctx, location, name)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(location))
	dir := filepath.Join(cacheDir, hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to save module: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to save module: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0755); err != nil {
		return "", fmt.Errorf("failed to make module executable: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to install module: %w", err)
	}
	return path, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "extensionhost", "modules")
	}
	return filepath.Join(os.TempDir(), "extensionhost", "modules")
}
