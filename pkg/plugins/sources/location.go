// Package sources provides plugin location transports and candidate enumerators.
package sources

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Location schemes understood by the host
const (
	SchemeFile    = "file"
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
	SchemeS3      = "s3"
	SchemeBuiltin = "builtin"
)

// Scheme returns the scheme of a location; plain paths are file locations
func Scheme(location string) string {
	if i := strings.Index(location, "://"); i > 0 {
		return strings.ToLower(location[:i])
	}
	return SchemeFile
}

// Join appends name to location using the separator of the location's scheme
func Join(location, name string) string {
	if Scheme(location) == SchemeFile {
		if strings.HasPrefix(location, "file://") {
			return "file://" + filepath.Join(LocalPath(location), name)
		}
		return filepath.Join(location, name)
	}
	return strings.TrimRight(location, "/") + "/" + strings.TrimLeft(name, "/")
}

// LocalPath returns the filesystem path of a file location
func LocalPath(location string) string {
	return strings.TrimPrefix(location, "file://")
}

// ParseS3 splits an s3://bucket/key location
func ParseS3(location string) (bucket, key string, err error) {
	if Scheme(location) != SchemeS3 {
		return "", "", fmt.Errorf("not an s3 location: %s", location)
	}

	rest := strings.TrimPrefix(location[len("s3://"):], "/")
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 location without bucket: %s", location)
	}
	return bucket, strings.Trim(key, "/"), nil
}

// isCandidate reports whether a listed entry can name a plugin location
func isCandidate(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, "/\\?#:")
}
