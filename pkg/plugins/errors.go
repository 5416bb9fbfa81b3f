package plugins

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestUnavailable is returned when a manifest cannot be retrieved or parsed
	ErrManifestUnavailable = errors.New("manifest unavailable")

	// ErrInvalidManifest is returned when a manifest parses but fails validation
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrModuleLoadFailure is returned when the module code cannot be fetched or executed
	ErrModuleLoadFailure = errors.New("module load failure")

	// ErrRegistrationTimeout is returned when a module executed but never registered itself
	ErrRegistrationTimeout = errors.New("plugin did not register itself after loading")

	// ErrDiscoveryEnumeration is returned when the candidate listing fails or times out
	ErrDiscoveryEnumeration = errors.New("discovery enumeration failure")

	// ErrNotFound is returned by transports when a resource does not exist at a location
	ErrNotFound = errors.New("resource not found")

	// ErrTimeout is returned when a bounded operation exceeds its ceiling
	ErrTimeout = errors.New("operation timed out")
)

// registrationTimeoutMessage is the error recorded on a plugin that never registered
const registrationTimeoutMessage = "Plugin did not register itself after loading"

// LoadError describes a failed load attempt for a location
type LoadError struct {
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin from %s: %v", e.Location, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
