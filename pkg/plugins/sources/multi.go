package sources

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

// Multi dispatches to a transport by location scheme
type Multi struct {
	mu         sync.RWMutex
	transports map[string]plugins.Transport
}

// NewMulti creates a dispatcher serving file and http(s) locations.
// A nil client uses NewHTTPClient defaults.
func NewMulti(client *http.Client) *Multi {
	httpSource := NewHTTPSource(client)
	return &Multi{
		transports: map[string]plugins.Transport{
			SchemeFile:  NewFileSource(),
			SchemeHTTP:  httpSource,
			SchemeHTTPS: httpSource,
		},
	}
}

// Handle routes locations with scheme to transport
func (m *Multi) Handle(scheme string, transport plugins.Transport) *Multi {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[scheme] = transport
	return m
}

// ReadFile reads name at location through the transport for its scheme
func (m *Multi) ReadFile(ctx context.Context, location, name string) ([]byte, error) {
	scheme := Scheme(location)

	m.mu.RLock()
	transport, ok := m.transports[scheme]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no transport for %q locations: %s", scheme, location)
	}
	return transport.ReadFile(ctx, location, name)
}

// NewEnumerator picks the enumerator for a plugin root by its scheme.
// s3Client may be nil when no s3 root is used.
func NewEnumerator(root string, client *http.Client, s3Client S3API) (plugins.Enumerator, error) {
	switch Scheme(root) {
	case SchemeFile:
		return NewDirEnumerator(root), nil
	case SchemeHTTP, SchemeHTTPS:
		return NewHTTPIndexEnumerator(root, client), nil
	case SchemeS3:
		if s3Client == nil {
			return nil, fmt.Errorf("s3 plugin root %s requires an s3 client", root)
		}
		return NewS3Enumerator(s3Client, root), nil
	default:
		return nil, fmt.Errorf("unsupported plugin root: %s", root)
	}
}
