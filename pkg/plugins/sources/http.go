package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const (
	defaultHTTPTimeout = 10 * time.Second

	// maxResourceSize caps the size of a single fetched plugin file
	maxResourceSize = 64 << 20
)

var hrefRegex = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)

// NewHTTPClient returns an instrumented client for plugin transports
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPSource reads plugin files relative to an HTTP base URL
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTP transport; a nil client uses NewHTTPClient defaults
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &HTTPSource{client: client}
}

// ReadFile fetches <location>/<name>. A 404 maps to plugins.ErrNotFound.
func (s *HTTPSource) ReadFile(ctx context.Context, location, name string) ([]byte, error) {
	return get(ctx, s.client, Join(location, name), "")
}

// HTTPIndexEnumerator lists plugin names from a listing endpoint. The listing
// may be a JSON array of names, a JSON array of {"name": ...} objects, or an
// HTML directory index whose links name the plugin directories.
type HTTPIndexEnumerator struct {
	url    string
	client *http.Client
}

// NewHTTPIndexEnumerator creates an enumerator for the listing at url
func NewHTTPIndexEnumerator(url string, client *http.Client) *HTTPIndexEnumerator {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &HTTPIndexEnumerator{url: url, client: client}
}

// Enumerate fetches and parses the listing
func (e *HTTPIndexEnumerator) Enumerate(ctx context.Context) ([]string, error) {
	body, err := get(ctx, e.client, e.url, "application/json, text/html;q=0.9")
	if err != nil {
		return nil, err
	}
	return parseListing(body), nil
}

func parseListing(body []byte) []string {
	var raw []string

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			var entries []struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(trimmed, &entries); err == nil {
				for _, entry := range entries {
					raw = append(raw, entry.Name)
				}
			}
		}
	} else {
		for _, m := range hrefRegex.FindAllSubmatch(body, -1) {
			raw = append(raw, string(m[1]))
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, entry := range raw {
		name := strings.TrimSuffix(strings.TrimPrefix(entry, "./"), "/")
		if !isCandidate(name) || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func get(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", plugins.ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: HTTP %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if len(data) > maxResourceSize {
		return nil, fmt.Errorf("resource %s exceeds %d bytes", url, maxResourceSize)
	}
	return data, nil
}
