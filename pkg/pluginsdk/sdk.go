// Package pluginsdk is the client side of process-based plugins.
//
// A plugin executable started by the host finds the registration endpoint in
// its environment and announces its manifest with Register:
//
//	func main() {
//		manifest, _ := plugins.LoadManifest("config.json")
//		if err := pluginsdk.Register(context.Background(), manifest); err != nil {
//			log.Fatal(err)
//		}
//		// serve until terminated
//	}
package pluginsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const (
	// EnvRegisterURL names the variable holding the host's registration endpoint
	EnvRegisterURL = "EXTHOST_REGISTER_URL"
	// EnvPluginLocation names the variable holding the location the plugin was loaded from
	EnvPluginLocation = "EXTHOST_PLUGIN_LOCATION"

	// RegisterPath is the registration endpoint relative to the host's public URL
	RegisterPath = "/api/v1/plugins/register"
)

// ErrNotHosted is returned when the process was not started by a host
var ErrNotHosted = fmt.Errorf("%s is not set", EnvRegisterURL)

// Client registers manifests with a host
type Client struct {
	URL        string
	HTTPClient *http.Client
	Attempts   int
	Backoff    time.Duration
}

// NewClient creates a client for the registration endpoint url
func NewClient(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Attempts: 3,
		Backoff:  200 * time.Millisecond,
	}
}

// FromEnv creates a client from EXTHOST_REGISTER_URL
func FromEnv() (*Client, error) {
	url := os.Getenv(EnvRegisterURL)
	if url == "" {
		return nil, ErrNotHosted
	}
	return NewClient(url), nil
}

// Location returns the location the host loaded this plugin from
func Location() string {
	return os.Getenv(EnvPluginLocation)
}

// Register announces manifest to the host named in the environment
func Register(ctx context.Context, manifest *plugins.Manifest) error {
	client, err := FromEnv()
	if err != nil {
		return err
	}
	return client.Register(ctx, manifest)
}

// Register posts manifest to the host, retrying transport failures and 5xx responses
func (c *Client) Register(ctx context.Context, manifest *plugins.Manifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest is required")
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Backoff * time.Duration(attempt)):
			}
		}

		retry, err := c.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}

	return lastErr
}

func (c *Client) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if loc := Location(); loc != "" {
		req.Header.Set("X-Plugin-Location", loc)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to register: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 500, fmt.Errorf("registration rejected: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
