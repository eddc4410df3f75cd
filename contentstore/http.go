package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxBlobSize        = 10 * 1024 * 1024
)

// HTTPClient talks to a content-addressed store gateway over HTTP:
// POST / stores a blob and returns its ref in the response body,
// GET /{ref} retrieves it.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Put uploads data to the gateway and returns the ref it reports.
func (c *HTTPClient) Put(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build store upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload content: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}

	ref := strings.TrimSpace(string(body))
	if ref == "" {
		return "", fmt.Errorf("upload content: empty ref in response")
	}

	return ref, nil
}

// Get downloads the blob for a content address. A 404 maps to ErrNotFound;
// other failures are transient and left to the Adapter's retry budget.
func (c *HTTPClient) Get(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build store fetch request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch content %q: %w", ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch content %q: unexpected status %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("read content %q: %w", ref, err)
	}
	if len(data) > maxBlobSize {
		return nil, fmt.Errorf("fetch content %q: blob exceeds %d bytes", ref, maxBlobSize)
	}

	return data, nil
}
