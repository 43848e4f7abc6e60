package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Client reads uploaded documents from an HTTP-fronted object store. The
// handler wraps every call in its own timeout, so the embedded client carries
// none of its own.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 0},
	}
}

func (c *Client) PublicURL(key string) string {
	return c.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.PublicURL(key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object store returned status %d for %s", resp.StatusCode, key)
	}

	return io.ReadAll(resp.Body)
}
