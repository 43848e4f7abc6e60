package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/docpipe/docpipe/internal/domain"
	"github.com/docpipe/docpipe/internal/errval"
)

// Client calls the structuring/OCR service. Service-side failures come back
// as *errval.ExtractError so the caller can honor the service's own verdict
// on whether a retry makes sense.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

type extractRequest struct {
	URL string `json:"url"`
}

type extractResponse struct {
	Pages []struct {
		Number int    `json:"number"`
		Text   string `json:"text"`
	} `json:"pages"`
}

func (c *Client) Extract(ctx context.Context, url string) (*domain.ExtractedDoc, error) {
	body, err := json.Marshal(extractRequest{URL: url})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &errval.ExtractError{
			Message: fmt.Sprintf("extraction service returned status %d", resp.StatusCode),
			// Server-side trouble is worth another attempt; a rejected
			// document is not.
			Retryable: resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var decoded extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &errval.ExtractError{
			Message:   fmt.Sprintf("extraction service returned an unparseable body: %v", err),
			Retryable: false,
		}
	}

	doc := &domain.ExtractedDoc{Pages: make([]domain.ExtractedPage, 0, len(decoded.Pages))}
	for _, page := range decoded.Pages {
		doc.Pages = append(doc.Pages, domain.ExtractedPage{
			Number: page.Number,
			Text:   page.Text,
		})
	}

	return doc, nil
}
