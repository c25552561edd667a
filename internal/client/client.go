// Package client is the HTTP counterpart of the in-process pipeline: it
// submits a turn to a running server and decodes the event stream back into
// typed events, so callers cannot tell a remote turn from a local one.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/recall/internal/stream"
	"github.com/user/recall/internal/types"
)

// Client talks to a recall server over HTTP.
type Client struct {
	baseURL string
	// httpClient carries no overall timeout; a streamed turn may run long
	// and is bounded by the request context.
	httpClient *http.Client
	// apiClient covers the short, non-streaming endpoints.
	apiClient *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		apiClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// StreamTurn submits a turn and returns its decoded event stream. If the
// connection drops before a terminal event arrives, a synthesized error
// event is delivered so the stream stays well formed for consumers.
func (c *Client) StreamTurn(ctx context.Context, req types.TurnRequest) (<-chan stream.Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ask", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("server error (status %d): %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	ch := make(chan stream.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		dec := stream.NewDecoder(resp.Body)
		for {
			ev, err := dec.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					return
				}
				deliver(ctx, ch, stream.Errorf("connection to server lost: %v", err))
				return
			}
			if !deliver(ctx, ch, ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}()
	return ch, nil
}

// SearchPosts queries the server's archive search endpoint.
func (c *Client) SearchPosts(ctx context.Context, query string, threshold float64, limit int) ([]types.EvidenceDocument, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("threshold", strconv.FormatFloat(threshold, 'g', -1, 64))
	params.Set("limit", strconv.Itoa(limit))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.apiClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server error (status %d): %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	var out struct {
		Results []types.EvidenceDocument `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return out.Results, nil
}

// Stats returns the server's archive statistics.
func (c *Client) Stats(ctx context.Context) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.apiClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("server error (status %d): %s", resp.StatusCode, readErrorBody(resp.Body))
	}
	var out struct {
		Documents int64 `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("parsing response: %w", err)
	}
	return out.Documents, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.apiClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy (status %d)", resp.StatusCode)
	}
	return nil
}

func deliver(ctx context.Context, ch chan<- stream.Event, ev stream.Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// readErrorBody extracts the error field of a JSON error response, falling
// back to the raw body.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no details"
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
