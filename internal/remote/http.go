package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/peatedapp/peated-core/internal/errors"
	"github.com/peatedapp/peated-core/internal/models"
)

// HTTPClient implements Fetcher and Mutator against a Peated-style REST
// API. Mobile hosts normally bridge their own network stack through the
// FFI layer instead; this implementation serves Go hosts, the desktop
// harness and tests.
type HTTPClient struct {
	base   string
	token  string
	client *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying http.Client, e.g. to tune
// timeouts or inject a test transport.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage implements Fetcher.
func (c *HTTPClient) FetchPage(ctx context.Context, partition, cursor string, limit int) (*Page, error) {
	endpoint := fmt.Sprintf("%s/feed/%s", c.base, url.PathEscape(partition))
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return DecodePage(body)
}

// FetchOne implements Fetcher.
func (c *HTTPClient) FetchOne(ctx context.Context, id string) (*Item, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/records/%s", c.base, url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	return DecodeItem(id, body)
}

// Send implements Mutator.
func (c *HTTPClient) Send(ctx context.Context, op *models.OfflineOperation) (*Ack, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"id":      op.ID,
		"type":    op.Type,
		"payload": op.Payload,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode operation", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/operations", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Ack{}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read acknowledgement", err)
	}
	return DecodeAck(body)
}

// get runs a GET and returns the body of a successful response.
func (c *HTTPClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "failed to read response", err)
	}
	return body, nil
}

// do sends the request and classifies failures. Transport errors and
// retryable statuses come back as network errors so queued operations
// retry; other non-2xx statuses are semantic rejections.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrNetwork, "request failed", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, classify(resp)
}

func classify(resp *http.Response) error {
	msg := serverMessage(resp)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return errors.New(errors.ErrNetwork, msg)
	default:
		return errors.New(errors.ErrSemantic, msg)
	}
}

// serverMessage extracts the API error message, falling back to the
// status line.
func serverMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var wire struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
			return wire.Error
		}
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
