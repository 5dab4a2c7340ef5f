// Package backend holds the retrieval backends: HTTP clients for remote
// answer/search services and the in-process generative answerer.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AnalineS/roteirosdedispersacao/internal/domain"
)

const (
	chatEndpoint   = "/api/chat"
	searchEndpoint = "/api/search"

	PrimaryName   = "primary"
	SecondaryName = "secondary"

	maxErrorBody = 512
)

// Option configures an HTTP backend client.
type Option func(*httpBackend)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *httpBackend) { b.client = c }
}

type httpBackend struct {
	name    string
	baseURL string
	client  *http.Client
}

func newHTTPBackend(name, baseURL string, opts []Option) httpBackend {
	b := httpBackend{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		// the gateway bounds each call with its own deadline
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(&b)
	}
	return b
}

// post sends in as JSON and decodes the reply into out. Non-2xx replies are
// BackendStatusError, undecodable ones MalformedPayloadError. Transport
// errors are returned as is so callers can classify them.
func (b httpBackend) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", b.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", b.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &domain.BackendStatusError{Backend: b.name, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.MalformedPayloadError{Backend: b.name, Reason: err.Error()}
	}
	return nil
}

// ContextualClient is the primary backend reached over HTTP.
type ContextualClient struct {
	httpBackend
}

func NewContextualClient(baseURL string, opts ...Option) *ContextualClient {
	return &ContextualClient{httpBackend: newHTTPBackend(PrimaryName, baseURL, opts)}
}

func (c *ContextualClient) Answer(ctx context.Context, req domain.PrimaryRequest) (*domain.PrimaryResponse, error) {
	var out domain.PrimaryResponse
	if err := c.post(ctx, chatEndpoint, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchClient is the secondary backend reached over HTTP.
type SearchClient struct {
	httpBackend
}

func NewSearchClient(baseURL string, opts ...Option) *SearchClient {
	return &SearchClient{httpBackend: newHTTPBackend(SecondaryName, baseURL, opts)}
}

func (c *SearchClient) Search(ctx context.Context, req domain.SearchRequest) (*domain.SearchResponse, error) {
	var out domain.SearchResponse
	if err := c.post(ctx, searchEndpoint, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
