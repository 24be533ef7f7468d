// Package httpgw is the REST client for the remote transaction API.
package httpgw

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

	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
)

// OwnerHeader carries the acting user on every request.
const OwnerHeader = "X-Owner-ID"

// Client talks to the reference server in cmd/api (or any server speaking the
// same JSON contract).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("NewClient: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type listResponse struct {
	Transactions []domain.TransactionRecord `json:"transactions"`
	Count        int                        `json:"count"`
}

type categoriesResponse struct {
	Categories []domain.Category `json:"categories"`
	Count      int               `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ListForMonth implements gateway.Gateway.
func (c *Client) ListForMonth(ctx context.Context, ownerID string, key domain.MonthKey) ([]domain.TransactionRecord, error) {
	q := url.Values{}
	q.Set("year", strconv.Itoa(key.Year))
	q.Set("month", strconv.Itoa(int(key.Month)))

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/transactions?"+q.Encode(), ownerID, nil, &resp); err != nil {
		return nil, fmt.Errorf("ListForMonth %s: %w", key, err)
	}
	if resp.Transactions == nil {
		resp.Transactions = []domain.TransactionRecord{}
	}
	return resp.Transactions, nil
}

// Create implements gateway.Gateway.
func (c *Client) Create(ctx context.Context, ownerID string, payload domain.Payload) (domain.TransactionRecord, error) {
	var record domain.TransactionRecord
	if err := c.do(ctx, http.MethodPost, "/api/transactions", ownerID, payload, &record); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("Create: %w", err)
	}
	return record, nil
}

// Update implements gateway.Gateway.
func (c *Client) Update(ctx context.Context, ownerID, id string, payload domain.Payload) (domain.TransactionRecord, error) {
	var record domain.TransactionRecord
	if err := c.do(ctx, http.MethodPut, "/api/transactions/"+url.PathEscape(id), ownerID, payload, &record); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("Update %s: %w", id, err)
	}
	return record, nil
}

// Delete implements gateway.Gateway.
func (c *Client) Delete(ctx context.Context, ownerID, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/transactions/"+url.PathEscape(id), ownerID, nil, nil); err != nil {
		return fmt.Errorf("Delete %s: %w", id, err)
	}
	return nil
}

// ListCategories implements gateway.Gateway.
func (c *Client) ListCategories(ctx context.Context, ownerID string) ([]domain.Category, error) {
	var resp categoriesResponse
	if err := c.do(ctx, http.MethodGet, "/api/categories", ownerID, nil, &resp); err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	return resp.Categories, nil
}

// Ping checks the server's health endpoint. It is the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, nil); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, ownerID string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ownerID != "" {
		req.Header.Set(OwnerHeader, ownerID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil {
		body.Error = strings.TrimSpace(string(data))
	}

	remote := &gateway.RemoteError{Status: resp.StatusCode, Message: body.Error}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		remote.Err = gateway.ErrUnauthorized
	case http.StatusNotFound:
		remote.Err = gateway.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		remote.Err = gateway.ErrInvalid
	}
	return remote
}

var _ gateway.Gateway = (*Client)(nil)
