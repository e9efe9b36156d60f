// Package remote is the HTTP client for the backend that receives queued
// records and serves the product and customer catalogs.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/stockroom/backend/internal/errors"
	"github.com/kimhsiao/stockroom/backend/internal/models"
)

const (
	SalesPath       = "/api/sales"
	InventoryPath   = "/api/inventory/adjustments"
	ProductsPath    = "/api/products"
	CustomersPath   = "/api/customers"
	IdempotencyKey  = "Idempotency-Key"
	maxErrorBodyLen = 512
)

// TokenSource supplies the bearer token. An empty token sends no Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(ctx context.Context) (string, error) {
	return string(t), nil
}

// StatusError is returned for HTTP responses the client does not accept.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the remote backend.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
	agent   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token source.
func WithToken(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

// WithTimeout sets the overall request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(agent string) Option {
	return func(c *Client) { c.agent = agent }
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		agent:   "stockroom-backend",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit posts one queued record. The record id travels as the idempotency
// key, so 409 Conflict means the remote already has it and counts as success.
func (c *Client) Submit(ctx context.Context, coll models.Collection, rec *models.Record) error {
	var path string
	switch coll {
	case models.CollectionSales:
		path = SalesPath
	case models.CollectionInventory:
		path = InventoryPath
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "collection %s is not submitted to the remote", coll)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(rec.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKey, rec.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return statusError(resp)
}

// FetchProducts returns the product catalog.
func (c *Client) FetchProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := c.getJSON(ctx, ProductsPath, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// FetchCustomers returns the customer list.
func (c *Client) FetchCustomers(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	if err := c.getJSON(ctx, CustomersPath, &customers); err != nil {
		return nil, err
	}
	return customers, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)

	if c.token != nil {
		token, err := c.token.Token(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	return &StatusError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
