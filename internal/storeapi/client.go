// Package storeapi talks to the remote store server that resolves product
// lookups, accepts payments and streams transaction state changes.
package storeapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"

	"purchasekit/internal/models"
	"purchasekit/internal/purchase"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = time.Minute
)

// Logger provides minimal logging required by the client.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ReceiptWriter persists a refreshed receipt.
type ReceiptWriter interface {
	Save(ctx context.Context, data []byte) error
}

type Config struct {
	BaseURL    string
	IssuerID   string
	KeyID      string
	BundleID   string
	PrivateKey string

	// AllowUnsigned accepts feed entries without a signed payload.
	AllowUnsigned  bool
	RequestTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	HTTPClient     *http.Client
}

// Client implements purchase.Backend.
type Client struct {
	base     *url.URL
	issuerID string
	keyID    string
	bundleID string
	key      *ecdsa.PrivateKey

	allowUnsigned  bool
	requestTimeout time.Duration
	reconnectMin   time.Duration
	reconnectMax   time.Duration

	client   *http.Client
	receipts ReceiptWriter
	logger   Logger

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time

	jwksMu     sync.Mutex
	jwks       *jose.JSONWebKeySet
	jwksExpiry time.Time

	obsMu     sync.Mutex
	observers map[int]func([]models.Transaction)
	nextObsID int
}

var _ purchase.Backend = (*Client)(nil)

// APIError is returned for non-2xx responses.
type APIError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store api %s: %s (%s)", e.Op, e.Status, e.Body)
}

func NewClient(cfg Config, receipts ReceiptWriter, logger Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("storeapi: base_url is required")
	}
	if strings.TrimSpace(cfg.IssuerID) == "" || strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, errors.New("storeapi: issuer_id, key_id and private_key are required")
	}
	if receipts == nil {
		return nil, errors.New("storeapi: receipt writer is required")
	}
	if logger == nil {
		return nil, errors.New("storeapi: logger is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		base:           base,
		issuerID:       strings.TrimSpace(cfg.IssuerID),
		keyID:          strings.TrimSpace(cfg.KeyID),
		bundleID:       strings.TrimSpace(cfg.BundleID),
		key:            key,
		allowUnsigned:  cfg.AllowUnsigned,
		requestTimeout: cfg.RequestTimeout,
		reconnectMin:   cfg.ReconnectMin,
		reconnectMax:   cfg.ReconnectMax,
		client:         client,
		receipts:       receipts,
		logger:         logger,
		observers:      make(map[int]func([]models.Transaction)),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.reconnectMin <= 0 {
		c.reconnectMin = defaultReconnectMin
	}
	if c.reconnectMax < c.reconnectMin {
		c.reconnectMax = defaultReconnectMax
	}
	return c, nil
}

type asyncRequest struct {
	cancel context.CancelFunc
}

func (r *asyncRequest) Cancel() { r.cancel() }

// LookupProducts resolves product metadata in the background.
func (c *Client) LookupProducts(ids []string, done func(models.ProductsResponse, error)) purchase.Request {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	go func() {
		defer cancel()
		var resp models.ProductsResponse
		err := c.doJSON(ctx, "lookup products", http.MethodPost, "/v1/products/lookup", map[string]any{"identifiers": ids}, &resp)
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		done(resp, err)
	}()
	return &asyncRequest{cancel: cancel}
}

// RefreshReceipt downloads the current receipt into the receipt writer. A store
// without a receipt for this installation is not an error.
func (c *Client) RefreshReceipt(done func(error)) purchase.Request {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	go func() {
		defer cancel()
		err := c.refreshReceipt(ctx)
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		done(err)
	}()
	return &asyncRequest{cancel: cancel}
}

func (c *Client) refreshReceipt(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/receipt", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Infof("storeapi: no receipt available yet")
		return nil
	}
	if resp.StatusCode >= 400 {
		return apiError("refresh receipt", resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	return c.receipts.Save(ctx, data)
}

// SubmitPayment queues a payment for product. The outcome arrives on the feed.
func (c *Client) SubmitPayment(product models.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return errors.New("product id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	body := map[string]any{
		"productId": product.ID,
		"quantity":  1,
		"requestId": uuid.NewString(),
	}
	return c.doJSON(ctx, "submit payment", http.MethodPost, "/v1/payments", body, nil)
}

// FinishTransaction acknowledges txn so the store drops it from the queue.
func (c *Client) FinishTransaction(txn models.Transaction) error {
	if strings.TrimSpace(txn.ID) == "" {
		return errors.New("transaction id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	path := "/v1/transactions/" + url.PathEscape(txn.ID) + "/finish"
	return c.doJSON(ctx, "finish transaction", http.MethodPost, path, nil, nil)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, err
	}
	token, err := c.bearerToken()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("store api %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store api %s: decode: %w", op, err)
	}
	return nil
}

func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
