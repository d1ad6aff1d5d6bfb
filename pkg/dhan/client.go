// Package dhan is a typed client for the Dhan HQ v2 REST API, covering the
// endpoints the options dashboard uses: market-feed LTP, fund limits, net
// positions and order placement. Authentication is the broker's static
// access-token plus client-id header pair.
package dhan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultBaseURL = "https://api.dhan.co/v2"

var routes = map[string]string{
	"marketfeed.ltp": "/marketfeed/ltp",
	"funds":          "/fundlimit",
	"positions":      "/positions",
	"orders.place":   "/orders",
	"orders.detail":  "/orders/",
}

// Config configures a Client.
type Config struct {
	ClientID    string
	AccessToken string

	BaseURL string        // default: https://api.dhan.co/v2
	Timeout time.Duration // default: 7s

	// Instrument, when set, is called after every API round trip. The
	// dashboard uses it to feed Prometheus without this package importing
	// the metrics registry.
	Instrument func(endpoint string, took time.Duration, err error)
}

// Client talks to the Dhan REST API. Safe for concurrent use.
type Client struct {
	// mu guards the credential pair, which the settings endpoint may swap
	// while requests are in flight.
	mu          sync.RWMutex
	clientID    string
	accessToken string

	baseURL    string
	httpClient *http.Client
	instrument func(string, time.Duration, error)

	// SessionExpiryHook is called when the broker answers 401, so the
	// dashboard can flag the stored token as dead.
	SessionExpiryHook func()
}

// New creates a client. An empty access token is allowed; calls will fail
// with the broker's auth error, which mock mode never reaches.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	return &Client{
		clientID:    cfg.ClientID,
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		instrument:  cfg.Instrument,
	}
}

// SetCredentials swaps the token pair, used when the operator saves new
// credentials without a restart.
func (c *Client) SetCredentials(clientID, accessToken string) {
	c.mu.Lock()
	c.clientID = clientID
	c.accessToken = accessToken
	c.mu.Unlock()
}

func (c *Client) credentials() (clientID, accessToken string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID, c.accessToken
}

func (c *Client) buildURL(route, suffix string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return c.baseURL + uri + suffix, nil
}

func (c *Client) doRequest(ctx context.Context, method, route, suffix string, payload, out any) error {
	fullURL, err := c.buildURL(route, suffix)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", route, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}
	clientID, accessToken := c.credentials()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("access-token", accessToken)
	req.Header.Set("client-id", clientID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.instrument != nil {
		defer func() { c.instrument(route, time.Since(start), err) }()
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", route, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized && c.SessionExpiryHook != nil {
			c.SessionExpiryHook()
		}
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		err = apiErr
		return err
	}

	if out != nil {
		if err = json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", route, err)
		}
	}
	return nil
}

// LTP fetches last traded prices for the requested instruments, keyed by
// exchange segment then security id. Request shape is segment -> security
// ids, e.g. {"IDX_I": [13]} for the NIFTY index.
func (c *Client) LTP(ctx context.Context, instruments map[string][]int) (map[string]map[string]LTPQuote, error) {
	var res ltpResponse
	if err := c.doRequest(ctx, http.MethodPost, "marketfeed.ltp", "", instruments, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// FundLimit fetches account margin and balance figures.
func (c *Client) FundLimit(ctx context.Context) (FundLimit, error) {
	var res FundLimit
	err := c.doRequest(ctx, http.MethodGet, "funds", "", nil, &res)
	return res, err
}

// Positions fetches the day's net positions across segments.
func (c *Client) Positions(ctx context.Context) ([]NetPosition, error) {
	var res []NetPosition
	err := c.doRequest(ctx, http.MethodGet, "positions", "", nil, &res)
	return res, err
}

// PlaceOrder submits a day-validity F&O order and returns the broker's
// acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (OrderResponse, error) {
	clientID, _ := c.credentials()
	payload := orderPayload{
		DhanClientID:    clientID,
		TransactionType: p.TransactionType,
		ExchangeSegment: SegmentFNO,
		ProductType:     p.ProductType,
		OrderType:       p.OrderType,
		Validity:        ValidityDay,
		SecurityID:      p.SecurityID,
		Quantity:        p.Quantity,
	}
	if p.OrderType == OrderTypeLimit {
		payload.Price = p.Price
	}
	var res OrderResponse
	err := c.doRequest(ctx, http.MethodPost, "orders.place", "", payload, &res)
	return res, err
}

// Order fetches the current state of one order, including the traded price
// once filled.
func (c *Client) Order(ctx context.Context, orderID string) (OrderDetail, error) {
	var res OrderDetail
	err := c.doRequest(ctx, http.MethodGet, "orders.detail", orderID, nil, &res)
	return res, err
}
