// Package tastytrade is the REST gateway to the brokerage. It owns session
// tokens, request plumbing, and the mapping between venue JSON and the broker
// types the engine consumes; ordering semantics stay in internal/execution.
package tastytrade

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ordex/internal/config"
	"ordex/internal/gateway/broker"
	"ordex/internal/logger"
	"ordex/internal/pkg/circuit"
	"ordex/internal/types"
)

const sessionEndpoint = "/sessions"

// Client 通过会话令牌访问券商 REST API。读调用走熔断器，
// 订单生命周期调用不走：熔断打开时也必须能撤掉挂着的单。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	account    string
	username   string
	password   string

	sessionMu    sync.Mutex
	sessionToken string

	breaker *circuit.Breaker
}

func NewClient(cfg config.BrokerConfig) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("broker base_url cannot be empty")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing broker base_url failed: %w", err)
	}
	account := strings.TrimSpace(cfg.AccountID)
	if account == "" {
		return nil, fmt.Errorf("broker account_id cannot be empty")
	}
	if strings.TrimSpace(cfg.SessionToken) == "" && strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("broker needs a session_token or username/password")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.InsecureSkipVerify {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{} // #nosec G402
		}
		transport.TLSClientConfig.InsecureSkipVerify = true // #nosec G402
		httpClient.Transport = transport
	}

	return &Client{
		baseURL:      parsed,
		httpClient:   httpClient,
		account:      account,
		username:     strings.TrimSpace(cfg.Username),
		password:     cfg.Password,
		sessionToken: strings.TrimSpace(cfg.SessionToken),
		breaker:      circuit.NewBreaker("tastytrade", 5, 30*time.Second),
	}, nil
}

// SetHTTPClient 供测试替换底层 HTTP 客户端。
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

func (c *Client) Name() string {
	return "tastytrade"
}

// apiError carries the venue's structured rejection so order calls can
// surface it as response data instead of a transport failure.
type apiError struct {
	status int
	errors []broker.APIError
}

func (e *apiError) Error() string {
	return fmt.Sprintf("brokerage returned HTTP %d: %s", e.status, broker.JoinErrors(e.errors))
}

type sessionPayload struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember-me"`
}

// login exchanges credentials for a session token. Called lazily on the
// first request and again whenever the venue answers 401.
func (c *Client) login(ctx context.Context) error {
	if c.username == "" {
		return fmt.Errorf("session expired and no credentials configured")
	}
	body, err := c.roundTrip(ctx, http.MethodPost, sessionEndpoint, sessionPayload{
		Login:      c.username,
		Password:   c.password,
		RememberMe: true,
	}, "")
	if err != nil {
		return fmt.Errorf("brokerage login failed: %w", err)
	}
	token := extractSessionToken(body)
	if token == "" {
		return fmt.Errorf("brokerage login response carried no session token")
	}
	c.sessionMu.Lock()
	c.sessionToken = token
	c.sessionMu.Unlock()
	logger.Infof("brokerage session established for %s", c.username)
	return nil
}

func (c *Client) token() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionToken
}

func (c *Client) clearToken() {
	c.sessionMu.Lock()
	c.sessionToken = ""
	c.sessionMu.Unlock()
}

// do runs one authenticated request and returns the raw response body.
// A 401 drops the cached token and retries once after a fresh login.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	if c.token() == "" {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}
	body, err := c.roundTrip(ctx, method, endpoint, payload, c.token())
	var ae *apiError
	if errors.As(err, &ae) && ae.status == http.StatusUnauthorized {
		logger.Warnf("brokerage session rejected, logging in again")
		c.clearToken()
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		return c.roundTrip(ctx, method, endpoint, payload, c.token())
	}
	return body, err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, payload any, token string) ([]byte, error) {
	var reqBody []byte
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding brokerage request failed: %w", err)
		}
		reqBody = data
		reader = bytes.NewReader(data)
	}

	target, err := c.resolveEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("building brokerage request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.LogWireExchange(c.Name(), method, endpoint, 0, string(reqBody), err.Error())
		return nil, fmt.Errorf("brokerage request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading brokerage response failed: %w", err)
	}
	logger.LogWireExchange(c.Name(), method, endpoint, resp.StatusCode, string(reqBody), string(respBody))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &apiError{status: resp.StatusCode, errors: parseAPIErrors(respBody, resp.StatusCode)}
	}
	return respBody, nil
}

func (c *Client) resolveEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	rawQuery := ""
	if idx := strings.Index(endpoint, "?"); idx >= 0 {
		rawQuery = endpoint[idx+1:]
		endpoint = endpoint[:idx]
	}
	resolved := *c.baseURL
	resolved.Path = strings.TrimSuffix(resolved.Path, "/") + "/" + strings.TrimPrefix(endpoint, "/")
	resolved.RawPath = ""
	resolved.RawQuery = rawQuery
	resolved.Fragment = ""
	return resolved.String(), nil
}

func (c *Client) accountPath(parts ...string) string {
	segments := append([]string{"accounts", url.PathEscape(c.account)}, parts...)
	return "/" + strings.Join(segments, "/")
}

// guarded runs a read call through the circuit breaker. Order lifecycle
// calls bypass it so a tripped breaker cannot strand a resting order.
func (c *Client) guarded(call func() error) error {
	err := c.breaker.Do(call)
	if errors.Is(err, circuit.ErrOpen) {
		return fmt.Errorf("brokerage temporarily unavailable: %w", err)
	}
	return err
}

func (c *Client) GetQuote(ctx context.Context, instrument types.Instrument) (broker.Quote, error) {
	query := url.Values{}
	query.Set(quoteParam(instrument), venueSymbol(instrument))
	var quote broker.Quote
	err := c.guarded(func() error {
		body, err := c.do(ctx, http.MethodGet, "/market-data/by-type?"+query.Encode(), nil)
		if err != nil {
			return err
		}
		q, err := parseQuote(body, instrument)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return broker.Quote{}, fmt.Errorf("fetching quote for %s failed: %w", instrument, err)
	}
	return quote, nil
}

func (c *Client) GetBalances(ctx context.Context) (broker.Balances, error) {
	var balances broker.Balances
	err := c.guarded(func() error {
		body, err := c.do(ctx, http.MethodGet, c.accountPath("balances"), nil)
		if err != nil {
			return err
		}
		balances = parseBalances(body)
		return nil
	})
	if err != nil {
		return broker.Balances{}, fmt.Errorf("fetching balances failed: %w", err)
	}
	return balances, nil
}

func (c *Client) GetPositions(ctx context.Context) ([]broker.Position, error) {
	var positions []broker.Position
	err := c.guarded(func() error {
		body, err := c.do(ctx, http.MethodGet, c.accountPath("positions"), nil)
		if err != nil {
			return err
		}
		positions = parsePositions(body)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching positions failed: %w", err)
	}
	return positions, nil
}

func (c *Client) GetLiveOrders(ctx context.Context) ([]broker.Order, error) {
	var orders []broker.Order
	err := c.guarded(func() error {
		body, err := c.do(ctx, http.MethodGet, c.accountPath("orders", "live"), nil)
		if err != nil {
			return err
		}
		orders = parseOrders(body)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching live orders failed: %w", err)
	}
	return orders, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	body, err := c.do(ctx, http.MethodGet, c.accountPath("orders", url.PathEscape(orderID)), nil)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.status == http.StatusNotFound {
			return nil, broker.ErrOrderNotFound
		}
		return nil, fmt.Errorf("fetching order %s failed: %w", orderID, err)
	}
	order := parseOrderBody(body)
	if order.ID == "" {
		return nil, broker.ErrOrderNotFound
	}
	return &order, nil
}

func (c *Client) PlaceOrder(ctx context.Context, ticket broker.OrderTicket, dryRun bool) (broker.OrderResponse, error) {
	endpoint := c.accountPath("orders")
	if dryRun {
		endpoint = c.accountPath("orders", "dry-run")
	}
	body, err := c.do(ctx, http.MethodPost, endpoint, buildOrderPayload(ticket))
	if err != nil {
		if resp, ok := rejectionResponse(err); ok {
			return resp, nil
		}
		return broker.OrderResponse{}, fmt.Errorf("placing order failed: %w", err)
	}
	return parseOrderResponse(body), nil
}

func (c *Client) ReplaceOrder(ctx context.Context, orderID string, ticket broker.OrderTicket) (broker.OrderResponse, error) {
	body, err := c.do(ctx, http.MethodPut, c.accountPath("orders", url.PathEscape(orderID)), buildOrderPayload(ticket))
	if err != nil {
		if resp, ok := rejectionResponse(err); ok {
			return resp, nil
		}
		return broker.OrderResponse{}, fmt.Errorf("replacing order %s failed: %w", orderID, err)
	}
	return parseOrderResponse(body), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, http.MethodDelete, c.accountPath("orders", url.PathEscape(orderID)), nil)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.status == http.StatusNotFound {
			return broker.ErrOrderNotFound
		}
		return fmt.Errorf("cancelling order %s failed: %w", orderID, err)
	}
	return nil
}

// rejectionResponse converts a 4xx venue rejection into order response data.
// The retry ladder reads rejections from OrderResponse.Errors; only
// transport and server faults stay errors.
func rejectionResponse(err error) (broker.OrderResponse, bool) {
	var ae *apiError
	if errors.As(err, &ae) && ae.status >= 400 && ae.status < 500 && ae.status != http.StatusUnauthorized {
		return broker.OrderResponse{Errors: ae.errors}, true
	}
	return broker.OrderResponse{}, false
}
