package tastytrade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ordex/internal/config"
	"ordex/internal/gateway/broker"
	"ordex/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) config.BrokerConfig {
	return config.BrokerConfig{
		BaseURL:   baseURL,
		AccountID: "5WT00001",
		Username:  "trader",
		Password:  "hunter2",
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(testConfig(server.URL))
	require.NoError(t, err)
	client.SetHTTPClient(server.Client())
	return client
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sessionResponse() map[string]any {
	return map[string]any{"data": map[string]any{"session-token": "tok-123"}}
}

func TestClientLogsInLazilyAndSendsToken(t *testing.T) {
	var logins, authed atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			logins.Add(1)
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "trader", payload["login"])
			assert.Equal(t, true, payload["remember-me"])
			writeJSON(w, http.StatusCreated, sessionResponse())
		case "/accounts/5WT00001/balances":
			if r.Header.Get("Authorization") == "tok-123" {
				authed.Add(1)
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"derivative-buying-power": "1500",
				"net-liquidating-value":   "9000",
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	balances, err := client.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1500", balances.AvailableBuyingPower.String())

	// Second call reuses the cached token instead of logging in again.
	_, err = client.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), logins.Load())
	assert.Equal(t, int32(2), authed.Load())
}

func TestClientReLogsInWhenSessionExpires(t *testing.T) {
	var logins atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			logins.Add(1)
			writeJSON(w, http.StatusCreated, sessionResponse())
		case "/accounts/5WT00001/balances":
			if r.Header.Get("Authorization") == "stale-token" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{
					"code": "invalid_session", "message": "session is expired",
				}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"derivative-buying-power": "42"}})
		}
	}))
	t.Cleanup(server.Close)

	cfg := testConfig(server.URL)
	cfg.SessionToken = "stale-token"
	client, err := NewClient(cfg)
	require.NoError(t, err)
	client.SetHTTPClient(server.Client())

	balances, err := client.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", balances.AvailableBuyingPower.String())
	assert.Equal(t, int32(1), logins.Load())
}

func TestPlaceOrderSurfacesRejectionAsData(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			writeJSON(w, http.StatusCreated, sessionResponse())
		case "/accounts/5WT00001/orders":
			assert.Equal(t, http.MethodPost, r.Method)
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": map[string]any{
				"code":    "preflight_check_failure",
				"message": "order failed preflight checks",
				"errors": []map[string]any{
					{"code": "margin_check_failed", "message": "margin requirement not met"},
				},
			}})
		}
	}))

	resp, err := client.PlaceOrder(context.Background(), buyTicket(5), false)
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Nil(t, resp.Order)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "margin requirement not met")
}

func TestPlaceOrderDryRunHitsDryRunEndpoint(t *testing.T) {
	var path atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions":
			writeJSON(w, http.StatusCreated, sessionResponse())
		default:
			path.Store(r.URL.Path)
			writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
				"order":    map[string]any{"id": 7001, "status": "Received"},
				"warnings": []map[string]any{{"code": "simulated", "message": "dry run only"}},
			}})
		}
	}))

	resp, err := client.PlaceOrder(context.Background(), buyTicket(2), true)
	require.NoError(t, err)
	assert.Equal(t, "/accounts/5WT00001/orders/dry-run", path.Load())
	assert.True(t, resp.OK())
	require.Len(t, resp.Warnings, 1)
	require.NotNil(t, resp.Order)
	assert.Equal(t, "7001", resp.Order.ID)
}

func TestGetOrderNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions" {
			writeJSON(w, http.StatusCreated, sessionResponse())
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]any{
			"code": "record_not_found", "message": "order not found",
		}})
	}))

	order, err := client.GetOrder(context.Background(), "99999")
	assert.ErrorIs(t, err, broker.ErrOrderNotFound)
	assert.Nil(t, order)
}

func TestCancelOrderIssuesDelete(t *testing.T) {
	var method, path atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions" {
			writeJSON(w, http.StatusCreated, sessionResponse())
			return
		}
		method.Store(r.Method)
		path.Store(r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": 88241, "status": "Cancel Requested"}})
	}))

	require.NoError(t, client.CancelOrder(context.Background(), "88241"))
	assert.Equal(t, http.MethodDelete, method.Load())
	assert.Equal(t, "/accounts/5WT00001/orders/88241", path.Load())
}

func TestGetQuoteBuildsByTypeQuery(t *testing.T) {
	occ := "INTC  260116C00050000"
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions" {
			writeJSON(w, http.StatusCreated, sessionResponse())
			return
		}
		assert.Equal(t, "/market-data/by-type", r.URL.Path)
		assert.Equal(t, occ, r.URL.Query().Get("equity-option"))
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"items": []map[string]any{{"symbol": occ, "bid": "1.10", "ask": "1.20"}},
		}})
	}))

	instrument := types.Instrument{
		Symbol: "INTC",
		Option: &types.OptionDescriptor{
			Expiration: time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
			Type:       types.Call,
			Strike:     decimal.NewFromInt(50),
		},
	}
	quote, err := client.GetQuote(context.Background(), instrument)
	require.NoError(t, err)
	assert.Equal(t, "1.1", quote.Bid.String())
	assert.Equal(t, "1.2", quote.Ask.String())
}

func buyTicket(quantity int64) broker.OrderTicket {
	return broker.OrderTicket{
		Instrument: types.Instrument{Symbol: "INTC"},
		Action:     types.BuyToOpen,
		Quantity:   quantity,
		LimitPrice: decimal.RequireFromString("34.15"),
	}
}
