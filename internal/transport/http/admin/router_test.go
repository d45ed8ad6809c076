package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ordex/internal/execution"
	"ordex/internal/queue"
	"ordex/internal/trader"
	"ordex/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClock struct {
	open bool
	next time.Time
}

func (c stubClock) Now() time.Time               { return time.Now().UTC() }
func (c stubClock) IsOpenNow() (bool, error)     { return c.open, nil }
func (c stubClock) NextOpen() (time.Time, error) { return c.next, nil }

type stubRunner struct{ calls int }

func (r *stubRunner) Execute(ctx context.Context, intent types.OrderIntent) (*execution.Outcome, error) {
	r.calls++
	return &execution.Outcome{Requested: intent.Quantity, Admissible: intent.Quantity}, nil
}

func newTestHandler(t *testing.T) (http.Handler, *stubRunner) {
	t.Helper()
	manager := queue.NewManager(queue.NewFileStore(filepath.Join(t.TempDir(), "order_queue.json")))
	runner := &stubRunner{}
	coordinator, err := trader.New(trader.Params{
		Queue:  manager,
		Clock:  stubClock{open: false, next: time.Now().Add(12 * time.Hour).UTC()},
		Runner: runner,
	})
	require.NoError(t, err)
	t.Cleanup(coordinator.Close)

	server, err := NewServer(ServerConfig{Addr: ":0", Coordinator: coordinator})
	require.NoError(t, err)
	return server.Handler(), runner
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	parsed := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed), rec.Body.String())
	}
	return rec, parsed
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t)
	rec, body := doJSON(t, handler, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestScheduleQueuesJobForLaterDrain(t *testing.T) {
	handler, runner := newTestHandler(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/trade/schedule",
		`{"symbol": "INTC", "action": "Buy to Open", "quantity": 2, "group": 3, "queue": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, string(queue.StatusQueued), body["status"])
	assert.Equal(t, float64(3), body["group"])
	assert.Zero(t, runner.calls)

	rec, body = doJSON(t, handler, http.MethodGet, "/api/queue?group=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestScheduleClosedMarketArmsWaiter(t *testing.T) {
	handler, runner := newTestHandler(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/trade/schedule",
		`{"symbol": "SPY", "action": "Sell to Close", "quantity": 1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(queue.StatusScheduled), body["status"])
	assert.NotEmpty(t, body["scheduled_for"])
	assert.Contains(t, body["detail"], "market closed")
	assert.Zero(t, runner.calls)
}

func TestScheduleRejectsUnknownAction(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/trade/schedule",
		`{"symbol": "INTC", "action": "Hold", "quantity": 2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "unsupported action")
}

func TestScheduleParsesOptionLeg(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/trade/schedule",
		`{"symbol": "INTC", "option": {"expiration": "2026-01-16", "type": "Call", "strike": 50},
		  "action": "Buy to Open", "quantity": 1, "queue": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(queue.StatusQueued), body["status"])

	rec, body = doJSON(t, handler, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	record := jobs[0].(map[string]any)["record"].(map[string]any)
	assert.NotNil(t, record["option"])
}

func TestCancelRemovesQueuedJobs(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, symbol := range []string{"INTC", "INTC", "SPY"} {
		rec, _ := doJSON(t, handler, http.MethodPost, "/api/trade/schedule",
			`{"symbol": "`+symbol+`", "action": "Buy to Open", "quantity": 1, "queue": true}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, body := doJSON(t, handler, http.MethodPost, "/api/trade/cancel", `{"symbol": "intc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["cancelled"])

	rec, body = doJSON(t, handler, http.MethodGet, "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestQueueRunRefusedWhileMarketClosed(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec, body := doJSON(t, handler, http.MethodPost, "/api/queue/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "market closed")
}

func TestQueueListRejectsBadGroup(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec, body := doJSON(t, handler, http.MethodGet, "/api/queue?group=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "invalid group")
}
