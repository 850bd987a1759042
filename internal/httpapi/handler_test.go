package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/ledger"
	"github.com/R3E-Network/streamflow/internal/logging"
	"github.com/R3E-Network/streamflow/internal/middleware"
	"github.com/R3E-Network/streamflow/internal/storage/memory"
	"github.com/R3E-Network/streamflow/internal/vault"
)

var secret = []byte("httpapi-test-secret-000")

type testServer struct {
	t       *testing.T
	handler http.Handler
	clock   *ledger.ManualClock
	vault   *vault.Memory
	tokens  map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	clock := ledger.NewManualClock(0)
	v := vault.NewMemory("admin")
	require.NoError(t, v.DepositTokens(ctx, "alice", "USDC", amount.New(10_000_000)))

	l, err := ledger.New(ctx, ledger.Options{
		Store:  memory.New(),
		Vault:  v,
		Clock:  clock,
		Logger: logging.NewDiscard(),
		Admin:  "admin",
	})
	require.NoError(t, err)

	logger := logging.NewDiscard()
	auth := middleware.NewAuthMiddleware(secret, "streamflow", logger, []string{"/health", "/metrics"}).WithPublicReads()
	h := NewHandler(l, func(token string) uint8 {
		if token == "USDC" {
			return 2
		}
		return 0
	}, logger)

	s := &testServer{
		t:       t,
		handler: NewRouter(h, RouterOptions{Logger: logger, Auth: auth, Version: "test"}),
		clock:   clock,
		vault:   v,
		tokens:  map[string]string{},
	}
	for _, user := range []string{"alice", "bob", "carol", "admin"} {
		tok, err := middleware.IssueToken(secret, "streamflow", user, "", time.Hour)
		require.NoError(t, err)
		s.tokens[user] = tok
	}
	return s
}

func (s *testServer) do(method, path, user string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[user])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, rec.Body.String())
	return errObj["code"].(string)
}

func (s *testServer) createStream(rate, deposit string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/streams", "alice", map[string]string{
		"receiver":        "bob",
		"token":           "USDC",
		"flow_rate":       rate,
		"initial_deposit": deposit,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(middleware.TraceHeader))

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "streamflow_")
}

func TestCreateAndReadStream(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/streams", "", map[string]string{"receiver": "bob"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/streams", "alice", map[string]string{
		"receiver": "bob", "token": "USDC", "flow_rate": "10", "initial_deposit": "35999",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/streams", "alice", map[string]string{
		"receiver": "bob", "token": "USDC", "flow_rate": "10", "initial_deposit": "36000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "36000", body["deposited"])
	assert.Equal(t, "360.00", body["display"].(map[string]interface{})["deposited"])

	rec = s.do(http.MethodGet, "/streams/1", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/streams/2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/streams/0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/streams/total", "", nil)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
	rec = s.do(http.MethodGet, "/streams/active", "", nil)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = s.do(http.MethodGet, "/streams/sender/alice", "", nil)
	assert.Equal(t, []interface{}{float64(1)}, decodeBody(t, rec)["stream_ids"])
	rec = s.do(http.MethodGet, "/streams/receiver/carol", "", nil)
	assert.Equal(t, []interface{}{}, decodeBody(t, rec)["stream_ids"])
}

func TestCreateStreamRequestValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/streams", "alice", map[string]string{"token": "USDC", "flow_rate": "1", "initial_deposit": "3600"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	details := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.Equal(t, "required", details["Receiver"])

	rec = s.do(http.MethodPost, "/streams", "alice", map[string]string{"receiver": "bob", "surprise": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/streams", "alice", map[string]string{"receiver": "bob", "token": "USDC", "flow_rate": "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWithdrawOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.createStream("5", "18000")

	s.clock.Set(100)
	rec := s.do(http.MethodGet, "/streams/1/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "500", body["amount"])
	assert.Equal(t, "5.00", body["display"])

	rec = s.do(http.MethodPost, "/streams/1/withdraw", "alice", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/streams/1/withdraw", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "500", decodeBody(t, rec)["amount"])
	assert.Equal(t, "500", s.vault.Balance("bob", "USDC").Available.String())

	rec = s.do(http.MethodPost, "/streams/1/withdraw", "bob", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOTHING_TO_WITHDRAW", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/streams/1/buffer", "", nil)
	assert.Equal(t, "17500", decodeBody(t, rec)["amount"])
}

func TestLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.createStream("10", "36000")

	rec := s.do(http.MethodPut, "/streams/1", "bob", map[string]string{"flow_rate": "20"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.clock.Set(10)
	rec = s.do(http.MethodPut, "/streams/1", "alice", map[string]string{"flow_rate": "5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "5", body["flow_rate"])
	assert.Equal(t, "100", body["streamed"])

	rec = s.do(http.MethodPost, "/streams/1/pause", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeBody(t, rec)["status"])

	rec = s.do(http.MethodPost, "/streams/1/pause", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/streams/1/deposit", "alice", map[string]string{"amount": "1000"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "37000", decodeBody(t, rec)["deposited"])

	rec = s.do(http.MethodPost, "/streams/1/resume", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/streams/1/liquidate", "carol", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_ELIGIBLE_FOR_LIQUIDATION", errorCode(t, rec))

	rec = s.do(http.MethodPost, "/streams/1/stop", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, "0", body["flow_rate"])

	rec = s.do(http.MethodGet, "/streams/active", "", nil)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])

	rec = s.do(http.MethodGet, "/streams/1/snapshot", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLiquidateOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.createStream("10", "36000")

	s.clock.Set(1)
	rec := s.do(http.MethodPost, "/streams/1/liquidate", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paused", decodeBody(t, rec)["status"])
}

func TestAdminVault(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPut, "/admin/vault", "alice", map[string]string{"address": "vault-2"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPut, "/admin/vault", "admin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPut, "/admin/vault", "admin", map[string]string{"address": "vault-2"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vault-2", decodeBody(t, rec)["vault_address"])

	rec = s.do(http.MethodGet, "/streams/config", "", nil)
	assert.Equal(t, "vault-2", decodeBody(t, rec)["vault_address"])
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodDelete, "/streams/1", "alice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
