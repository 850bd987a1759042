package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/logging"
	"github.com/R3E-Network/streamflow/internal/middleware"
)

var userSecret = []byte("user-jwt-secret-0123456789")

// newGuardedServer mounts the vault behind the same user auth middleware the
// API uses, with /vault/ left to the handler's own check.
func newGuardedServer(t *testing.T, v *Memory) *httptest.Server {
	t.Helper()
	auth := middleware.NewAuthMiddleware(userSecret, "streamflow", logging.NewDiscard(), []string{"/vault/"})
	router := mux.NewRouter()
	router.Use(auth.Handler)
	NewHandler(v, testServiceToken).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, bearer, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestHandler_RejectsCallersWithoutServiceToken(t *testing.T) {
	v := fundedVault(t)
	require.NoError(t, v.Allocate(context.Background(), "alice", "USDC", amount.New(600), 1))
	srv := newGuardedServer(t, v)

	userToken, err := middleware.IssueToken(userSecret, "streamflow", "mallory", "", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"transfer", "/vault/transfer", `{"receiver":"mallory","token":"USDC","amount":"600","stream_id":1}`},
		{"release", "/vault/release", `{"owner":"alice","token":"USDC","amount":"600","stream_id":1}`},
		{"allocate", "/vault/allocate", `{"owner":"alice","token":"USDC","amount":"100","stream_id":2}`},
		{"deposit", "/vault/deposit", `{"owner":"mallory","token":"USDC","amount":"1000000"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusForbidden, post(t, srv.URL+tt.path, "", tt.body), "anonymous")
			assert.Equal(t, http.StatusForbidden, post(t, srv.URL+tt.path, userToken, tt.body), "user token")
			assert.Equal(t, http.StatusForbidden, post(t, srv.URL+tt.path, "wrong-service-token", tt.body), "wrong token")
		})
	}

	assert.Equal(t, "600", v.StreamAllocation(1).String())
	assert.True(t, v.StreamAllocation(2).IsZero())
	assert.True(t, v.Balance("mallory", "USDC").Available.IsZero())
	assert.Equal(t, "400", v.Balance("alice", "USDC").Available.String())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/vault/balances/alice/USDC", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+userToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_EmptyServiceTokenRejectsEverything(t *testing.T) {
	v := fundedVault(t)
	router := mux.NewRouter()
	NewHandler(v, "").RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	status := post(t, srv.URL+"/vault/deposit", "", `{"owner":"bob","token":"USDC","amount":"5"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.True(t, v.Balance("bob", "USDC").Available.IsZero())
}

func TestHandler_ServiceTokenAccepted(t *testing.T) {
	v := fundedVault(t)
	srv := newGuardedServer(t, v)

	status := post(t, srv.URL+"/vault/deposit", testServiceToken, `{"owner":"carol","token":"USDC","amount":"250"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "250", v.Balance("carol", "USDC").Available.String())

	status = post(t, srv.URL+"/vault/deposit", testServiceToken, `{"owner":"carol","token":"USDC","amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/vault/balances/alice/USDC", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testServiceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "1000", body["available"])
}
