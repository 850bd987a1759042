package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/streamflow/internal/logging"
)

var testSecret = []byte("test-secret-0123456789abcdef")

func newTestAuth(skip ...string) *AuthMiddleware {
	return NewAuthMiddleware(testSecret, "streamflow", logging.NewDiscard(), skip)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	handler := newTestAuth("/health").Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestAuthMiddleware_SkipPrefix(t *testing.T) {
	handler := newTestAuth("/vault/").Handler(okHandler())

	tests := []struct {
		path string
		want int
	}{
		{"/vault/transfer", http.StatusOK},
		{"/vault/balances/alice/USDC", http.StatusOK},
		{"/vault", http.StatusUnauthorized},
		{"/vaults/transfer", http.StatusUnauthorized},
		{"/streams", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestAuthMiddleware_MissingAuthHeader(t *testing.T) {
	handler := newTestAuth().Handler(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/streams", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "UNAUTHORIZED" {
		t.Errorf("error code = %q, want UNAUTHORIZED", body.Error.Code)
	}
}

func TestAuthMiddleware_PublicReads(t *testing.T) {
	var capturedUserID string
	handler := newTestAuth().WithPublicReads().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/streams/1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("anonymous GET status = %d, want %d", rec.Code, http.StatusOK)
	}
	if capturedUserID != "" {
		t.Errorf("anonymous user id = %q, want empty", capturedUserID)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/streams/1/pause", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous POST status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest("GET", "/streams/1", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("GET with bad token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddleware_InvalidAuthHeaderFormat(t *testing.T) {
	handler := newTestAuth().Handler(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "token123"},
		{"wrong prefix", "Basic token123"},
		{"empty token", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/streams/1", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	var capturedUserID, capturedRole string
	handler := newTestAuth().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r.Context())
		capturedRole = GetUserRole(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token, err := IssueToken(testSecret, "streamflow", "alice", "admin", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	req := httptest.NewRequest("POST", "/streams", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if capturedUserID != "alice" {
		t.Errorf("User ID = %v, want alice", capturedUserID)
	}
	if capturedRole != "admin" {
		t.Errorf("Role = %v, want admin", capturedRole)
	}
}

func TestAuthMiddleware_RejectedTokens(t *testing.T) {
	handler := newTestAuth().Handler(okHandler())

	expired, _ := IssueToken(testSecret, "streamflow", "alice", "", -time.Hour)
	wrongKey, _ := IssueToken([]byte("another-secret"), "streamflow", "alice", "", time.Hour)
	wrongIssuer, _ := IssueToken(testSecret, "someone-else", "alice", "", time.Hour)
	noUser, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "streamflow"},
	}).SignedString(testSecret)
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"wrong key", wrongKey},
		{"wrong issuer", wrongIssuer},
		{"missing user", noUser},
		{"none algorithm", noneAlg},
		{"malformed", "invalid.token.here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/streams", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("Status code = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthMiddleware_SubjectFallback(t *testing.T) {
	var capturedUserID string
	handler := newTestAuth().Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID = GetUserID(r.Context())
	}))

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "streamflow", Subject: "bob"},
	}).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/streams", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if capturedUserID != "bob" {
		t.Errorf("User ID = %v, want bob", capturedUserID)
	}
}
